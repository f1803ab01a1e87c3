package framework

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/imagegend/pkg/client"
	"github.com/cuemby/imagegend/pkg/events"
	"github.com/cuemby/imagegend/pkg/types"
)

// Client wraps the service client with test-friendly methods
type Client struct {
	*client.Client
}

// NewClient creates a new test client wrapper
func NewClient(c *client.Client) *Client {
	return &Client{Client: c}
}

// Submit sends a text-to-image request against the stub provider with
// square 1K output
func (c *Client) Submit(ctx context.Context, prompt string, count int) (*types.Task, error) {
	return c.Generate(ctx, types.GenerateRequest{
		Provider: StubProvider,
		Model:    StubModel,
		Params: types.GenerateParams{
			Prompt:      prompt,
			Model:       StubModel,
			AspectRatio: types.AspectRatioSquare,
			Resolution:  types.Resolution1K,
			Count:       count,
		},
	})
}

// SubmitWithUploads sends a multipart image-to-image request carrying
// the given reference images
func (c *Client) SubmitWithUploads(ctx context.Context, prompt string, count int, uploads []client.Upload) (*types.Task, error) {
	return c.GenerateWithImages(ctx, types.GenerateRequest{
		Provider: StubProvider,
		Model:    StubModel,
		Params: types.GenerateParams{
			Prompt:      prompt,
			Model:       StubModel,
			AspectRatio: types.AspectRatioSquare,
			Resolution:  types.Resolution1K,
			Count:       count,
		},
	}, uploads)
}

// CollectEvents drains a task's event stream until the server closes it
// after the terminal event, returning everything received in order
func (c *Client) CollectEvents(ctx context.Context, taskID string) ([]*events.Event, error) {
	stream, err := c.Stream(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var collected []*events.Event
	for {
		select {
		case ev, ok := <-stream:
			if !ok {
				return collected, nil
			}
			collected = append(collected, ev)
		case <-ctx.Done():
			return collected, fmt.Errorf("stream did not finish: %w", ctx.Err())
		}
	}
}

// NextEvent reads one event from an open stream, failing after timeout.
// A closed stream returns nil.
func NextEvent(stream <-chan *events.Event, timeout time.Duration) (*events.Event, error) {
	select {
	case ev, ok := <-stream:
		if !ok {
			return nil, nil
		}
		return ev, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("no event within %v", timeout)
	}
}
