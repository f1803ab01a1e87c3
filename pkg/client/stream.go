package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/cuemby/imagegend/pkg/events"
	"github.com/cuemby/imagegend/pkg/log"
)

// Stream subscribes to a task's progress events. The channel closes
// after the terminal event, when the connection drops, or when ctx
// cancels. Tasks that already finished yield a single terminal event.
func (c *Client) Stream(ctx context.Context, taskID string) (<-chan *events.Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/tasks/"+url.PathEscape(taskID)+"/stream", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		// The server answered with an error envelope instead of a stream
		defer resp.Body.Close()
		var env envelope
		if decodeErr := json.NewDecoder(resp.Body).Decode(&env); decodeErr == nil && env.Code != 0 {
			return nil, envelopeError(env)
		}
		return nil, fmt.Errorf("stream request failed with status %d", resp.StatusCode)
	}

	ch := make(chan *events.Event)
	go c.readStream(resp, ch)
	return ch, nil
}

// readStream parses SSE frames until the terminal event or EOF. Comment
// lines are heartbeats and carry nothing.
func (c *Client) readStream(resp *http.Response, ch chan<- *events.Event) {
	defer resp.Body.Close()
	defer close(ch)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

	var kind, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data == "" {
				continue
			}
			event := &events.Event{}
			if err := json.Unmarshal([]byte(data), event); err != nil {
				log.WithComponent("client").Warn().Err(err).Msg("Dropping undecodable stream event")
				kind, data = "", ""
				continue
			}
			event.Kind = events.Kind(kind)
			ch <- event
			if event.Terminal() {
				return
			}
			kind, data = "", ""
		case strings.HasPrefix(line, "event:"):
			kind = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case strings.HasPrefix(line, ":"):
			// heartbeat
		}
	}
}
