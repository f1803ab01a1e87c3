/*
Package client provides a Go client library for the imagegend REST API.

The client wraps the HTTP API with typed methods for every operation:
submitting generation tasks, following their progress over SSE, browsing
and exporting the gallery, and managing provider configurations. Wire
errors come back as errdefs kinds, so callers branch the same way server
code does.

# Architecture

	┌──────────────────── APPLICATION CODE ──────────────────────┐
	│                                                             │
	│  import "github.com/cuemby/imagegend/pkg/client"            │
	│                                                             │
	│  c, err := client.New("http://127.0.0.1:8960")              │
	│  task, err := c.Generate(ctx, req)                          │
	│                                                             │
	└──────────────────┬──────────────────────────────────────────┘
	                   │
	┌──────────────────▼──── pkg/client ─────────────────────────┐
	│                                                             │
	│  ┌──────────────────────────────────────────────┐          │
	│  │           Typed methods                       │          │
	│  │  - envelope decode into caller types          │          │
	│  │  - non-zero codes -> errdefs kinds            │          │
	│  │  - multipart encode for reference images      │          │
	│  │  - SSE frame parser for Stream                │          │
	│  └──────────────────┬───────────────────────────┘          │
	│                     │                                       │
	│  ┌──────────────────▼───────────────────────────┐          │
	│  │         retryablehttp transport               │          │
	│  │  - backoff on transport errors and 5xx        │          │
	│  │  - per-request context deadlines              │          │
	│  └──────────────────┬───────────────────────────┘          │
	└─────────────────────┼───────────────────────────────────────┘
	                      │ HTTP
	┌─────────────────────▼───── imagegend server ───────────────┐
	│  /api/v1/tasks   /api/v1/images   /api/v1/providers   ...  │
	└─────────────────────────────────────────────────────────────┘

# Usage

Submitting a task and waiting for it:

	c, err := client.New("http://127.0.0.1:8960")
	if err != nil {
		log.Fatal(err)
	}

	task, err := c.Generate(ctx, types.GenerateRequest{
		Provider: "gemini",
		Model:    "gemini-2.5-flash-image",
		Params: types.GenerateParams{
			Prompt: "a watercolor lighthouse at dusk",
			Count:  2,
		},
	})
	if err != nil {
		log.Fatal(err)
	}

	events, err := c.Stream(ctx, task.ID)
	if err != nil {
		log.Fatal(err)
	}
	for event := range events {
		fmt.Printf("%s: %d/%d\n", event.Kind, event.Completed, event.Total)
	}

Branching on error kinds:

	_, err := c.Generate(ctx, req)
	switch {
	case errdefs.IsKind(err, errdefs.KindQueueFull):
		// back off and resubmit
	case errdefs.IsKind(err, errdefs.KindUnknownProvider):
		// surface a configuration problem
	}

The Stream channel closes after the terminal event. Tasks that already
finished yield exactly one synthetic terminal event, so late subscribers
never hang.
*/
package client
