/*
Package api exposes the generation backend over HTTP.

Every JSON endpoint shares the {code, message, data} envelope: code 0 is
success, non-zero codes are the stable values from pkg/errdefs that
clients branch on. Binary surfaces (image download, ZIP export, SSE
streams, /storage static files) bypass the envelope.

# Architecture

The server is a thin routing layer; domain work happens in the manager,
registry, and template service it delegates to:

	┌────────────────────── CLIENT (UI / curl) ──────────────────┐
	│        HTTP + JSON envelope          SSE (progress)         │
	└─────────────┬───────────────────────────┬──────────────────┘
	              │                           │
	┌─────────────▼───────────────────────────▼──────────────────┐
	│                    chi router (pkg/api)                     │
	│   recoverer → request log/metrics → CORS → handlers         │
	│                                                             │
	│   /tasks/*     ──► manager   (create, get, delete, run)     │
	│   /tasks/{id}/stream ──► bus (subscribe, replay, terminal)  │
	│   /images/*    ──► manager + file store (list, zip, bytes)  │
	│   /providers/* ──► registry  (list, configs, reload)        │
	│   /prompts/*   ──► adapter   (text-model prompt rewrite)    │
	│   /templates   ──► templates (seed + upstream refresh)      │
	│   /storage/*   ──► http.FileServer over the work dir        │
	│   /metrics     ──► prometheus (outside the base prefix)     │
	└─────────────────────────────────────────────────────────────┘

# Streaming

/tasks/{id}/stream serves Server-Sent Events: one "event:" name per
progress kind, the JSON payload in "data:", a comment heartbeat every
15s. Live topics stream until the terminal event closes the response.
Subscribers that arrive after the topic's grace window get a single
synthetic terminal frame rebuilt from the persisted task row, so a page
reload never hangs on a finished task.

# Errors

Handlers never map errors ad hoc: respondError derives the HTTP status
and envelope code from the error's kind, so a queue-full error is 429
code 42901 no matter which handler surfaced it.
*/
package api
