// Package errdefs defines the stable error taxonomy shared by the worker
// pool, the provider adapters, and the HTTP transport. Every handled error
// in the pipeline is classified into one Kind; the transport maps kinds to
// HTTP statuses and envelope codes without inspecting messages.
package errdefs
