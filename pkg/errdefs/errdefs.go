package errdefs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error into the stable taxonomy shared by the worker
// pool, the adapters, and the HTTP transport. The string values are part of
// the wire contract and must not change.
type Kind string

const (
	// KindInvalidParams marks validation failures before enqueue: missing
	// prompt, count out of range, unknown provider.
	KindInvalidParams Kind = "invalid-params"

	// KindQueueFull marks a submission rejected because the worker queue
	// is saturated. Clients may retry after a delay.
	KindQueueFull Kind = "queue-full"

	// KindUpstreamTransient marks network timeouts, 5xx responses, and
	// rate limits. Retried inside the adapter with backoff.
	KindUpstreamTransient Kind = "upstream-transient"

	// KindUpstreamRefused marks explicit content refusals and permanent
	// 4xx responses. Never retried.
	KindUpstreamRefused Kind = "upstream-refused"

	// KindIOError marks storage or metadata failures while landing an
	// image. The affected image is marked failed.
	KindIOError Kind = "io-error"

	// KindCanceled marks tasks interrupted by client deletion or shutdown.
	KindCanceled Kind = "canceled"

	// KindRestart marks tasks that were non-terminal at process start and
	// were force-finalized by the reconciler.
	KindRestart Kind = "restart"

	// KindUnknownProvider marks generation requests naming a provider the
	// registry cannot serve, either unknown or not configured.
	KindUnknownProvider Kind = "unknown-provider"

	// KindNotFound marks lookups of tasks, images, or providers that do
	// not exist.
	KindNotFound Kind = "not-found"

	// KindInternal is the fallback for unclassified errors.
	KindInternal Kind = "internal"
)

// Error is a classified error. It wraps an optional cause so callers can
// use errors.Is and errors.As across package boundaries.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E creates a classified error with a message
func E(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Ef creates a classified error with a formatted message
func Ef(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error, keeping it available for unwrapping
func Wrap(kind Kind, err error, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of err, walking the wrap chain. Unclassified
// errors report KindInternal; nil reports the empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind anywhere in its chain
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether err is worth retrying with backoff
func IsRetryable(err error) bool {
	return KindOf(err) == KindUpstreamTransient
}

// MessageOf returns the classified message of err, or err.Error() for
// unclassified errors. Terminal task rows persist this string.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

// HTTPStatus maps a kind to the HTTP status the transport responds with
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidParams, KindUnknownProvider:
		return http.StatusBadRequest
	case KindQueueFull:
		return http.StatusTooManyRequests
	case KindUpstreamTransient:
		return http.StatusBadGateway
	case KindUpstreamRefused:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindCanceled:
		// Client closed request, nginx convention
		return 499
	case KindIOError, KindRestart, KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Code maps a kind to the stable non-zero envelope code clients branch on
func Code(kind Kind) int {
	switch kind {
	case KindInvalidParams:
		return 40001
	case KindUnknownProvider:
		return 40002
	case KindNotFound:
		return 40401
	case KindUpstreamRefused:
		return 42201
	case KindQueueFull:
		return 42901
	case KindCanceled:
		return 49901
	case KindIOError:
		return 50001
	case KindRestart:
		return 50002
	case KindUpstreamTransient:
		return 50201
	default:
		return 50000
	}
}

// KindForCode inverts Code. Clients use it to rebuild typed errors from
// envelope codes; unrecognized codes come back as KindInternal.
func KindForCode(code int) Kind {
	switch code {
	case 40001:
		return KindInvalidParams
	case 40002:
		return KindUnknownProvider
	case 40401:
		return KindNotFound
	case 42201:
		return KindUpstreamRefused
	case 42901:
		return KindQueueFull
	case 49901:
		return KindCanceled
	case 50001:
		return KindIOError
	case 50002:
		return KindRestart
	case 50201:
		return KindUpstreamTransient
	default:
		return KindInternal
	}
}
