package provider

import (
	"net/http"

	"github.com/cuemby/imagegend/pkg/errdefs"
)

// upstreamStatusError classifies a non-200 upstream response. Rate limits
// and server errors are transient; every other 4xx is a permanent verdict
// on the request and retrying cannot change the answer.
func upstreamStatusError(provider string, status int, msg string) error {
	if msg == "" {
		msg = http.StatusText(status)
	}

	switch {
	case status == http.StatusTooManyRequests:
		return errdefs.Ef(errdefs.KindUpstreamTransient, "%s rate limited the request (429): %s", provider, msg)
	case status >= 500:
		return errdefs.Ef(errdefs.KindUpstreamTransient, "%s returned %d: %s", provider, status, msg)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errdefs.Ef(errdefs.KindUpstreamRefused, "%s rejected the API key (%d): %s", provider, status, msg)
	case status >= 400:
		return errdefs.Ef(errdefs.KindUpstreamRefused, "%s refused the request (%d): %s", provider, status, msg)
	default:
		return errdefs.Ef(errdefs.KindUpstreamTransient, "%s returned unexpected status %d: %s", provider, status, msg)
	}
}
