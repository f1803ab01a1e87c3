package errdefs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, Kind("")},
		{"direct", E(KindQueueFull, "queue is full"), KindQueueFull},
		{"wrapped cause", Wrap(KindIOError, errors.New("disk gone"), "write failed"), KindIOError},
		{"fmt wrapped", fmt.Errorf("outer: %w", E(KindCanceled, "canceled")), KindCanceled},
		{"unclassified", errors.New("plain"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(KindIOError, nil, "ignored"))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(KindUpstreamTransient, cause, "upstream call failed")

	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "upstream call failed")
	assert.Contains(t, err.Error(), "connection reset")
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(E(KindUpstreamTransient, "503")))
	assert.False(t, IsRetryable(E(KindUpstreamRefused, "content policy")))
	assert.False(t, IsRetryable(E(KindInvalidParams, "missing prompt")))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.False(t, IsRetryable(nil))
}

func TestMessageOf(t *testing.T) {
	assert.Equal(t, "", MessageOf(nil))
	assert.Equal(t, "canceled", MessageOf(E(KindCanceled, "canceled")))
	assert.Equal(t, "write failed", MessageOf(Wrap(KindIOError, errors.New("enospc"), "write failed")))
	assert.Equal(t, "plain", MessageOf(errors.New("plain")))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindInvalidParams, http.StatusBadRequest},
		{KindUnknownProvider, http.StatusBadRequest},
		{KindQueueFull, http.StatusTooManyRequests},
		{KindUpstreamTransient, http.StatusBadGateway},
		{KindUpstreamRefused, http.StatusUnprocessableEntity},
		{KindNotFound, http.StatusNotFound},
		{KindCanceled, 499},
		{KindIOError, http.StatusInternalServerError},
		{KindRestart, http.StatusInternalServerError},
		{KindInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.kind))
		})
	}
}

func TestCodeStability(t *testing.T) {
	// These codes are part of the wire contract; UI logic branches on them.
	tests := []struct {
		kind Kind
		want int
	}{
		{KindInvalidParams, 40001},
		{KindUnknownProvider, 40002},
		{KindNotFound, 40401},
		{KindUpstreamRefused, 42201},
		{KindQueueFull, 42901},
		{KindCanceled, 49901},
		{KindIOError, 50001},
		{KindRestart, 50002},
		{KindUpstreamTransient, 50201},
		{KindInternal, 50000},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, Code(tt.kind))
		})
	}
}

func TestEf(t *testing.T) {
	err := Ef(KindInvalidParams, "unknown provider: %s", "acme")
	assert.Equal(t, KindInvalidParams, KindOf(err))
	assert.Equal(t, "unknown provider: acme", MessageOf(err))
}
