package types

import (
	"errors"
	"net/http"
	"testing"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("upstream connection refused")
	err := NewBadGatewayError("upstream request failed").
		WithCause(root).
		WithCode("upstream_transport_error")

	if KindOf(err) != ErrBadGateway {
		t.Fatalf("expected kind %s, got %s", ErrBadGateway, KindOf(err))
	}
	if StatusOf(err) != http.StatusBadGateway {
		t.Fatalf("expected status 502, got %d", StatusOf(err))
	}
	if !Retryable(err) {
		t.Fatalf("expected bad_gateway to be retryable")
	}
	if !errors.Is(err, root) {
		t.Fatalf("expected errors.Is unwrap to root")
	}
	if got := err.Error(); got == "" {
		t.Fatalf("expected non-empty error string")
	}
}

func TestError_NonTaggedDefaultsToServerError(t *testing.T) {
	t.Parallel()

	plain := errors.New("boom")
	if KindOf(plain) != ErrServer {
		t.Fatalf("expected untagged error to classify as server_error")
	}
	if StatusOf(plain) != http.StatusInternalServerError {
		t.Fatalf("expected untagged error to map to 500")
	}
	if Retryable(plain) {
		t.Fatalf("expected untagged error to not be retryable")
	}
}

func TestError_KindStatusMapping(t *testing.T) {
	t.Parallel()

	cases := map[ErrorKind]int{
		ErrAuthentication:     http.StatusUnauthorized,
		ErrPermission:         http.StatusForbidden,
		ErrNotFound:           http.StatusNotFound,
		ErrInvalidRequest:     http.StatusBadRequest,
		ErrRateLimit:          http.StatusTooManyRequests,
		ErrServiceUnavailable: http.StatusServiceUnavailable,
		ErrGatewayTimeout:     http.StatusGatewayTimeout,
		ErrBadGateway:         http.StatusBadGateway,
		ErrServer:             http.StatusInternalServerError,
	}
	for kind, status := range cases {
		e := NewError(kind, "x")
		if e.HTTPStatus() != status {
			t.Fatalf("kind %s: expected status %d, got %d", kind, status, e.HTTPStatus())
		}
	}
}
