package apperrors

import (
	"errors"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  *Error
		want int
	}{
		{Validation("bad field", nil), http.StatusBadRequest},
		{NotFound("job not found"), http.StatusNotFound},
		{RateLimited("too many"), http.StatusTooManyRequests},
		{External("broker down", errors.New("dial tcp: refused")), http.StatusServiceUnavailable},
		{Internal("panic", nil), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := c.err.HTTPStatus(); got != c.want {
			t.Errorf("%s.HTTPStatus() = %d, want %d", c.err.Code, got, c.want)
		}
	}
}

func TestAs(t *testing.T) {
	wrapped := errors.New("wrapped: " + NotFound("x").Error())
	if _, ok := As(wrapped); ok {
		t.Fatal("As() matched a plain error")
	}
	if _, ok := As(NotFound("x")); !ok {
		t.Fatal("As() failed to match an *Error")
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("dial refused")
	err := External("broker unreachable", cause)
	if !errors.Is(err, cause) {
		t.Fatal("errors.Is did not find wrapped cause")
	}
}
