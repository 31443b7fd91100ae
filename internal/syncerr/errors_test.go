package syncerr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestFromStatus(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, ErrNotFound},
		{http.StatusGone, ErrNotFound},
		{http.StatusPreconditionFailed, ErrPreconditionFailed},
		{http.StatusConflict, ErrConflict},
		{http.StatusBadRequest, ErrBadRequest},
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusInternalServerError, ErrTransport},
		{http.StatusBadGateway, ErrTransport},
	}

	for _, tt := range tests {
		err := FromStatus(tt.status, "boom")
		if !errors.Is(err, tt.want) {
			t.Errorf("FromStatus(%d) = %v, want %v", tt.status, err, tt.want)
		}

		var se *StatusError
		if !errors.As(err, &se) {
			t.Fatalf("FromStatus(%d) is not a *StatusError", tt.status)
		}
		if se.Status != tt.status {
			t.Errorf("Status = %d, want %d", se.Status, tt.status)
		}
	}

	if err := FromStatus(http.StatusOK, ""); err != nil {
		t.Errorf("FromStatus(200) = %v, want nil", err)
	}
	if err := FromStatus(http.StatusNoContent, ""); err != nil {
		t.Errorf("FromStatus(204) = %v, want nil", err)
	}
}

func TestClassifiers(t *testing.T) {
	transport := Transport("pull", errors.New("connection reset"))
	if !IsRetryable(transport) {
		t.Error("transport errors should be retryable")
	}
	if IsFatal(transport) {
		t.Error("transport errors should not be fatal")
	}

	bad := BadRequest("malformed cursor %q", "abc")
	if IsRetryable(bad) {
		t.Error("bad request should not be retryable")
	}
	if !IsFatal(bad) {
		t.Error("bad request should be fatal")
	}

	proto := Protocol("unexpected field")
	if IsRetryable(proto) || IsFatal(proto) {
		t.Error("protocol errors are neither retryable nor fatal")
	}

	wrapped := fmt.Errorf("failed to load: %w", FromStatus(http.StatusNotFound, ""))
	if !IsNotFound(wrapped) {
		t.Error("IsNotFound should see through wrapping")
	}

	if IsRetryable(nil) || IsFatal(nil) {
		t.Error("nil is neither retryable nor fatal")
	}
}
