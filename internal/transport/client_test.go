package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/focusdeck/syncd/internal/syncerr"
)

func TestClient_Do(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("X-Client"); got != "syncd" {
			t.Errorf("X-Client = %q", got)
		}
		if got := r.URL.Query().Get("user_id"); got != "u1" {
			t.Errorf("user_id = %q", got)
		}
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/", WithToken("secret"), WithHeader("X-Client", "syncd"))

	var out struct {
		OK bool `json:"ok"`
	}
	resp, err := c.Do(context.Background(), Request{
		Method: http.MethodGet,
		Path:   "/docs",
		Query:  url.Values{"user_id": {"u1"}},
	}, &out)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if !out.OK {
		t.Error("body was not decoded")
	}
	if resp.Header.Get("ETag") != `"v1"` {
		t.Errorf("ETag = %q", resp.Header.Get("ETag"))
	}
}

func TestClient_DoErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"not found", http.StatusNotFound, `{"error":"no such doc"}`, syncerr.ErrNotFound},
		{"precondition", http.StatusPreconditionFailed, ``, syncerr.ErrPreconditionFailed},
		{"bad request", http.StatusBadRequest, `malformed cursor`, syncerr.ErrBadRequest},
		{"server error", http.StatusInternalServerError, `{"error":"db down"}`, syncerr.ErrTransport},
		{"malformed body", http.StatusOK, `{"ok":`, syncerr.ErrTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			var out map[string]any
			_, err := New(srv.URL).Do(context.Background(), Request{Method: http.MethodGet, Path: "x"}, &out)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Do() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestClient_DoNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	_, err := New(addr).Do(context.Background(), Request{Method: http.MethodGet, Path: "x"}, nil)
	if !syncerr.IsRetryable(err) {
		t.Fatalf("expected retryable transport error, got %v", err)
	}
}
