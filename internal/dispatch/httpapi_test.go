package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(url string) *HTTPClient {
	return NewHTTPClient(HTTPConfig{Endpoint: url, Token: "secret", MaxPerSec: 1000})
}

func TestPublishSuccess(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"ext-42"}`))
	}))
	defer srv.Close()

	res := newTestClient(srv.URL).Publish(context.Background(), "hello")
	if res.Kind != Posted {
		t.Fatalf("kind = %d, want Posted", res.Kind)
	}
	if res.ExternalID != "ext-42" {
		t.Errorf("externalID = %q, want ext-42", res.ExternalID)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("auth header = %q", gotAuth)
	}
}

func TestPublishStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   Kind
	}{
		{"rate limited", http.StatusTooManyRequests, RateLimited},
		{"server error", http.StatusInternalServerError, RetryableError},
		{"bad gateway", http.StatusBadGateway, RetryableError},
		{"bad request", http.StatusBadRequest, Fatal},
		{"unauthorized", http.StatusUnauthorized, Fatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			res := newTestClient(srv.URL).Publish(context.Background(), "hello")
			if res.Kind != tt.want {
				t.Errorf("kind = %d, want %d", res.Kind, tt.want)
			}
			if res.Message == "" {
				t.Error("message not set")
			}
		})
	}
}

func TestPublishRetryAfterHint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "17")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	res := newTestClient(srv.URL).Publish(context.Background(), "hello")
	if res.Kind != RateLimited {
		t.Fatalf("kind = %d, want RateLimited", res.Kind)
	}
	if res.RetryAfter != 17*time.Second {
		t.Errorf("retryAfter = %v, want 17s", res.RetryAfter)
	}
}

func TestPublishTransportErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	res := newTestClient(srv.URL).Publish(context.Background(), "hello")
	if res.Kind != RetryableError {
		t.Fatalf("kind = %d, want RetryableError", res.Kind)
	}
}

func TestSimulatorAlwaysPostsWithoutExternalID(t *testing.T) {
	res := Simulator{}.Publish(context.Background(), "anything")
	if res.Kind != Posted {
		t.Fatalf("kind = %d, want Posted", res.Kind)
	}
	if res.ExternalID != "" {
		t.Errorf("externalID = %q, want empty", res.ExternalID)
	}
}
