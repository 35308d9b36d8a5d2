package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

type staticTokens struct{ token string }

func (s *staticTokens) AccessToken() string { return s.token }

func TestClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if call == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"message":"try later"}`))
			return
		}
		if r.URL.Path != "/documents/overview" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"mine":[],"shared_with_me":[{"id":7,"title":"Notes","updated_at":"2026-01-01T00:00:00Z","permission_level":"editor","owner":{"id":2,"username":"ana"}}]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, &staticTokens{token: "tok"}, ClientOptions{HTTPClient: server.Client()})
	overview, err := client.Overview(context.Background())
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if len(overview.SharedWithMe) != 1 || overview.SharedWithMe[0].ID != 7 {
		t.Fatalf("unexpected overview payload: %+v", overview)
	}
	if overview.SharedWithMe[0].PermissionLevel != PermissionEditor {
		t.Fatalf("expected editor permission, got %s", overview.SharedWithMe[0].PermissionLevel)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", atomic.LoadInt32(&calls))
	}
}

func TestClientAuthFailureRouting(t *testing.T) {
	cases := []struct {
		name       string
		status     int
		body       string
		wantFailed bool
	}{
		{"401 expired", http.StatusUnauthorized, `{"message":"Token has expired"}`, true},
		{"403 forbidden", http.StatusForbidden, `{"message":"Access denied"}`, true},
		{"422 invalid token", http.StatusUnprocessableEntity, `{"message":"Invalid token","detail":"Not enough segments"}`, true},
		{"422 validation", http.StatusUnprocessableEntity, `{"message":"email: field required"}`, false},
		{"404 not found", http.StatusNotFound, `{"message":"Not found"}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			var failed int32
			client := NewClient(server.URL, &staticTokens{token: "tok"}, ClientOptions{
				HTTPClient:    server.Client(),
				OnAuthFailure: func(status int, message string) { atomic.AddInt32(&failed, 1) },
			})
			_, err := client.GetDocument(context.Background(), 1)
			if err == nil {
				t.Fatalf("expected error for status %d", tc.status)
			}
			var httpErr *HTTPError
			if !errors.As(err, &httpErr) || httpErr.StatusCode != tc.status {
				t.Fatalf("expected HTTPError with status %d, got %v", tc.status, err)
			}
			got := atomic.LoadInt32(&failed) == 1
			if got != tc.wantFailed {
				t.Fatalf("auth failure hook fired=%v, want %v", got, tc.wantFailed)
			}
		})
	}
}

func TestClientUnauthenticatedCallNeverRoutesAuthFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Errorf("login must not carry an Authorization header")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"Invalid credentials"}`))
	}))
	defer server.Close()

	var failed int32
	client := NewClient(server.URL, &staticTokens{}, ClientOptions{
		HTTPClient:    server.Client(),
		OnAuthFailure: func(status int, message string) { atomic.AddInt32(&failed, 1) },
	})
	if _, err := client.Login(context.Background(), "a@b.c", "nope"); err == nil {
		t.Fatalf("expected login rejection")
	}
	if atomic.LoadInt32(&failed) != 0 {
		t.Fatalf("a failed login must not end the session")
	}
}

func TestClientReadsTokenPerRequest(t *testing.T) {
	var lastAuth atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastAuth.Store(r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":1,"title":"t","owner_id":1,"updated_at":"now","content":null}`))
	}))
	defer server.Close()

	tokens := &staticTokens{token: "first"}
	client := NewClient(server.URL, tokens, ClientOptions{HTTPClient: server.Client()})
	if _, err := client.GetDocument(context.Background(), 1); err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if lastAuth.Load() != "Bearer first" {
		t.Fatalf("expected first token, got %v", lastAuth.Load())
	}
	tokens.token = "rotated"
	if _, err := client.GetDocument(context.Background(), 1); err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if lastAuth.Load() != "Bearer rotated" {
		t.Fatalf("expected rotated token to be picked up, got %v", lastAuth.Load())
	}
}

func TestSummarizeAbortIsBenign(t *testing.T) {
	started := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		time.Sleep(2 * time.Second)
	}))
	defer server.Close()

	client := NewClient(server.URL, &staticTokens{token: "tok"}, ClientOptions{HTTPClient: server.Client()})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	_, err := client.Summarize(ctx, 9)
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted for user cancellation, got %v", err)
	}
}

func TestRefreshUsesRefreshTokenAsBearer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer refresh-tok" {
			t.Errorf("expected refresh token bearer, got %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"fresh"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, &staticTokens{token: "acc"}, ClientOptions{HTTPClient: server.Client()})
	access, err := client.Refresh(context.Background(), "refresh-tok")
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if access != "fresh" {
		t.Fatalf("expected fresh access token, got %q", access)
	}
}

func TestDecodeErrorMessagePrefersStructuredField(t *testing.T) {
	if got := decodeErrorMessage([]byte(`{"message":"Access denied"}`)); got != "Access denied" {
		t.Fatalf("expected structured message, got %q", got)
	}
	if got := decodeErrorMessage([]byte(`{"msg":"logged out current token"}`)); got != "logged out current token" {
		t.Fatalf("expected msg fallback, got %q", got)
	}
	if got := decodeErrorMessage([]byte(`{"detail":"Not enough segments"}`)); got != "Not enough segments" {
		t.Fatalf("expected detail fallback, got %q", got)
	}
	if got := decodeErrorMessage([]byte(`not json`)); got != "" {
		t.Fatalf("expected empty message for junk body, got %q", got)
	}
}
