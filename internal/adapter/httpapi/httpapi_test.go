package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/quorumhq/quorum/config"
	"github.com/quorumhq/quorum/internal/adapter"
	"github.com/quorumhq/quorum/internal/session"
)

func testAdapter(t *testing.T, srv *httptest.Server, apiKey string) *Adapter {
	t.Helper()
	store, err := session.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	cfg := config.ServiceConfig{
		Type:    "httpapi",
		BaseURL: srv.URL,
		Model:   "test-model",
		APIKey:  apiKey,
	}
	return New("api-svc", cfg, store)
}

func completionServer(t *testing.T, wantToken string, reply string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/models", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" && r.Header.Get("Authorization") != "Bearer "+wantToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+wantToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
			t.Errorf("unexpected request payload: %+v", req)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"model": req.Model,
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": reply}},
			},
		})
	})
	return httptest.NewServer(mux)
}

func TestSubmitAndAwait(t *testing.T) {
	srv := completionServer(t, "secret", "the answer is 42")
	defer srv.Close()

	a := testAdapter(t, srv, "secret")
	ctx := context.Background()

	h, err := a.Open(ctx)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	authed, err := a.IsAuthenticated(ctx, h)
	if err != nil || !authed {
		t.Fatalf("IsAuthenticated = %v, %v", authed, err)
	}

	att, err := a.SubmitQuery(ctx, h, "what is the answer?")
	if err != nil {
		t.Fatalf("SubmitQuery: %v", err)
	}
	resp, err := a.AwaitResponse(ctx, att, 5*time.Second)
	if err != nil {
		t.Fatalf("AwaitResponse: %v", err)
	}
	if resp.Text != "the answer is 42" {
		t.Fatalf("text = %q", resp.Text)
	}
	if resp.Model != "test-model" {
		t.Fatalf("model = %q", resp.Model)
	}
}

func TestTokenFromProfile(t *testing.T) {
	srv := completionServer(t, "from-profile", "ok")
	defer srv.Close()

	store, err := session.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()
	if err := store.Save(ctx, "api-svc", []byte(`{"api_key":"from-profile"}`)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	cfg := config.ServiceConfig{BaseURL: srv.URL, Model: "m"}
	a := New("api-svc", cfg, store)

	h, err := a.Open(ctx)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()
	authed, err := a.IsAuthenticated(ctx, h)
	if err != nil || !authed {
		t.Fatalf("IsAuthenticated = %v, %v", authed, err)
	}
}

func TestExpiredTokenClassified(t *testing.T) {
	srv := completionServer(t, "valid", "ok")
	defer srv.Close()

	a := testAdapter(t, srv, "stale")
	ctx := context.Background()

	h, err := a.Open(ctx)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	authed, err := a.IsAuthenticated(ctx, h)
	if err != nil {
		t.Fatalf("IsAuthenticated: %v", err)
	}
	if authed {
		t.Fatalf("stale token reported authenticated")
	}

	att, err := a.SubmitQuery(ctx, h, "question")
	if err != nil {
		t.Fatalf("SubmitQuery: %v", err)
	}
	_, err = a.AwaitResponse(ctx, att, 5*time.Second)
	if !errors.Is(err, adapter.ErrAuthenticationExpired) {
		t.Fatalf("err = %v, want ErrAuthenticationExpired", err)
	}
}

func TestRateLimitClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/models" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	a := testAdapter(t, srv, "key")
	ctx := context.Background()
	h, _ := a.Open(ctx)
	defer h.Close()

	att, err := a.SubmitQuery(ctx, h, "question")
	if err != nil {
		t.Fatalf("SubmitQuery: %v", err)
	}
	_, err = a.AwaitResponse(ctx, att, 5*time.Second)
	if !errors.Is(err, adapter.ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestUnreachableSurface(t *testing.T) {
	store, err := session.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	cfg := config.ServiceConfig{BaseURL: "http://127.0.0.1:1", APIKey: "k"}
	a := New("api-svc", cfg, store)

	_, err = a.Open(context.Background())
	if !errors.Is(err, adapter.ErrSessionUnavailable) {
		t.Fatalf("err = %v, want ErrSessionUnavailable", err)
	}
}

func TestAwaitTimeout(t *testing.T) {
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/models" {
			w.WriteHeader(http.StatusOK)
			return
		}
		<-blocked
	}))
	defer srv.Close()
	defer close(blocked)

	a := testAdapter(t, srv, "key")
	ctx := context.Background()
	h, _ := a.Open(ctx)
	defer h.Close()

	att, err := a.SubmitQuery(ctx, h, "question")
	if err != nil {
		t.Fatalf("SubmitQuery: %v", err)
	}
	_, err = a.AwaitResponse(ctx, att, 30*time.Millisecond)
	if !errors.Is(err, adapter.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestSubmitEmptyPrompt(t *testing.T) {
	srv := completionServer(t, "k", "ok")
	defer srv.Close()

	a := testAdapter(t, srv, "k")
	h, _ := a.Open(context.Background())
	defer h.Close()

	_, err := a.SubmitQuery(context.Background(), h, "   ")
	if !errors.Is(err, adapter.ErrInputUnavailable) {
		t.Fatalf("err = %v, want ErrInputUnavailable", err)
	}
}
