// Package httpapi implements ServiceAdapter for services that expose a
// native chat-completions style HTTP API. Submission runs asynchronously so
// AwaitResponse can be joined under the orchestrator's per-attempt timeout.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quorumhq/quorum/config"
	"github.com/quorumhq/quorum/internal/adapter"
	"github.com/quorumhq/quorum/internal/session"
)

// Adapter talks to one bearer-token HTTP API service.
type Adapter struct {
	serviceID  string
	cfg        config.ServiceConfig
	store      session.Store
	httpClient *http.Client
	logger     *log.Logger
}

// New builds an HTTP API adapter. The bearer token comes from the service
// config or, failing that, from the persisted session profile.
func New(serviceID string, cfg config.ServiceConfig, store session.Store) *Adapter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Adapter{
		serviceID:  serviceID,
		cfg:        cfg,
		store:      store,
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.New(log.Writer(), fmt.Sprintf("[HTTPAPI %s] ", serviceID), log.LstdFlags),
	}
}

func (a *Adapter) ServiceID() string { return a.serviceID }

type handle struct {
	serviceID string
	token     string
}

func (h *handle) ServiceID() string { return h.serviceID }
func (h *handle) Close() error      { return nil }

type attempt struct {
	id   string
	done chan struct{}
	resp adapter.RawResponse
	err  error
}

func (t *attempt) ID() string { return t.id }

// message mirrors the chat API wire format.
type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// storedAuth is the shape of the opaque auth blob this adapter persists.
type storedAuth struct {
	APIKey string `json:"api_key"`
}

// Open resolves the bearer token and confirms the API surface is reachable.
func (a *Adapter) Open(ctx context.Context) (adapter.OpenHandle, error) {
	token := a.cfg.APIKey
	if token == "" {
		prof, err := a.store.Load(ctx, a.serviceID)
		if err == nil {
			var auth storedAuth
			if json.Unmarshal(prof.AuthState, &auth) == nil {
				token = auth.APIKey
			}
		} else if !errors.Is(err, session.ErrNotFound) {
			return nil, fmt.Errorf("loading profile: %w", err)
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, a.modelsURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", adapter.ErrSessionUnavailable, err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", adapter.ErrSessionUnavailable, err)
	}
	resp.Body.Close()

	return &handle{serviceID: a.serviceID, token: token}, nil
}

// IsAuthenticated checks the token against the models endpoint.
func (a *Adapter) IsAuthenticated(ctx context.Context, oh adapter.OpenHandle) (bool, error) {
	h, ok := oh.(*handle)
	if !ok {
		return false, fmt.Errorf("httpapi: foreign handle type %T", oh)
	}
	if h.token == "" {
		return false, nil
	}
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, a.modelsURL(), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+h.token)
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return false, nil
	}
	return resp.StatusCode < 300, nil
}

// SubmitQuery fires the chat request in the background and returns at once.
func (a *Adapter) SubmitQuery(ctx context.Context, oh adapter.OpenHandle, text string) (adapter.AttemptHandle, error) {
	h, ok := oh.(*handle)
	if !ok {
		return nil, fmt.Errorf("httpapi: foreign handle type %T", oh)
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty prompt", adapter.ErrInputUnavailable)
	}

	t := &attempt{id: uuid.NewString(), done: make(chan struct{})}
	go func() {
		defer close(t.done)
		t.resp, t.err = a.complete(ctx, h, text)
	}()
	return t, nil
}

// AwaitResponse joins the in-flight request under the attempt timeout.
func (a *Adapter) AwaitResponse(ctx context.Context, ah adapter.AttemptHandle, timeout time.Duration) (adapter.RawResponse, error) {
	t, ok := ah.(*attempt)
	if !ok {
		return adapter.RawResponse{}, fmt.Errorf("httpapi: foreign attempt type %T", ah)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.done:
		return t.resp, t.err
	case <-timer.C:
		return adapter.RawResponse{}, adapter.ErrTimeout
	case <-ctx.Done():
		return adapter.RawResponse{}, ctx.Err()
	}
}

// ExtractCitations finds bare URLs in the completion text.
func (a *Adapter) ExtractCitations(r adapter.RawResponse) []adapter.Citation {
	return adapter.CitationsFromText(r.Text)
}

// Probe satisfies session.Prober for background revalidation.
func (a *Adapter) Probe(ctx context.Context, serviceID string) (bool, error) {
	oh, err := a.Open(ctx)
	if err != nil {
		return false, err
	}
	defer oh.Close()
	return a.IsAuthenticated(ctx, oh)
}

func (a *Adapter) complete(ctx context.Context, h *handle, text string) (adapter.RawResponse, error) {
	body := chatRequest{
		Model:    a.cfg.Model,
		Messages: []message{{Role: "user", Content: text}},
	}
	jsonData, err := json.Marshal(body)
	if err != nil {
		return adapter.RawResponse{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.completionsURL(), bytes.NewBuffer(jsonData))
	if err != nil {
		return adapter.RawResponse{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.token)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return adapter.RawResponse{}, fmt.Errorf("%w: %v", adapter.ErrSessionUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return adapter.RawResponse{}, adapter.ErrAuthenticationExpired
	case http.StatusTooManyRequests:
		return adapter.RawResponse{}, adapter.ErrRateLimited
	}
	if resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return adapter.RawResponse{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return adapter.RawResponse{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return adapter.RawResponse{}, fmt.Errorf("empty completion")
	}

	return adapter.RawResponse{
		Text:        strings.TrimSpace(parsed.Choices[0].Message.Content),
		Model:       parsed.Model,
		CompletedAt: time.Now().UTC(),
	}, nil
}

func (a *Adapter) modelsURL() string {
	return strings.TrimRight(a.cfg.BaseURL, "/") + "/models"
}

func (a *Adapter) completionsURL() string {
	return strings.TrimRight(a.cfg.BaseURL, "/") + "/chat/completions"
}
