package orchestrate

import (
	"context"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quorumhq/quorum/config"
	"github.com/quorumhq/quorum/internal/adapter"
	"github.com/quorumhq/quorum/internal/rubric"
	"github.com/quorumhq/quorum/internal/session"
	"github.com/quorumhq/quorum/internal/telemetry"
)

// fakeResult scripts one attempt's outcome for a fake adapter.
type fakeResult struct {
	text  string
	err   error
	delay time.Duration
}

type fakeAdapter struct {
	id      string
	openErr error
	authed  bool

	mu       sync.Mutex
	results  []fakeResult
	prompts  []string
	inFlight int
	maxSeen  int
}

type fakeHandle struct{ id string }

func (h fakeHandle) ServiceID() string { return h.id }
func (h fakeHandle) Close() error      { return nil }

type fakeAttempt struct{ n int }

func (a fakeAttempt) ID() string { return "fake" }

func (f *fakeAdapter) ServiceID() string { return f.id }

func (f *fakeAdapter) Open(ctx context.Context) (adapter.OpenHandle, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	return fakeHandle{id: f.id}, nil
}

func (f *fakeAdapter) IsAuthenticated(ctx context.Context, h adapter.OpenHandle) (bool, error) {
	return f.authed, nil
}

func (f *fakeAdapter) SubmitQuery(ctx context.Context, h adapter.OpenHandle, text string) (adapter.AttemptHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
	f.prompts = append(f.prompts, text)
	return fakeAttempt{n: len(f.prompts) - 1}, nil
}

func (f *fakeAdapter) AwaitResponse(ctx context.Context, a adapter.AttemptHandle, timeout time.Duration) (adapter.RawResponse, error) {
	n := a.(fakeAttempt).n
	f.mu.Lock()
	var res fakeResult
	if n < len(f.results) {
		res = f.results[n]
	} else if len(f.results) > 0 {
		res = f.results[len(f.results)-1]
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if res.delay > 0 {
		select {
		case <-time.After(res.delay):
		case <-ctx.Done():
			return adapter.RawResponse{}, ctx.Err()
		}
	}
	if res.err != nil {
		return adapter.RawResponse{}, res.err
	}
	return adapter.RawResponse{Text: res.text, CompletedAt: time.Now()}, nil
}

func (f *fakeAdapter) ExtractCitations(r adapter.RawResponse) []adapter.Citation {
	return adapter.CitationsFromText(r.Text)
}

func (f *fakeAdapter) submittedPrompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

func testOrchestrator(t *testing.T, adapters map[string]adapter.ServiceAdapter) (*Orchestrator, *session.FileStore) {
	t.Helper()
	store, err := session.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	cfg := config.OrchestratorConfig{
		MaxConcurrentServices: 4,
		AttemptTimeout:        time.Second,
		MaxRetriesPerService:  3,
		Backoff: config.BackoffConfig{
			Strategy:       "fixed",
			InitialDelay:   time.Millisecond,
			RateLimitDelay: 2 * time.Millisecond,
		},
	}
	tele := telemetry.NewWithRegistry(config.TelemetryConfig{Enabled: true}, prometheus.NewRegistry())
	logger := log.New(log.Writer(), "[ORCH-TEST] ", log.LstdFlags)
	return New(cfg, logger, tele, adapters, store, session.NewLockRegistry()), store
}

func collect(t *testing.T, updates <-chan AttemptUpdate) []AttemptUpdate {
	t.Helper()
	var out []AttemptUpdate
	deadline := time.After(10 * time.Second)
	for {
		select {
		case u, ok := <-updates:
			if !ok {
				return out
			}
			out = append(out, u)
		case <-deadline:
			t.Fatalf("update stream never closed; got %d updates", len(out))
		}
	}
}

func finalsByService(updates []AttemptUpdate) map[string]ServiceAttempt {
	out := make(map[string]ServiceAttempt)
	for _, u := range updates {
		if u.Final {
			out[u.Attempt.ServiceID] = u.Attempt
		}
	}
	return out
}

func TestDispatchRejectsBadRequests(t *testing.T) {
	o, _ := testOrchestrator(t, map[string]adapter.ServiceAdapter{})

	req := NewQueryRequest("", []string{"svc"}, rubric.Rubric{}, 0)
	if _, err := o.Dispatch(context.Background(), req); err == nil {
		t.Fatalf("empty prompt should be rejected")
	}

	req = NewQueryRequest("hi", nil, rubric.Rubric{}, 0)
	if _, err := o.Dispatch(context.Background(), req); err == nil {
		t.Fatalf("empty service list should be rejected")
	}

	req = NewQueryRequest("hi", []string{"svc"}, rubric.Rubric{}, 0)
	req.ID = ""
	if _, err := o.Dispatch(context.Background(), req); err == nil {
		t.Fatalf("missing ID should be rejected")
	}
}

func TestDispatchValidationRetryWithClarification(t *testing.T) {
	fake := &fakeAdapter{id: "claude", authed: true, results: []fakeResult{
		{text: "Go is a compiled language."},
		{text: "Go is a compiled language. For example, building a CLI takes one command."},
	}}
	o, _ := testOrchestrator(t, map[string]adapter.ServiceAdapter{"claude": fake})

	r := rubric.Rubric{RequiredPatterns: []rubric.Pattern{{Name: "example", Match: "for example"}}}
	req := NewQueryRequest("explain go", []string{"claude"}, r, 3)

	updates, err := o.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	all := collect(t, updates)

	finals := finalsByService(all)
	final, ok := finals["claude"]
	if !ok {
		t.Fatalf("no final update for claude")
	}
	if final.Status != StatusSucceeded {
		t.Fatalf("status = %s, detail %s", final.Status, final.Detail)
	}
	if final.AttemptNumber != 2 {
		t.Fatalf("attempt number = %d, want 2", final.AttemptNumber)
	}

	prompts := fake.submittedPrompts()
	if len(prompts) != 2 {
		t.Fatalf("submissions = %d, want 2", len(prompts))
	}
	if !strings.Contains(prompts[1], "Add a worked example.") {
		t.Fatalf("second prompt missing clarification: %q", prompts[1])
	}
	if !strings.HasPrefix(prompts[1], "explain go") {
		t.Fatalf("clarified prompt should extend the original: %q", prompts[1])
	}

	// Stream order for the pair: dispatched, failed_retryable, dispatched, succeeded.
	var statuses []AttemptStatus
	for _, u := range all {
		statuses = append(statuses, u.Attempt.Status)
	}
	want := []AttemptStatus{StatusDispatched, StatusFailedRetryable, StatusDispatched, StatusSucceeded}
	if len(statuses) != len(want) {
		t.Fatalf("statuses = %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("statuses = %v, want %v", statuses, want)
		}
	}
}

func TestDispatchRetryBudgetExhausted(t *testing.T) {
	fake := &fakeAdapter{id: "svc", authed: true, results: []fakeResult{
		{text: "never enough"},
	}}
	o, _ := testOrchestrator(t, map[string]adapter.ServiceAdapter{"svc": fake})

	r := rubric.Rubric{MinCitations: 1}
	req := NewQueryRequest("question", []string{"svc"}, r, 2)

	updates, _ := o.Dispatch(context.Background(), req)
	all := collect(t, updates)

	final := finalsByService(all)["svc"]
	if final.Status != StatusFailedTerminal {
		t.Fatalf("status = %s", final.Status)
	}
	if final.FailureReason != ReasonValidationFailed {
		t.Fatalf("reason = %s", final.FailureReason)
	}
	if !strings.Contains(final.Detail, "citations") {
		t.Fatalf("detail should name the missing element: %q", final.Detail)
	}
	if len(fake.submittedPrompts()) != 2 {
		t.Fatalf("submissions = %d, want exactly the budget of 2", len(fake.submittedPrompts()))
	}
	if fake.maxSeen != 1 {
		t.Fatalf("attempts overlapped: max in flight = %d", fake.maxSeen)
	}
}

func TestDispatchPartialFailure(t *testing.T) {
	good := &fakeAdapter{id: "good", authed: true, results: []fakeResult{{text: "fine answer"}}}
	bad := &fakeAdapter{id: "bad", authed: true, results: []fakeResult{{err: adapter.ErrTimeout}}}
	o, _ := testOrchestrator(t, map[string]adapter.ServiceAdapter{"good": good, "bad": bad})

	req := NewQueryRequest("question", []string{"good", "bad"}, rubric.Rubric{}, 2)
	updates, _ := o.Dispatch(context.Background(), req)
	finals := finalsByService(collect(t, updates))

	if len(finals) != 2 {
		t.Fatalf("finals = %d, want one per service", len(finals))
	}
	if finals["good"].Status != StatusSucceeded {
		t.Fatalf("good status = %s", finals["good"].Status)
	}
	if finals["bad"].Status != StatusFailedTerminal || finals["bad"].FailureReason != ReasonTimeout {
		t.Fatalf("bad final = %+v", finals["bad"])
	}
	if len(bad.submittedPrompts()) != 2 {
		t.Fatalf("bad submissions = %d, want 2 (budget)", len(bad.submittedPrompts()))
	}
}

func TestDispatchRateLimitedRetries(t *testing.T) {
	fake := &fakeAdapter{id: "svc", authed: true, results: []fakeResult{
		{err: adapter.ErrRateLimited},
		{text: "answer after backoff"},
	}}
	o, _ := testOrchestrator(t, map[string]adapter.ServiceAdapter{"svc": fake})

	req := NewQueryRequest("question", []string{"svc"}, rubric.Rubric{}, 3)
	updates, _ := o.Dispatch(context.Background(), req)
	all := collect(t, updates)

	final := finalsByService(all)["svc"]
	if final.Status != StatusSucceeded || final.AttemptNumber != 2 {
		t.Fatalf("final = %+v", final)
	}
	foundRetryable := false
	for _, u := range all {
		if u.Attempt.Status == StatusFailedRetryable && u.Attempt.FailureReason == ReasonRateLimited {
			foundRetryable = true
		}
	}
	if !foundRetryable {
		t.Fatalf("rate-limited retryable update not observed")
	}
}

func TestDispatchAuthExpiredFlagsSession(t *testing.T) {
	fake := &fakeAdapter{id: "svc", authed: false}
	o, store := testOrchestrator(t, map[string]adapter.ServiceAdapter{"svc": fake})

	ctx := context.Background()
	if err := store.Save(ctx, "svc", []byte(`{"cookie":"stale"}`)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	req := NewQueryRequest("question", []string{"svc"}, rubric.Rubric{}, 3)
	updates, _ := o.Dispatch(ctx, req)
	final := finalsByService(collect(t, updates))["svc"]

	if final.Status != StatusFailedTerminal || final.FailureReason != ReasonAuthExpired {
		t.Fatalf("final = %+v", final)
	}
	if len(fake.submittedPrompts()) != 0 {
		t.Fatalf("no query should be submitted without a valid session")
	}
	prof, err := store.Load(ctx, "svc")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if prof.AuthStatus != session.AuthExpired {
		t.Fatalf("profile status = %s, want expired", prof.AuthStatus)
	}
}

func TestDispatchMissingSessionIsTerminalNotFatal(t *testing.T) {
	// No stored profile and the service reports unauthenticated: the service
	// fails terminally but the query itself still completes.
	noSession := &fakeAdapter{id: "fresh", authed: false}
	good := &fakeAdapter{id: "good", authed: true, results: []fakeResult{{text: "ok"}}}
	o, _ := testOrchestrator(t, map[string]adapter.ServiceAdapter{"fresh": noSession, "good": good})

	req := NewQueryRequest("question", []string{"fresh", "good"}, rubric.Rubric{}, 1)
	updates, _ := o.Dispatch(context.Background(), req)
	finals := finalsByService(collect(t, updates))

	if finals["fresh"].FailureReason != ReasonAuthExpired {
		t.Fatalf("fresh final = %+v", finals["fresh"])
	}
	if finals["good"].Status != StatusSucceeded {
		t.Fatalf("good final = %+v", finals["good"])
	}
}

func TestDispatchUnknownService(t *testing.T) {
	o, _ := testOrchestrator(t, map[string]adapter.ServiceAdapter{})

	req := NewQueryRequest("question", []string{"ghost"}, rubric.Rubric{}, 1)
	updates, _ := o.Dispatch(context.Background(), req)
	final := finalsByService(collect(t, updates))["ghost"]

	if final.Status != StatusFailedTerminal || final.FailureReason != ReasonUnknownService {
		t.Fatalf("final = %+v", final)
	}
}

func TestDispatchCancellation(t *testing.T) {
	fast := &fakeAdapter{id: "fast", authed: true, results: []fakeResult{{text: "quick answer"}}}
	slow := &fakeAdapter{id: "slow", authed: true, results: []fakeResult{{text: "late", delay: 10 * time.Second}}}
	o, _ := testOrchestrator(t, map[string]adapter.ServiceAdapter{"fast": fast, "slow": slow})

	ctx, cancel := context.WithCancel(context.Background())
	req := NewQueryRequest("question", []string{"fast", "slow"}, rubric.Rubric{}, 1)
	updates, err := o.Dispatch(ctx, req)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	var all []AttemptUpdate
	cancelled := false
	deadline := time.After(10 * time.Second)
	for {
		var u AttemptUpdate
		var ok bool
		select {
		case u, ok = <-updates:
		case <-deadline:
			t.Fatalf("stream never closed after cancel")
		}
		if !ok {
			break
		}
		all = append(all, u)
		if u.Final && u.Attempt.ServiceID == "fast" && !cancelled {
			cancelled = true
			cancel()
		}
	}
	cancel()

	finals := finalsByService(all)
	if finals["fast"].Status != StatusSucceeded {
		t.Fatalf("fast final = %+v", finals["fast"])
	}
	slowFinal, ok := finals["slow"]
	if !ok {
		t.Fatalf("slow service has no final update")
	}
	if slowFinal.FailureReason != ReasonCancelled {
		t.Fatalf("slow reason = %s, want cancelled", slowFinal.FailureReason)
	}
}

func TestDispatchSessionUnavailable(t *testing.T) {
	fake := &fakeAdapter{id: "down", authed: true, openErr: adapter.ErrSessionUnavailable}
	o, _ := testOrchestrator(t, map[string]adapter.ServiceAdapter{"down": fake})

	req := NewQueryRequest("question", []string{"down"}, rubric.Rubric{}, 3)
	updates, _ := o.Dispatch(context.Background(), req)
	final := finalsByService(collect(t, updates))["down"]

	if final.FailureReason != ReasonSessionUnavailable {
		t.Fatalf("final = %+v", final)
	}
	if len(fake.submittedPrompts()) != 0 {
		t.Fatalf("unreachable surface must not receive submissions")
	}
}
