// Package orchestrate fans one query out to every target service, runs the
// validate/retry loop per service, and streams attempt updates as they
// happen. Partial-failure semantics hold throughout: one service's failure is
// reported alongside, never instead of, the others' results.
package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/quorumhq/quorum/config"
	"github.com/quorumhq/quorum/internal/adapter"
	"github.com/quorumhq/quorum/internal/retry"
	"github.com/quorumhq/quorum/internal/rubric"
	"github.com/quorumhq/quorum/internal/session"
	"github.com/quorumhq/quorum/internal/telemetry"
)

var tracer trace.Tracer = otel.Tracer("quorum/internal/orchestrate")

// Orchestrator coordinates one concurrent task per target service. Services
// share no mutable state except through the session store and per-service
// locks.
type Orchestrator struct {
	cfg       config.OrchestratorConfig
	logger    *log.Logger
	telemetry *telemetry.Telemetry

	adapters  map[string]adapter.ServiceAdapter
	sessions  session.Store
	locks     *session.LockRegistry
	validator *rubric.Validator

	// Concurrency control across services.
	semaphore chan struct{}
}

// New creates an orchestrator over the given adapters.
func New(cfg config.OrchestratorConfig, logger *log.Logger, tele *telemetry.Telemetry, adapters map[string]adapter.ServiceAdapter, sessions session.Store, locks *session.LockRegistry) *Orchestrator {
	if logger == nil {
		logger = log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	}
	maxConcurrent := cfg.MaxConcurrentServices
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Orchestrator{
		cfg:       cfg,
		logger:    logger,
		telemetry: tele,
		adapters:  adapters,
		sessions:  sessions,
		locks:     locks,
		validator: rubric.NewValidator(),
		semaphore: make(chan struct{}, maxConcurrent),
	}
}

// Dispatch fans the request out and returns a stream of attempt updates.
// The channel closes once every target service has reached a terminal state
// (or the context was cancelled). Slow services never delay updates from
// faster ones.
func (o *Orchestrator) Dispatch(ctx context.Context, req QueryRequest) (<-chan AttemptUpdate, error) {
	if strings.TrimSpace(req.Prompt()) == "" {
		return nil, fmt.Errorf("dispatch: empty prompt")
	}
	if len(req.TargetServices) == 0 {
		return nil, fmt.Errorf("dispatch: no target services")
	}
	if req.ID == "" {
		return nil, fmt.Errorf("dispatch: request has no ID")
	}

	if o.telemetry != nil {
		o.telemetry.RecordQuery()
	}
	o.logger.Printf("dispatching query %s to %d services", req.ID, len(req.TargetServices))

	updates := make(chan AttemptUpdate, len(req.TargetServices)*2)
	var wg sync.WaitGroup
	for _, serviceID := range req.TargetServices {
		wg.Add(1)
		go func(serviceID string) {
			defer wg.Done()
			o.runService(ctx, req, serviceID, updates)
		}(serviceID)
	}
	go func() {
		wg.Wait()
		close(updates)
		if ctx.Err() != nil && o.telemetry != nil {
			o.telemetry.RecordCancellation()
		}
	}()
	return updates, nil
}

// runService owns the strictly sequential attempt loop for one (query,
// service) pair. At most one attempt is ever in StatusDispatched here, which
// is what makes the pair-level invariant hold.
func (o *Orchestrator) runService(ctx context.Context, req QueryRequest, serviceID string, updates chan<- AttemptUpdate) {
	ctx, span := tracer.Start(ctx, "orchestrate.service",
		trace.WithAttributes(
			attribute.String("query.id", req.ID),
			attribute.String("service.id", serviceID),
		))
	defer span.End()

	ad, ok := o.adapters[serviceID]
	if !ok {
		o.emitTerminal(updates, o.failedAttempt(req, serviceID, 0, ReasonUnknownService, fmt.Sprintf("no adapter registered for %q", serviceID)), span)
		return
	}

	// Concurrency cap, then the exclusive per-service session lock. A second
	// query against the same service queues here instead of opening a second
	// session on one persisted profile.
	select {
	case o.semaphore <- struct{}{}:
		defer func() { <-o.semaphore }()
	case <-ctx.Done():
		o.emitTerminal(updates, o.cancelledAttempt(req, serviceID, 0), span)
		return
	}
	release, err := o.locks.Acquire(ctx, serviceID)
	if err != nil {
		o.emitTerminal(updates, o.cancelledAttempt(req, serviceID, 0), span)
		return
	}
	defer release()

	handle, err := ad.Open(ctx)
	if err != nil {
		if ctx.Err() != nil {
			o.emitTerminal(updates, o.cancelledAttempt(req, serviceID, 0), span)
			return
		}
		o.emitTerminal(updates, o.failedAttempt(req, serviceID, 0, ReasonSessionUnavailable, err.Error()), span)
		return
	}
	defer handle.Close()

	authed, err := ad.IsAuthenticated(ctx, handle)
	if err != nil || !authed {
		detail := "no valid session; interactive login required"
		if err != nil {
			detail = err.Error()
		}
		o.flagExpired(ctx, serviceID)
		o.emitTerminal(updates, o.failedAttempt(req, serviceID, 0, ReasonAuthExpired, detail), span)
		return
	}
	o.recordValidSession(ctx, serviceID)

	o.attemptLoop(ctx, req, serviceID, ad, handle, updates, span)
}

// attemptLoop runs submit/await/validate with the retry budget.
func (o *Orchestrator) attemptLoop(ctx context.Context, req QueryRequest, serviceID string, ad adapter.ServiceAdapter, handle adapter.OpenHandle, updates chan<- AttemptUpdate, span trace.Span) {
	ctrl := o.controllerFor(req)
	clarify := retry.NewTemplateClarifier(req.Rubric)
	timeout := o.cfg.AttemptTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	prompt := req.Prompt()
	for attemptNo := 1; ; attemptNo++ {
		att := ServiceAttempt{
			QueryID:       req.ID,
			ServiceID:     serviceID,
			AttemptNumber: attemptNo,
			Status:        StatusDispatched,
			StartedAt:     time.Now().UTC(),
		}
		updates <- AttemptUpdate{Attempt: att}

		resp, citations, err := o.execute(ctx, ad, handle, prompt, timeout)
		att.EndedAt = time.Now().UTC()

		if ctx.Err() != nil {
			att.Status = StatusFailedTerminal
			att.FailureReason = ReasonCancelled
			att.Detail = "query cancelled"
			o.emitTerminal(updates, att, span)
			return
		}

		if err != nil {
			reason, detail := classify(err)
			att.FailureReason = reason
			att.Detail = detail
			if reason == ReasonAuthExpired {
				o.flagExpired(ctx, serviceID)
				att.Status = StatusFailedTerminal
				o.emitTerminal(updates, att, span)
				return
			}
			if reason == ReasonSessionUnavailable {
				att.Status = StatusFailedTerminal
				o.emitTerminal(updates, att, span)
				return
			}
			decision := ctrl.Decide(attemptNo, retryReason(reason), nil, nil)
			if !decision.Retry {
				att.Status = StatusFailedTerminal
				o.emitTerminal(updates, att, span)
				return
			}
			att.Status = StatusFailedRetryable
			o.emit(updates, att)
			if o.telemetry != nil {
				o.telemetry.RecordRetry(serviceID, string(decision.Reason))
			}
			if err := retry.Sleep(ctx, decision.Delay); err != nil {
				o.emitTerminal(updates, o.cancelledAttempt(req, serviceID, attemptNo), span)
				return
			}
			continue
		}

		att.Response = resp
		att.Citations = citations
		vr := o.validator.Validate(resp.Text, len(citations), req.Rubric)
		att.Validation = &vr
		if o.telemetry != nil {
			o.telemetry.RecordValidation(serviceID, vr.Passed)
		}

		if vr.Passed {
			att.Status = StatusSucceeded
			o.emitTerminal(updates, att, span)
			return
		}

		att.FailureReason = ReasonValidationFailed
		att.Detail = "missing: " + strings.Join(vr.MissingElements, ", ")
		decision := ctrl.Decide(attemptNo, retry.ReasonValidation, vr.MissingElements, clarify)
		if !decision.Retry {
			// Budget exhausted; the last validation's missing elements stay
			// on the attempt for audit.
			att.Status = StatusFailedTerminal
			o.emitTerminal(updates, att, span)
			return
		}
		att.Status = StatusFailedRetryable
		o.emit(updates, att)
		if o.telemetry != nil {
			o.telemetry.RecordRetry(serviceID, string(retry.ReasonValidation))
		}
		if err := retry.Sleep(ctx, decision.Delay); err != nil {
			o.emitTerminal(updates, o.cancelledAttempt(req, serviceID, attemptNo), span)
			return
		}
		prompt = req.Prompt() + "\n\n" + decision.Clarification
	}
}

// execute submits the prompt and awaits the response on one attempt.
func (o *Orchestrator) execute(ctx context.Context, ad adapter.ServiceAdapter, handle adapter.OpenHandle, prompt string, timeout time.Duration) (adapter.RawResponse, []adapter.Citation, error) {
	attempt, err := ad.SubmitQuery(ctx, handle, prompt)
	if err != nil {
		return adapter.RawResponse{}, nil, err
	}
	resp, err := ad.AwaitResponse(ctx, attempt, timeout)
	if err != nil {
		return adapter.RawResponse{}, nil, err
	}
	return resp, ad.ExtractCitations(resp), nil
}

func (o *Orchestrator) controllerFor(req QueryRequest) *retry.Controller {
	cfg := o.cfg
	if req.MaxRetriesPerService > 0 {
		cfg.MaxRetriesPerService = req.MaxRetriesPerService
	}
	return retry.NewController(cfg)
}

func (o *Orchestrator) emit(updates chan<- AttemptUpdate, att ServiceAttempt) {
	updates <- AttemptUpdate{Attempt: att}
}

func (o *Orchestrator) emitTerminal(updates chan<- AttemptUpdate, att ServiceAttempt, span trace.Span) {
	updates <- AttemptUpdate{Attempt: att, Final: true}
	duration := att.EndedAt.Sub(att.StartedAt)
	if att.EndedAt.IsZero() {
		duration = 0
	}
	if o.telemetry != nil {
		o.telemetry.RecordAttempt(att.ServiceID, string(att.Status), duration, att.Status == StatusSucceeded)
	}
	switch att.Status {
	case StatusSucceeded:
		span.SetStatus(codes.Ok, "completed")
		o.logger.Printf("query %s service %s succeeded on attempt %d", att.QueryID, att.ServiceID, att.AttemptNumber)
	default:
		span.SetStatus(codes.Error, string(att.FailureReason))
		o.logger.Printf("query %s service %s terminal failure: %s (%s)", att.QueryID, att.ServiceID, att.FailureReason, att.Detail)
	}
}

func (o *Orchestrator) failedAttempt(req QueryRequest, serviceID string, attemptNo int, reason FailureReason, detail string) ServiceAttempt {
	now := time.Now().UTC()
	return ServiceAttempt{
		QueryID:       req.ID,
		ServiceID:     serviceID,
		AttemptNumber: attemptNo,
		Status:        StatusFailedTerminal,
		FailureReason: reason,
		Detail:        detail,
		StartedAt:     now,
		EndedAt:       now,
	}
}

func (o *Orchestrator) cancelledAttempt(req QueryRequest, serviceID string, attemptNo int) ServiceAttempt {
	return o.failedAttempt(req, serviceID, attemptNo, ReasonCancelled, "query cancelled")
}

// flagExpired marks the profile for interactive re-login. A missing profile
// is a normal state, not an error.
func (o *Orchestrator) flagExpired(ctx context.Context, serviceID string) {
	if err := o.sessions.Invalidate(ctx, serviceID); err != nil && !errors.Is(err, session.ErrNotFound) {
		o.logger.Printf("invalidating profile %s: %v", serviceID, err)
	}
}

// recordValidSession updates the profile's last-validated timestamp,
// creating a record on first successful probe.
func (o *Orchestrator) recordValidSession(ctx context.Context, serviceID string) {
	err := o.sessions.Touch(ctx, serviceID)
	if errors.Is(err, session.ErrNotFound) {
		err = o.sessions.Save(ctx, serviceID, nil)
	}
	if err != nil {
		o.logger.Printf("recording session for %s: %v", serviceID, err)
	}
}

// classify maps adapter errors onto failure reasons.
func classify(err error) (FailureReason, string) {
	switch {
	case errors.Is(err, adapter.ErrAuthenticationExpired):
		return ReasonAuthExpired, err.Error()
	case errors.Is(err, adapter.ErrSessionUnavailable):
		return ReasonSessionUnavailable, err.Error()
	case errors.Is(err, adapter.ErrInputUnavailable):
		return ReasonInputUnavailable, err.Error()
	case errors.Is(err, adapter.ErrRateLimited):
		return ReasonRateLimited, err.Error()
	case errors.Is(err, adapter.ErrTimeout):
		return ReasonTimeout, err.Error()
	default:
		// Unclassified adapter errors are treated as the surface dropping
		// out; they are not retried within the query.
		return ReasonSessionUnavailable, err.Error()
	}
}

func retryReason(r FailureReason) retry.Reason {
	switch r {
	case ReasonTimeout:
		return retry.ReasonTimeout
	case ReasonRateLimited:
		return retry.ReasonRateLimited
	case ReasonInputUnavailable:
		return retry.ReasonInput
	default:
		return retry.ReasonTimeout
	}
}
