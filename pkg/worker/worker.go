// Package worker drives ProcessingState rows toward a terminal status,
// implementing the per-event lock/attempt/advance procedure, the polling
// loop, and the stale-processing reaper (spec §4.5).
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/webhookspine/connector-spine/pkg/downstream"
	"github.com/webhookspine/connector-spine/pkg/retry"
	"github.com/webhookspine/connector-spine/pkg/store"
	"github.com/webhookspine/connector-spine/pkg/types"
)

// Store is the narrow persistence dependency Worker needs.
type Store interface {
	ClaimPending(ctx context.Context, limit int) ([]string, error)
	LockForAttempt(ctx context.Context, eventID string) (store.Attempt, error)
	CompleteAttempt(ctx context.Context, eventID string, now time.Time) error
	ScheduleRetry(ctx context.Context, eventID, reason string, notBefore time.Time) error
	FailPermanently(ctx context.Context, eventID, reason string) error
	ReapStaleProcessing(ctx context.Context, staleThreshold time.Duration) (int64, error)
}

// Downstream delivers a single event and classifies the result.
type Downstream interface {
	Deliver(ctx context.Context, eventID string) (downstream.Result, error)
}

// Auditor is the narrow audit dependency Worker needs.
type Auditor interface {
	Record(ctx context.Context, eventID string, action types.AuditAction, result types.AuditResult, details string)
}

// Config holds the worker's tunables (spec §4.5/§9). cmd/worker overrides
// all of them from env except PollErrorBackoff and ReapInterval.
type Config struct {
	PollInterval             time.Duration
	PollErrorBackoff         time.Duration
	Concurrency              int
	ClaimBatchSize           int
	StaleProcessingThreshold time.Duration
	ReapInterval             time.Duration
	RetryPolicy              retry.Policy
}

// DefaultConfig mirrors spec.md's defaults: poll_interval=2s, 5s backoff on
// loop-level error, worker_concurrency=10, stale threshold = 5x downstream
// timeout (here parameterized directly rather than derived, since Config
// has no downstream_timeout field of its own).
func DefaultConfig() Config {
	return Config{
		PollInterval:             2 * time.Second,
		PollErrorBackoff:         5 * time.Second,
		Concurrency:              10,
		ClaimBatchSize:           100,
		StaleProcessingThreshold: 50 * time.Second,
		ReapInterval:             30 * time.Second,
		RetryPolicy: retry.Policy{
			InitialDelay: time.Second,
			MaxDelay:     60 * time.Second,
			MaxAttempts:  5,
		},
	}
}

// Worker runs the polling loop and stale-processing reaper.
type Worker struct {
	store      Store
	downstream Downstream
	auditor    Auditor
	cfg        Config

	sem chan struct{}
	wg  sync.WaitGroup
}

// New constructs a Worker.
func New(s Store, d Downstream, auditor Auditor, cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	return &Worker{
		store:      s,
		downstream: d,
		auditor:    auditor,
		cfg:        cfg,
		sem:        make(chan struct{}, cfg.Concurrency),
	}
}

// Run blocks until ctx is cancelled, running the poll loop and the stale-
// processing reaper concurrently. wake receives advisory event_ids from a
// HandoffNotifier consumer (may be nil if handoff is disabled — the worker
// degrades to pure polling).
func (w *Worker) Run(ctx context.Context, wake <-chan string) {
	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		w.pollLoop(ctx, wake)
	}()
	go func() {
		defer loops.Done()
		w.reapLoop(ctx)
	}()
	loops.Wait()
}

// Wait blocks until all in-flight attempts dispatched before ctx was
// cancelled have finished, or ctx's own deadline elapses — for bounded
// graceful shutdown (spec's "worker_concurrency" bound applies equally to
// drain time).
func (w *Worker) Wait(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (w *Worker) pollLoop(ctx context.Context, wake <-chan string) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollOnce(ctx)
		case eventID, ok := <-wake:
			if !ok {
				wake = nil // disable this case permanently
				continue
			}
			w.dispatch(ctx, eventID)
		}
	}
}

func (w *Worker) pollOnce(ctx context.Context) {
	ids, err := w.store.ClaimPending(ctx, w.cfg.ClaimBatchSize)
	if err != nil {
		slog.Error("poll loop: claim_pending failed, backing off", "error", err)
		select {
		case <-time.After(w.cfg.PollErrorBackoff):
		case <-ctx.Done():
		}
		return
	}
	for _, id := range ids {
		w.dispatch(ctx, id)
	}
}

// dispatch bounds concurrency with a semaphore and hands the event to
// processAttempt in its own goroutine.
func (w *Worker) dispatch(ctx context.Context, eventID string) {
	select {
	case w.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	w.wg.Add(1)
	go func() {
		defer func() { <-w.sem; w.wg.Done() }()
		w.processAttempt(ctx, eventID)
	}()
}

// processAttempt runs the full per-event procedure: T1 lock/checkpoint/
// commit, downstream delivery, then a single T2 update that records the
// outcome (spec §4.5). T2 writes the row without re-reading it first.
func (w *Worker) processAttempt(ctx context.Context, eventID string) {
	attempt, err := w.store.LockForAttempt(ctx, eventID)
	if err != nil {
		slog.Error("lock_for_attempt failed", "event_id", eventID, "error", err)
		w.auditor.Record(ctx, eventID, types.ActionProcessingError, types.ResultFailure, err.Error())
		return
	}
	if attempt == nil {
		// Already owned by another worker, already terminal, or unknown —
		// nothing to do this cycle.
		return
	}

	if w.cfg.RetryPolicy.IsTerminal(attempt.State().AttemptCount) {
		reason := fmt.Sprintf("attempt_count %d already at ceiling", attempt.State().AttemptCount)
		if err := attempt.Abandon(ctx, reason); err != nil {
			slog.Error("abandon failed", "event_id", eventID, "error", err)
			return
		}
		w.auditor.Record(ctx, eventID, types.ActionProcessingAbandoned, types.ResultFailure, reason)
		return
	}

	attemptNum, err := attempt.Begin(ctx, time.Now().UTC())
	if err != nil {
		slog.Error("begin attempt failed", "event_id", eventID, "error", err)
		return
	}
	w.auditor.Record(ctx, eventID, types.ActionProcessingAttemptStarted, types.ResultPending, fmt.Sprintf("attempt %d", attemptNum))

	result, err := w.downstream.Deliver(ctx, eventID)
	if err != nil {
		// A hard error from the Downstream client itself (not a classified
		// transient failure) is treated the same as a transient failure —
		// spec.md's interface is strictly binary {ok, transient_failure}.
		result = downstream.Result{TransientFailure: true}
	}

	switch {
	case result.OK:
		if err := w.store.CompleteAttempt(ctx, eventID, time.Now().UTC()); err != nil {
			slog.Error("complete attempt failed", "event_id", eventID, "error", err)
			return
		}
		w.auditor.Record(ctx, eventID, types.ActionProcessingSucceeded, types.ResultSuccess, "")

	case w.cfg.RetryPolicy.IsTerminal(attemptNum):
		reason := "downstream delivery failed, max attempts reached"
		if err := w.store.FailPermanently(ctx, eventID, reason); err != nil {
			slog.Error("fail permanently failed", "event_id", eventID, "error", err)
			return
		}
		w.auditor.Record(ctx, eventID, types.ActionProcessingFailedPermanent, types.ResultFailure, reason)

	default:
		delay := w.cfg.RetryPolicy.Backoff(attemptNum)
		notBefore := time.Now().UTC().Add(delay)
		reason := "downstream delivery failed"
		if err := w.store.ScheduleRetry(ctx, eventID, reason, notBefore); err != nil {
			slog.Error("schedule retry failed", "event_id", eventID, "error", err)
			return
		}
		w.auditor.Record(ctx, eventID, types.ActionProcessingAttemptFailed, types.ResultFailure, reason)
		w.auditor.Record(ctx, eventID, types.ActionRetryScheduled, types.ResultPending, fmt.Sprintf("not_before=%s", notBefore.Format(time.RFC3339)))
	}
}

func (w *Worker) reapLoop(ctx context.Context) {
	w.reapOnce(ctx)
	ticker := time.NewTicker(w.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.reapOnce(ctx)
		}
	}
}

func (w *Worker) reapOnce(ctx context.Context) {
	n, err := w.store.ReapStaleProcessing(ctx, w.cfg.StaleProcessingThreshold)
	if err != nil {
		slog.Error("reap stale processing failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("reaped stale processing rows", "count", n)
	}
}
