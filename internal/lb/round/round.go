// Package round implements the transaction round coordinator: a state
// machine over every primary-facing handle acquired during a round,
// coordinating pre-commit callbacks, budget checks, en-masse commit or
// rollback, and post-commit callbacks.
package round

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vitaliisemenov/dbloadbalancer/internal/driver"
	"github.com/vitaliisemenov/dbloadbalancer/internal/lb/pool"
	"github.com/vitaliisemenov/dbloadbalancer/pkg/metrics"
)

// Stage is a state of the round state machine.
type Stage int

const (
	Cursory Stage = iota
	Finalized
	Approved
	CommitCallbacks
	RollbackCallbacks
	Error
)

func (s Stage) String() string {
	switch s {
	case Cursory:
		return "CURSORY"
	case Finalized:
		return "FINALIZED"
	case Approved:
		return "APPROVED"
	case CommitCallbacks:
		return "COMMIT_CALLBACKS"
	case RollbackCallbacks:
		return "ROLLBACK_CALLBACKS"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseStage parses a stage's String() form (e.g. "COMMIT_CALLBACKS") back
// into a Stage, for resuming a round persisted across a process restart.
func ParseStage(s string) (Stage, error) {
	switch s {
	case Cursory.String():
		return Cursory, nil
	case Finalized.String():
		return Finalized, nil
	case Approved.String():
		return Approved, nil
	case CommitCallbacks.String():
		return CommitCallbacks, nil
	case RollbackCallbacks.String():
		return RollbackCallbacks, nil
	case Error.String():
		return Error, nil
	default:
		return Cursory, fmt.Errorf("round: unknown stage %q", s)
	}
}

// ProtocolError is raised when a method is called in the wrong stage, on a
// double-begin, when an explicit atomic section is still open at approve,
// or when the write-duration budget is exceeded.
type ProtocolError struct {
	Op    string
	Stage Stage
	Msg   string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("round: %s in stage %s: %s", e.Op, e.Stage, e.Msg)
}

// AggregateError carries a concatenated diagnostic from one or more
// per-handle commit failures during the en-masse commit.
type AggregateError struct {
	Errs []error
}

func (e *AggregateError) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("round: commit failed on %d handle(s): %s", len(e.Errs), strings.Join(msgs, "; "))
}

func (e *AggregateError) Unwrap() []error { return e.Errs }

// Coordinator drives the round state machine over a pool's writer handles.
type Coordinator struct {
	pool   *pool.Pool
	logger *slog.Logger

	stage   Stage
	roundID string

	listeners map[string]driver.Callback

	metrics   *metrics.RoundMetrics
	startedAt time.Time
}

// New builds a Coordinator bound to pool, starting in CURSORY.
// metricsRegistry may be nil, in which case the default
// "dbloadbalancer"-namespaced singleton is used.
func New(p *pool.Pool, logger *slog.Logger, metricsRegistry *metrics.MetricsRegistry) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if metricsRegistry == nil {
		metricsRegistry = metrics.DefaultRegistry()
	}
	return &Coordinator{
		pool:      p,
		logger:    logger,
		stage:     Cursory,
		listeners: make(map[string]driver.Callback),
		metrics:   metricsRegistry.Round(),
	}
}

func (c *Coordinator) transition(to Stage) {
	c.metrics.StageTransitionsTotal.WithLabelValues(c.stage.String(), to.String()).Inc()
	c.stage = to
}

// Stage returns the coordinator's current state.
func (c *Coordinator) Stage() Stage { return c.stage }

// RoundID returns the active round's id, or "" if none is active.
func (c *Coordinator) RoundID() string { return c.roundID }

// RegisterListener adds a long-lived, by-name transaction-listener callback
// run on every post-commit/rollback pass.
func (c *Coordinator) RegisterListener(name string, cb driver.Callback) {
	c.listeners[name] = cb
}

// Resume sets the coordinator's stage directly, used to resume a
// previously-persisted callback-stage round.
func (c *Coordinator) Resume(stage Stage, roundID string) {
	c.transition(stage)
	c.roundID = roundID
	c.pool.SetActiveRound(roundID)
	c.startedAt = time.Now()
}

func (c *Coordinator) writerHandles() []*pool.Handle {
	return c.pool.AllPrimaryConnections()
}

// Begin must be called in CURSORY with no round id set. Flushes empty
// snapshots on every writer handle, assigns a round id
// (generating one if the caller doesn't supply one), and marks each writer
// handle as a round participant.
func (c *Coordinator) Begin(ctx context.Context, roundID string) error {
	if c.stage != Cursory {
		return &ProtocolError{Op: "begin", Stage: c.stage, Msg: "must be called in CURSORY"}
	}
	if c.roundID != "" {
		return &ProtocolError{Op: "begin", Stage: c.stage, Msg: "round id already set (double begin)"}
	}

	for _, h := range c.writerHandles() {
		if err := h.DB.FlushSnapshot(ctx); err != nil {
			return fmt.Errorf("round: flush snapshot on server %d: %w", h.ServerIndex, err)
		}
	}

	if roundID == "" {
		roundID = uuid.NewString()
	}
	c.roundID = roundID

	for _, h := range c.writerHandles() {
		h.DB.SetRoundFlags(roundID)
	}

	c.pool.SetActiveRound(roundID)
	c.startedAt = time.Now()
	c.metrics.RoundsStartedTotal.Inc()
	c.metrics.ParticipantsPerRound.Observe(float64(len(c.writerHandles())))
	return nil
}

// Finalize runs pre-commit callbacks on every writer handle to a fixpoint
// (a pre-commit callback on one handle may queue callbacks on another), then
// suppresses post-commit callback execution on all writer handles.
func (c *Coordinator) Finalize(ctx context.Context) error {
	if c.stage != Cursory {
		return &ProtocolError{Op: "finalize", Stage: c.stage, Msg: "must be called in CURSORY"}
	}

	for {
		queuedMore := false
		for _, h := range c.writerHandles() {
			more, err := h.DB.RunPreCommitCallbacks(ctx)
			if err != nil {
				c.transition(Error)
				return fmt.Errorf("round: pre-commit callback on server %d: %w", h.ServerIndex, err)
			}
			if more {
				queuedMore = true
			}
		}
		if !queuedMore {
			break
		}
	}

	for _, h := range c.writerHandles() {
		h.DB.SuppressPostCommitCallbacks(true)
	}

	c.transition(Finalized)
	return nil
}

// Approve rejects the round if any writer handle has an open atomic
// section, fails the round if the estimated write duration exceeds
// maxWriteDuration (0 = no budget), and pings handles with pending writes or
// locks to detect silently dropped connections before commit.
func (c *Coordinator) Approve(ctx context.Context, maxWriteDuration time.Duration) error {
	if c.stage != Finalized {
		return &ProtocolError{Op: "approve", Stage: c.stage, Msg: "must be called in FINALIZED"}
	}

	for _, h := range c.writerHandles() {
		if h.DB.AtomicSectionOpen() {
			c.transition(Error)
			return &ProtocolError{Op: "approve", Stage: Finalized, Msg: fmt.Sprintf("explicit atomic section still open on server %d", h.ServerIndex)}
		}
	}

	if maxWriteDuration > 0 {
		for _, h := range c.writerHandles() {
			est, err := h.DB.EstimateWriteDuration(ctx)
			if err != nil {
				c.transition(Error)
				return fmt.Errorf("round: estimate write duration on server %d: %w", h.ServerIndex, err)
			}
			if est > maxWriteDuration {
				c.transition(Error)
				return &ProtocolError{Op: "approve", Stage: Finalized, Msg: fmt.Sprintf("write duration budget exceeded on server %d: %s > %s", h.ServerIndex, est, maxWriteDuration)}
			}
		}
	}

	for _, h := range c.writerHandles() {
		if h.DB.WritesOrLocksPending() {
			if err := h.DB.Ping(ctx); err != nil {
				c.transition(Error)
				return fmt.Errorf("round: ping server %d before commit: %w", h.ServerIndex, err)
			}
		}
	}

	c.transition(Approved)
	return nil
}

// Commit commits every writer handle with the "flushing all peers" flag. On
// any per-handle failure it raises an AggregateError and the round lands in
// ERROR; callers are expected to roll back.
func (c *Coordinator) Commit(ctx context.Context) error {
	if c.stage != Approved {
		return &ProtocolError{Op: "commit", Stage: c.stage, Msg: "must be called in APPROVED"}
	}

	c.transition(Error) // transition to ERROR before mutation

	var errs []error
	for _, h := range c.writerHandles() {
		if err := h.DB.Commit(ctx, true); err != nil {
			errs = append(errs, fmt.Errorf("server %d: %w", h.ServerIndex, err))
		}
	}
	if len(errs) > 0 {
		return &AggregateError{Errs: errs}
	}

	for _, h := range c.writerHandles() {
		h.DB.UndoRoundFlags()
	}
	c.pool.ClearActiveRound()
	c.metrics.RoundsCommittedTotal.Inc()
	c.observeDuration()
	c.transition(CommitCallbacks)
	return nil
}

// Rollback unconditionally rolls back every writer handle with the
// "flushing all peers" flag, regardless of the current stage — a round in
// ERROR always recovers via Rollback.
func (c *Coordinator) Rollback(ctx context.Context) error {
	reason := "explicit"
	if c.stage == Error {
		reason = "error_state"
	}
	c.transition(Error) // transition to ERROR before mutation

	var firstErr error
	for _, h := range c.writerHandles() {
		if err := h.DB.Rollback(ctx, true); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("server %d: %w", h.ServerIndex, err)
		}
	}

	for _, h := range c.writerHandles() {
		h.DB.UndoRoundFlags()
	}
	c.pool.ClearActiveRound()
	c.metrics.RoundsRolledBackTotal.WithLabelValues(reason).Inc()
	c.observeDuration()
	c.transition(RollbackCallbacks)
	return firstErr
}

// observeDuration records the round's wall-clock duration, if it was ever
// started (Resume-d rounds without a Begin still set startedAt).
func (c *Coordinator) observeDuration() {
	if c.startedAt.IsZero() {
		return
	}
	c.metrics.RoundDurationSeconds.Observe(time.Since(c.startedAt).Seconds())
}

// RunIdleCallbacks re-enables post-commit callback execution and runs
// pending idle callbacks on every writer handle with no open transaction,
// committing away any new empty transaction a callback opened, until a full
// pass executes zero callbacks. Finally runs the registered
// transaction-listener callbacks. Callback errors are accumulated but only
// the first is returned.
func (c *Coordinator) RunIdleCallbacks(ctx context.Context) error {
	if c.stage != CommitCallbacks && c.stage != RollbackCallbacks {
		return &ProtocolError{Op: "runIdleCallbacks", Stage: c.stage, Msg: "must be called in COMMIT_CALLBACKS or ROLLBACK_CALLBACKS"}
	}

	for _, h := range c.writerHandles() {
		h.DB.SuppressPostCommitCallbacks(false)
	}

	var firstErr error
	for {
		ranThisPass := 0
		for _, h := range c.writerHandles() {
			if h.DB.TxLevel() != 0 {
				continue
			}
			ran, err := h.DB.RunIdleCallbacks(ctx)
			ranThisPass += ran
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("server %d: %w", h.ServerIndex, err)
				}
				continue
			}
			if h.DB.OpenedEmptyTransactionByCallback() {
				if err := h.DB.Commit(ctx, true); err != nil && firstErr == nil {
					firstErr = fmt.Errorf("server %d: commit empty callback transaction: %w", h.ServerIndex, err)
				}
			}
		}
		if ranThisPass == 0 {
			break
		}
	}

	for name, cb := range c.listeners {
		if err := cb(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("transaction listener %q: %w", name, err)
		}
	}

	c.transition(Cursory)
	c.roundID = ""
	c.startedAt = time.Time{}
	return firstErr
}
