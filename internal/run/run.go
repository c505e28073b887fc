package run

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"swainos-analytics/internal/timeseries"
)

var (
	// ErrUnauthorized indicates a manual trigger with a wrong or missing token.
	ErrUnauthorized = errors.New("run: unauthorized trigger")
	// ErrUnknownKind indicates a run kind the executor does not handle.
	ErrUnknownKind = errors.New("run: unknown kind")
)

// Kind names one analytical job.
type Kind string

const (
	KindFXRates        Kind = "fx_rates"
	KindFXSignals      Kind = "fx_signals"
	KindFXIntelligence Kind = "fx_intelligence"
	KindRollupRefresh  Kind = "rollup_refresh"
	KindInsights       Kind = "insights"
)

// Kinds lists every run kind the orchestrator accepts.
func Kinds() []Kind {
	return []Kind{KindFXRates, KindFXSignals, KindFXIntelligence, KindRollupRefresh, KindInsights}
}

func validKind(kind Kind) bool {
	for _, k := range Kinds() {
		if k == kind {
			return true
		}
	}
	return false
}

// Trigger records what started a run.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// Status is a run lifecycle state. Runs execute synchronously, so records
// are inserted already running; there is no queued phase.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Record is the persisted bookkeeping for one run.
type Record struct {
	ID         string
	Kind       Kind
	Window     timeseries.Window
	Trigger    Trigger
	Status     Status
	Detail     string
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Store persists run records.
type Store interface {
	InsertRun(ctx context.Context, rec Record) error
	FinishRun(ctx context.Context, rec Record) error
	// FindInFlight returns the running record for (kind, window) when one
	// exists, e.g. started by another process.
	FindInFlight(ctx context.Context, kind Kind, window timeseries.Window) (Record, bool, error)
	GetRun(ctx context.Context, id string) (Record, bool, error)
	ListRuns(ctx context.Context, kind Kind, limit int) ([]Record, error)
}

// Executor performs the work of one run kind over one window. The detail
// string ends up on the run record.
type Executor interface {
	Execute(ctx context.Context, kind Kind, window timeseries.Window) (detail string, err error)
}

// Config carries orchestrator settings.
type Config struct {
	// ManualToken authorizes manual triggers. Empty disables them entirely.
	ManualToken string
	// Timeout bounds a single run. Zero means no bound.
	Timeout time.Duration
}

// Orchestrator serializes runs so that at most one run per (kind, window)
// is in flight at a time.
type Orchestrator struct {
	store    Store
	executor Executor
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time

	mu       sync.Mutex
	inFlight map[string]*flight
}

type flight struct {
	record  Record
	done    chan struct{}
	joiners int
}

// NewOrchestrator wires a run orchestrator.
func NewOrchestrator(store Store, executor Executor, cfg Config, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store:    store,
		executor: executor,
		cfg:      cfg,
		logger:   logger.With().Str("component", "run").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
		inFlight: make(map[string]*flight),
	}
}

func flightKey(kind Kind, window timeseries.Window) string {
	return string(kind) + "|" + window.Key()
}

// StartRun executes one run synchronously and returns its finished record.
// When a run for the same (kind, window) is already in flight, the caller
// joins it: it waits for completion and receives the same record instead of
// starting a second run.
func (o *Orchestrator) StartRun(ctx context.Context, kind Kind, window timeseries.Window, trigger Trigger, token string) (Record, error) {
	if !validKind(kind) {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	if err := window.Validate(); err != nil {
		return Record{}, err
	}
	if trigger == TriggerManual {
		if err := o.authorize(token); err != nil {
			return Record{}, err
		}
	}

	key := flightKey(kind, window)

	o.mu.Lock()
	if existing, ok := o.inFlight[key]; ok {
		existing.joiners++
		o.mu.Unlock()
		return o.join(ctx, existing)
	}

	// Another process may hold the flight; report its record without
	// waiting, the caller can poll GetRun.
	if rec, found, err := o.store.FindInFlight(ctx, kind, window); err != nil {
		o.mu.Unlock()
		return Record{}, fmt.Errorf("find in-flight run: %w", err)
	} else if found {
		o.mu.Unlock()
		o.logger.Info().Str("kind", string(kind)).Str("run_id", rec.ID).Msg("joined external in-flight run")
		return rec, nil
	}

	rec := Record{
		ID:        uuid.NewString(),
		Kind:      kind,
		Window:    window,
		Trigger:   trigger,
		Status:    StatusRunning,
		StartedAt: o.now(),
	}
	fl := &flight{record: rec, done: make(chan struct{})}
	o.inFlight[key] = fl
	o.mu.Unlock()

	if err := o.store.InsertRun(ctx, rec); err != nil {
		o.mu.Lock()
		delete(o.inFlight, key)
		close(fl.done)
		o.mu.Unlock()
		return Record{}, fmt.Errorf("insert run record: %w", err)
	}

	o.logger.Info().
		Str("kind", string(kind)).
		Str("window", window.Key()).
		Str("trigger", string(trigger)).
		Str("run_id", rec.ID).
		Msg("run started")

	rec = o.execute(ctx, rec)

	o.mu.Lock()
	fl.record = rec
	delete(o.inFlight, key)
	close(fl.done)
	o.mu.Unlock()

	if rec.Status == StatusFailed {
		o.logger.Error().Str("run_id", rec.ID).Str("error", rec.Error).Msg("run failed")
	} else {
		o.logger.Info().Str("run_id", rec.ID).Str("detail", rec.Detail).Msg("run finished")
	}
	return rec, nil
}

// GetRun returns the record by id.
func (o *Orchestrator) GetRun(ctx context.Context, id string) (Record, error) {
	rec, found, err := o.store.GetRun(ctx, id)
	if err != nil {
		return Record{}, fmt.Errorf("load run record: %w", err)
	}
	if !found {
		return Record{}, fmt.Errorf("run %s not found", id)
	}
	return rec, nil
}

// ListRuns returns the most recent records for a kind.
func (o *Orchestrator) ListRuns(ctx context.Context, kind Kind, limit int) ([]Record, error) {
	return o.store.ListRuns(ctx, kind, limit)
}

func (o *Orchestrator) authorize(token string) error {
	if o.cfg.ManualToken == "" {
		return fmt.Errorf("%w: manual triggers are disabled", ErrUnauthorized)
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(o.cfg.ManualToken)) != 1 {
		return fmt.Errorf("%w: bad token", ErrUnauthorized)
	}
	return nil
}

func (o *Orchestrator) join(ctx context.Context, fl *flight) (Record, error) {
	select {
	case <-fl.done:
	case <-ctx.Done():
		return Record{}, ctx.Err()
	}
	o.mu.Lock()
	rec := fl.record
	o.mu.Unlock()
	return rec, nil
}

func (o *Orchestrator) execute(ctx context.Context, rec Record) Record {
	runCtx := ctx
	if o.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
	}

	detail, err := o.executor.Execute(runCtx, rec.Kind, rec.Window)
	finishedAt := o.now()
	rec.FinishedAt = &finishedAt
	rec.Detail = detail
	if err != nil {
		rec.Status = StatusFailed
		rec.Error = err.Error()
	} else {
		rec.Status = StatusSucceeded
	}

	// Finishing bookkeeping must not be cut short by the run timeout.
	if err := o.store.FinishRun(context.WithoutCancel(ctx), rec); err != nil {
		o.logger.Error().Err(err).Str("run_id", rec.ID).Msg("persist run outcome failed")
	}
	return rec
}
