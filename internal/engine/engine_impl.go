package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petrijr/durable/internal/persistence"
	"github.com/petrijr/durable/internal/replay"
	"github.com/petrijr/durable/internal/taskqueue"
	"github.com/petrijr/durable/pkg/api"
)

// TracerName names the tracer the engine uses when none is configured.
const TracerName = "github.com/petrijr/durable/internal/engine"

// maxAppendAttempts bounds read-decide-append loops that lost a race.
const maxAppendAttempts = 5

// Engine is the instance manager. It owns the registries, applies replay
// decisions to the history log and feeds work items to the task queue.
type Engine struct {
	history   persistence.HistoryLog
	instances persistence.InstanceIndex
	leases    persistence.LeaseManager
	queue     taskqueue.Queue

	registry *registry
	locks    *keyedMutex
	owner    string
	leaseTTL time.Duration

	observer api.Observer
	logger   *slog.Logger
	tracer   trace.Tracer
	defaults api.ActivityOptions

	now   func() time.Time
	newID func() string
}

var (
	_ api.Engine   = (*Engine)(nil)
	_ api.Executor = (*Engine)(nil)
)

// Config describes how to construct an Engine.
type Config struct {
	Persistence persistence.Persistence
	Queue       taskqueue.Queue

	Observer api.Observer
	Logger   *slog.Logger
	Tracer   trace.Tracer

	// ActivityDefaults fill options that neither the call site nor the
	// activity definition set.
	ActivityDefaults api.ActivityOptions

	// LeaseTTL is the lifetime of the instance lease taken when
	// Persistence.Leases is set. Zero means DefaultLeaseTTL.
	LeaseTTL time.Duration

	// Owner names this engine in leases. Empty picks host, pid and a
	// random suffix.
	Owner string

	// Now and NewID default to the wall clock and random UUIDs.
	Now   func() time.Time
	NewID func() string
}

// NewEngineWithConfig creates a new Engine using the given configuration.
func NewEngineWithConfig(cfg Config) (*Engine, error) {
	if cfg.Persistence.History == nil || cfg.Persistence.Instances == nil {
		return nil, errors.New("engine: history log and instance index are required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("engine: task queue is required")
	}
	if cfg.LeaseTTL < 0 {
		return nil, errors.New("engine: lease ttl must not be negative")
	}
	if cfg.ActivityDefaults.Retry != nil {
		if err := cfg.ActivityDefaults.Retry.Validate(); err != nil {
			return nil, fmt.Errorf("engine: activity defaults: %w", err)
		}
	}

	e := &Engine{
		history:   cfg.Persistence.History,
		instances: cfg.Persistence.Instances,
		leases:    cfg.Persistence.Leases,
		queue:     cfg.Queue,
		registry:  newRegistry(),
		locks:     newKeyedMutex(),
		owner:     cfg.Owner,
		leaseTTL:  cfg.LeaseTTL,
		observer:  cfg.Observer,
		logger:    cfg.Logger,
		tracer:    cfg.Tracer,
		defaults:  cfg.ActivityDefaults,
		now:       cfg.Now,
		newID:     cfg.NewID,
	}
	if e.observer == nil {
		e.observer = api.NoopObserver{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(TracerName)
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	if e.owner == "" {
		e.owner = defaultOwner()
	}
	if e.leaseTTL == 0 {
		e.leaseTTL = DefaultLeaseTTL
	}
	return e, nil
}

// NewInMemoryEngine returns an Engine backed by an in-memory store and
// queue. Nothing survives the process.
func NewInMemoryEngine() *Engine {
	e, _ := NewEngineWithConfig(Config{
		Persistence: persistence.FromStore(persistence.NewInMemoryStore()),
		Queue:       taskqueue.NewInMemoryQueue(0),
	})
	return e
}

// NewSQLiteEngine returns an Engine whose history, instance index and task
// queue all live in db.
func NewSQLiteEngine(db *sql.DB) (*Engine, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	return NewEngineWithConfig(Config{
		Persistence: persistence.FromStore(store),
		Queue:       q,
	})
}

// NewRedisEngine returns an Engine that keeps history, instance index and
// task queue in Redis under prefix.
func NewRedisEngine(client *redis.Client, prefix string) (*Engine, error) {
	return NewEngineWithConfig(Config{
		Persistence: persistence.FromStore(persistence.NewRedisStore(client, prefix)),
		Queue:       taskqueue.NewRedisQueue(client, prefix),
	})
}

// NewPostgresEngine returns an Engine whose history, instance index and
// task queue live in a PostgreSQL database opened with the pgx driver.
func NewPostgresEngine(db *sql.DB) (*Engine, error) {
	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewPostgresQueue(db)
	if err != nil {
		return nil, err
	}
	return NewEngineWithConfig(Config{
		Persistence: persistence.FromStore(store),
		Queue:       q,
	})
}

// NewMongoEngine returns an Engine that keeps history, instance index and
// task queue in the MongoDB database dbName.
func NewMongoEngine(ctx context.Context, client *mongo.Client, dbName string) (*Engine, error) {
	store, err := persistence.NewMongoStore(ctx, client, dbName)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewMongoQueue(ctx, client, dbName, "")
	if err != nil {
		return nil, err
	}
	return NewEngineWithConfig(Config{
		Persistence: persistence.FromStore(store),
		Queue:       q,
	})
}

// Queue returns the task queue workers should poll.
func (e *Engine) Queue() taskqueue.Queue {
	return e.queue
}

// Observer returns the configured observer.
func (e *Engine) Observer() api.Observer {
	return e.observer
}

func (e *Engine) RegisterOrchestration(def api.OrchestrationDefinition) error {
	return e.registry.RegisterOrchestration(def)
}

func (e *Engine) RegisterActivity(def api.ActivityDefinition) error {
	return e.registry.RegisterActivity(def)
}

func (e *Engine) Start(ctx context.Context, name string, input any, opts ...api.StartOption) (id string, err error) {
	ctx, span := e.tracer.Start(ctx, "orchestration.start",
		trace.WithAttributes(attribute.String("orchestration.name", name)))
	defer func() { endSpan(span, err) }()

	if _, err := e.registry.Orchestration(name); err != nil {
		return "", err
	}

	var o api.StartOptions
	for _, opt := range opts {
		opt(&o)
	}

	payload, err := api.MarshalPayload(input)
	if err != nil {
		return "", fmt.Errorf("marshal input of %s: %w", name, err)
	}

	if o.IdempotencyKey != "" {
		existing, err := e.instances.FindByIdempotencyKey(ctx, o.IdempotencyKey)
		if err == nil {
			return sameOrchestration(existing, name)
		}
		if !errors.Is(err, persistence.ErrInstanceNotFound) {
			return "", err
		}
	}

	now := e.now()
	rec := persistence.InstanceRecord{
		ID:             e.newID(),
		Name:           name,
		Input:          payload,
		Status:         api.StatusPending,
		IdempotencyKey: o.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.instances.CreateInstance(ctx, rec); err != nil {
		// Lost a race for the same key: hand back the winner.
		if errors.Is(err, persistence.ErrDuplicateInstance) && o.IdempotencyKey != "" {
			if existing, ferr := e.instances.FindByIdempotencyKey(ctx, o.IdempotencyKey); ferr == nil {
				return sameOrchestration(existing, name)
			}
		}
		return "", err
	}

	started := api.OrchestrationStartedEvent(name, payload, o.IdempotencyKey)
	if err := e.history.Append(ctx, rec.ID, 0, started); err != nil {
		return "", err
	}
	span.SetAttributes(attribute.String("instance.id", rec.ID))

	st := api.InstanceStatus{
		ID:        rec.ID,
		Name:      name,
		Status:    api.StatusPending,
		Input:     payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	e.observer.OnOrchestrationStart(ctx, &st)

	if err := e.queue.Enqueue(ctx, taskqueue.OrchestrationTask(rec.ID)); err != nil {
		return rec.ID, fmt.Errorf("enqueue first replay of %s: %w", rec.ID, err)
	}
	return rec.ID, nil
}

// sameOrchestration returns the id of an instance found by idempotency key,
// provided it runs the orchestration the caller asked for.
func sameOrchestration(existing persistence.InstanceRecord, name string) (string, error) {
	if existing.Name != name {
		return "", fmt.Errorf("%w: key belongs to %s instance %s, not %s",
			api.ErrIdempotencyConflict, existing.Name, existing.ID, name)
	}
	return existing.ID, nil
}

func (e *Engine) QueryStatus(ctx context.Context, id string) (api.InstanceStatus, error) {
	history, err := e.readExisting(ctx, id)
	if err != nil {
		return api.InstanceStatus{}, err
	}
	st := api.StatusFromHistory(id, history)
	e.updateStatus(ctx, id, st.Status, st.UpdatedAt)
	return st, nil
}

func (e *Engine) History(ctx context.Context, id string) ([]api.HistoryEvent, error) {
	return e.readExisting(ctx, id)
}

// ListInstances reads the instance index. Statuses there may trail the
// log until the next pass or QueryStatus refreshes them. Terminal entries
// carry the output or failure reason from the log.
func (e *Engine) ListInstances(ctx context.Context, opts api.InstanceListOptions) ([]api.InstanceStatus, error) {
	recs, err := e.instances.ListInstances(ctx, persistence.InstanceFilter{
		Name:   opts.Name,
		Status: opts.Status,
	})
	if err != nil {
		return nil, err
	}
	out := make([]api.InstanceStatus, 0, len(recs))
	for _, rec := range recs {
		st := api.InstanceStatus{
			ID:        rec.ID,
			Name:      rec.Name,
			Status:    rec.Status,
			Input:     rec.Input,
			CreatedAt: rec.CreatedAt,
			UpdatedAt: rec.UpdatedAt,
		}
		if rec.Status.IsTerminal() {
			history, err := e.history.Read(ctx, rec.ID)
			if err != nil {
				return nil, err
			}
			logged := api.StatusFromHistory(rec.ID, history)
			st.Output, st.Error = logged.Output, logged.Error
		}
		out = append(out, st)
	}
	return out, nil
}

func (e *Engine) Cancel(ctx context.Context, id string, reason string) error {
	unlock, err := e.lockInstance(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	if reason == "" {
		reason = "canceled"
	}
	appended, err := e.appendDecided(ctx, id, func(s *replay.Summary) ([]api.HistoryEvent, error) {
		if s.Terminal != nil {
			return nil, fmt.Errorf("%w: %s is %s", api.ErrInstanceTerminal, id, s.Terminal.Type)
		}
		return []api.HistoryEvent{api.OrchestrationCanceledEvent(reason)}, nil
	})
	if err != nil {
		return err
	}
	if appended {
		e.updateStatus(ctx, id, api.StatusCanceled, e.now())
		e.logger.InfoContext(ctx, "orchestration_canceled", "instance_id", id, "reason", reason)
	}
	return nil
}

// RunOrchestration performs one replay pass of an instance and applies its
// decision. A pass that loses the append race is discarded silently. A pass
// that cannot get the instance lease is retried later through the queue.
func (e *Engine) RunOrchestration(ctx context.Context, id string) (err error) {
	ctx, span := e.tracer.Start(ctx, "orchestration.replay",
		trace.WithAttributes(attribute.String("instance.id", id)))
	defer func() { endSpan(span, err) }()

	unlock, err := e.lockInstance(ctx, id)
	if errors.Is(err, api.ErrInstanceLocked) {
		retry := taskqueue.OrchestrationTask(id)
		retry.NotBefore = e.now().Add(e.leaseTTL / 2)
		e.logger.DebugContext(ctx, "replay_deferred", "instance_id", id, "reason", "lease held elsewhere")
		return e.queue.Enqueue(ctx, retry)
	}
	if err != nil {
		return err
	}
	defer unlock()

	history, err := e.readExisting(ctx, id)
	if err != nil {
		return err
	}

	name := history[0].Name
	logger := e.logger.With("instance_id", id, "orchestration", name)
	span.SetAttributes(attribute.String("orchestration.name", name))

	var fn api.Orchestration
	if def, err := e.registry.Orchestration(name); err == nil {
		fn = def.Fn
	}

	start := time.Now()
	decision, err := replay.Advance(fn, replay.Instance{ID: id, Name: name, Logger: e.logger}, history)
	switch {
	case errors.Is(err, api.ErrUnknownOrchestration), errors.Is(err, api.ErrCorruptHistory):
		if api.StatusFromHistory(id, history).Status.IsTerminal() {
			return nil
		}
		logger.ErrorContext(ctx, "replay_failed", "error", err)
		decision = api.Decision{Fail: &api.Fail{Reason: err.Error(), Err: err}}
	case err != nil:
		logger.ErrorContext(ctx, "replay_failed", "error", err)
		return err
	}

	st := api.StatusFromHistory(id, history)
	e.observer.OnReplay(ctx, &st, decision, time.Since(start))
	if decision.IsNoop() {
		return nil
	}

	for i := range decision.Schedule {
		decision.Schedule[i].Options = e.activityOptions(decision.Schedule[i])
	}

	now := e.now()
	if err := e.history.Append(ctx, id, int64(len(history)), decision.Events()...); err != nil {
		if errors.Is(err, api.ErrAppendConflict) {
			logger.DebugContext(ctx, "replay_discarded", "reason", "append conflict")
			return nil
		}
		return err
	}
	st.UpdatedAt = now

	switch {
	case decision.Complete != nil:
		st.Status = api.StatusCompleted
		st.Output = decision.Complete.Result
		e.updateStatus(ctx, id, st.Status, now)
		e.observer.OnOrchestrationCompleted(ctx, &st)
	case decision.Fail != nil:
		st.Status = api.StatusFailed
		st.Error = decision.Fail.Reason
		e.updateStatus(ctx, id, st.Status, now)
		failErr := decision.Fail.Err
		if failErr == nil {
			failErr = errors.New(decision.Fail.Reason)
		}
		e.observer.OnOrchestrationFailed(ctx, &st, failErr)
	default:
		e.updateStatus(ctx, id, api.StatusRunning, now)
		span.SetAttributes(attribute.Int("decision.scheduled", len(decision.Schedule)))
		for _, s := range decision.Schedule {
			if err := e.queue.Enqueue(ctx, taskqueue.ActivityTask(id, s, now)); err != nil {
				return fmt.Errorf("enqueue activity %s #%d: %w", s.Name, s.SequenceNo, err)
			}
		}
	}
	return nil
}

// activityOptions layers call-site options over the activity definition's
// options and the engine defaults.
func (e *Engine) activityOptions(s api.ScheduleActivity) api.ActivityOptions {
	opts := s.Options
	if def, err := e.registry.Activity(s.Name); err == nil {
		opts = opts.Merge(def.Options)
	}
	return opts.Merge(e.defaults)
}

func (e *Engine) InvokeActivity(ctx context.Context, info api.ActivityInfo, input []byte) (out any, err error) {
	ctx, span := e.tracer.Start(ctx, "activity.invoke", trace.WithAttributes(
		attribute.String("instance.id", info.InstanceID),
		attribute.String("activity.name", info.Name),
		attribute.Int("activity.sequence_no", info.SequenceNo),
		attribute.Int("activity.attempt", info.Attempt),
	))
	defer func() { endSpan(span, err) }()

	def, err := e.registry.Activity(info.Name)
	if err != nil {
		return nil, api.NonRetryable(err)
	}

	e.observer.OnActivityStart(ctx, info)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("activity %s panicked: %v", info.Name, r)
		}
		e.observer.OnActivityCompleted(ctx, info, err, time.Since(start))
	}()

	return def.Fn(ctx, input)
}

// CompleteActivity appends the terminal outcome of a call and schedules the
// next replay pass. Results for calls that already have one, and results
// arriving after the instance ended, are dropped.
func (e *Engine) CompleteActivity(ctx context.Context, res api.ActivityResult) error {
	unlock, err := e.lockInstance(ctx, res.InstanceID)
	if err != nil {
		return err
	}
	defer unlock()

	appended, err := e.appendDecided(ctx, res.InstanceID, func(s *replay.Summary) ([]api.HistoryEvent, error) {
		if s.Terminal != nil {
			e.logger.DebugContext(ctx, "activity_result_dropped",
				"instance_id", res.InstanceID, "sequence_no", res.SequenceNo, "reason", "instance terminal")
			return nil, nil
		}
		if _, ok := s.Call(res.SequenceNo); !ok {
			return nil, fmt.Errorf("instance %s has no scheduled activity #%d", res.InstanceID, res.SequenceNo)
		}
		if s.HasResult(res.SequenceNo) {
			e.logger.DebugContext(ctx, "activity_result_dropped",
				"instance_id", res.InstanceID, "sequence_no", res.SequenceNo, "reason", "duplicate")
			return nil, nil
		}
		return []api.HistoryEvent{res.Event()}, nil
	})
	if err != nil || !appended {
		return err
	}

	e.updateStatus(ctx, res.InstanceID, api.StatusRunning, e.now())
	if err := e.queue.Enqueue(ctx, taskqueue.OrchestrationTask(res.InstanceID)); err != nil {
		return fmt.Errorf("enqueue replay of %s: %w", res.InstanceID, err)
	}
	return nil
}

// SweepTimeouts records a timeout failure for every scheduled call whose
// timeout elapsed without a result, and returns how many it recorded.
func (e *Engine) SweepTimeouts(ctx context.Context) (int, error) {
	recs, err := e.activeInstances(ctx)
	if err != nil {
		return 0, err
	}

	now := e.now()
	swept := 0
	for _, rec := range recs {
		history, err := e.history.Read(ctx, rec.ID)
		if err != nil {
			return swept, err
		}
		if len(history) == 0 {
			continue
		}
		summary, err := replay.Summarize(history)
		if err != nil {
			e.logger.WarnContext(ctx, "sweep_skipped", "instance_id", rec.ID, "error", err)
			continue
		}
		if summary.Terminal != nil {
			st := api.StatusFromHistory(rec.ID, history)
			e.updateStatus(ctx, rec.ID, st.Status, st.UpdatedAt)
			continue
		}
		for _, ev := range summary.Outstanding() {
			if ev.Timeout <= 0 || now.Before(ev.At.Add(ev.Timeout)) {
				continue
			}
			if err := e.CompleteActivity(ctx, api.ActivityTimedOut(rec.ID, ev.SequenceNo, ev.Timeout)); err != nil {
				return swept, err
			}
			e.logger.InfoContext(ctx, "activity_timed_out",
				"instance_id", rec.ID, "activity", ev.Name, "sequence_no", ev.SequenceNo)
			swept++
		}
	}
	return swept, nil
}

// Recover re-enqueues a replay pass and every outstanding activity call for
// each non-terminal instance, and returns how many instances it resumed.
// Work items that survived in a durable queue may run twice; duplicate
// results are dropped by CompleteActivity.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	recs, err := e.activeInstances(ctx)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, rec := range recs {
		history, err := e.history.Read(ctx, rec.ID)
		if err != nil {
			return resumed, err
		}
		if len(history) == 0 {
			// Start stopped between the index write and the log write.
			started := api.OrchestrationStartedEvent(rec.Name, rec.Input, rec.IdempotencyKey)
			if err := e.history.Append(ctx, rec.ID, 0, started); err != nil && !errors.Is(err, api.ErrAppendConflict) {
				return resumed, err
			}
			if history, err = e.history.Read(ctx, rec.ID); err != nil {
				return resumed, err
			}
		}

		summary, err := replay.Summarize(history)
		if err != nil {
			// The pass records the corruption as a failure.
			e.logger.WarnContext(ctx, "recover_corrupt_history", "instance_id", rec.ID, "error", err)
			if err := e.queue.Enqueue(ctx, taskqueue.OrchestrationTask(rec.ID)); err != nil {
				return resumed, err
			}
			resumed++
			continue
		}
		if summary.Terminal != nil {
			st := api.StatusFromHistory(rec.ID, history)
			e.updateStatus(ctx, rec.ID, st.Status, st.UpdatedAt)
			continue
		}

		for _, ev := range summary.Outstanding() {
			s := api.ScheduleActivity{
				Name:       ev.Name,
				Input:      ev.Payload,
				SequenceNo: ev.SequenceNo,
				Options:    api.ActivityOptions{Timeout: ev.Timeout, Retry: ev.Retry},
			}
			if err := e.queue.Enqueue(ctx, taskqueue.ActivityTask(rec.ID, s, ev.At)); err != nil {
				return resumed, err
			}
		}
		if err := e.queue.Enqueue(ctx, taskqueue.OrchestrationTask(rec.ID)); err != nil {
			return resumed, err
		}
		resumed++
	}

	if resumed > 0 {
		e.logger.InfoContext(ctx, "instances_recovered", "count", resumed)
	}
	return resumed, nil
}

// ResumeStalled enqueues a replay pass for every non-terminal instance that
// waits on no activity call and whose log has not grown for olderThan. Such
// an instance lost the work item of its next pass, for example when an
// enqueue failed after a result was appended. Instances leased by another
// engine are left alone. It returns how many instances it resumed.
func (e *Engine) ResumeStalled(ctx context.Context, olderThan time.Duration) (int, error) {
	recs, err := e.activeInstances(ctx)
	if err != nil {
		return 0, err
	}

	now := e.now()
	resumed := 0
	for _, rec := range recs {
		history, err := e.history.Read(ctx, rec.ID)
		if err != nil {
			return resumed, err
		}
		if len(history) == 0 || now.Sub(history[len(history)-1].At) < olderThan {
			continue
		}
		// Corrupt logs are resumed too; the pass fails them.
		if summary, err := replay.Summarize(history); err == nil {
			if summary.Terminal != nil {
				st := api.StatusFromHistory(rec.ID, history)
				e.updateStatus(ctx, rec.ID, st.Status, st.UpdatedAt)
				continue
			}
			if len(summary.Outstanding()) > 0 {
				continue
			}
		}
		if !e.idle(ctx, rec.ID) {
			continue
		}

		if err := e.queue.Enqueue(ctx, taskqueue.OrchestrationTask(rec.ID)); err != nil {
			return resumed, err
		}
		e.logger.InfoContext(ctx, "instance_resumed", "instance_id", rec.ID, "orchestration", rec.Name)
		resumed++
	}
	return resumed, nil
}

// idle reports whether nobody, in this process or another, is working on
// the instance right now.
func (e *Engine) idle(ctx context.Context, id string) bool {
	unlock := e.locks.Lock(id)
	defer unlock()
	return e.leaseFree(ctx, id)
}

func (e *Engine) activeInstances(ctx context.Context) ([]persistence.InstanceRecord, error) {
	var out []persistence.InstanceRecord
	for _, status := range []api.Status{api.StatusPending, api.StatusRunning} {
		recs, err := e.instances.ListInstances(ctx, persistence.InstanceFilter{Status: status})
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

// readExisting reads the log of an instance that must exist.
func (e *Engine) readExisting(ctx context.Context, id string) ([]api.HistoryEvent, error) {
	history, err := e.history.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("%w: %s", api.ErrUnknownInstance, id)
	}
	return history, nil
}

// appendDecided reads the log, asks decide for the events to add and
// appends them at the observed length. Conflicts re-read and decide again.
// Callers hold the instance lock, so conflicts only come from other
// processes sharing the store.
func (e *Engine) appendDecided(ctx context.Context, id string, decide func(*replay.Summary) ([]api.HistoryEvent, error)) (bool, error) {
	for attempt := 1; ; attempt++ {
		history, err := e.readExisting(ctx, id)
		if err != nil {
			return false, err
		}
		summary, err := replay.Summarize(history)
		if err != nil {
			return false, err
		}
		events, err := decide(summary)
		if err != nil || len(events) == 0 {
			return false, err
		}

		err = e.history.Append(ctx, id, int64(len(history)), events...)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, api.ErrAppendConflict) || attempt == maxAppendAttempts {
			return false, err
		}
	}
}

// updateStatus refreshes the index cache. Failures are logged only; the
// log stays authoritative.
func (e *Engine) updateStatus(ctx context.Context, id string, status api.Status, at time.Time) {
	if err := e.instances.UpdateStatus(ctx, id, status, at); err != nil {
		e.logger.WarnContext(ctx, "status_cache_update_failed",
			"instance_id", id, "status", status, "error", err)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
