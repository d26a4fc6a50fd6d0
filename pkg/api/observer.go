package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// ActivityInfo identifies one attempt of an activity call.
type ActivityInfo struct {
	InstanceID string
	Name       string
	SequenceNo int
	Attempt    int
}

// Observer receives callbacks from the engine and workers for logging and
// metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay orchestration progress.
type Observer interface {
	// OnOrchestrationStart is called once when an instance is created.
	OnOrchestrationStart(ctx context.Context, inst *InstanceStatus)

	// OnOrchestrationCompleted is called when an instance reaches
	// StatusCompleted.
	OnOrchestrationCompleted(ctx context.Context, inst *InstanceStatus)

	// OnOrchestrationFailed is called when an instance reaches StatusFailed.
	OnOrchestrationFailed(ctx context.Context, inst *InstanceStatus, err error)

	// OnReplay is called after every replay pass whose decision was
	// recorded. Discarded passes are not reported.
	OnReplay(ctx context.Context, inst *InstanceStatus, decision Decision, duration time.Duration)

	// OnActivityStart is called before each attempt of an activity.
	OnActivityStart(ctx context.Context, info ActivityInfo)

	// OnActivityCompleted is called after each attempt, for both successes
	// and failures (err != nil).
	OnActivityCompleted(ctx context.Context, info ActivityInfo, err error, duration time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnOrchestrationStart(ctx context.Context, inst *InstanceStatus)     {}
func (NoopObserver) OnOrchestrationCompleted(ctx context.Context, inst *InstanceStatus) {}
func (NoopObserver) OnOrchestrationFailed(ctx context.Context, inst *InstanceStatus, err error) {
}
func (NoopObserver) OnReplay(ctx context.Context, inst *InstanceStatus, d Decision, dur time.Duration) {
}
func (NoopObserver) OnActivityStart(ctx context.Context, info ActivityInfo) {}
func (NoopObserver) OnActivityCompleted(ctx context.Context, info ActivityInfo, err error, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnOrchestrationStart(ctx context.Context, inst *InstanceStatus) {
	for _, o := range c.observers {
		o.OnOrchestrationStart(ctx, inst)
	}
}

func (c *CompositeObserver) OnOrchestrationCompleted(ctx context.Context, inst *InstanceStatus) {
	for _, o := range c.observers {
		o.OnOrchestrationCompleted(ctx, inst)
	}
}

func (c *CompositeObserver) OnOrchestrationFailed(ctx context.Context, inst *InstanceStatus, err error) {
	for _, o := range c.observers {
		o.OnOrchestrationFailed(ctx, inst, err)
	}
}

func (c *CompositeObserver) OnReplay(ctx context.Context, inst *InstanceStatus, d Decision, dur time.Duration) {
	for _, o := range c.observers {
		o.OnReplay(ctx, inst, d, dur)
	}
}

func (c *CompositeObserver) OnActivityStart(ctx context.Context, info ActivityInfo) {
	for _, o := range c.observers {
		o.OnActivityStart(ctx, info)
	}
}

func (c *CompositeObserver) OnActivityCompleted(ctx context.Context, info ActivityInfo, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnActivityCompleted(ctx, info, err, d)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs orchestration and
// activity lifecycle events using the provided slog.Logger. If logger is
// nil, slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnOrchestrationStart(ctx context.Context, inst *InstanceStatus) {
	o.Logger.InfoContext(ctx, "orchestration_start",
		slog.String("orchestration", inst.Name),
		slog.String("instance_id", inst.ID),
	)
}

func (o *LoggingObserver) OnOrchestrationCompleted(ctx context.Context, inst *InstanceStatus) {
	o.Logger.InfoContext(ctx, "orchestration_completed",
		slog.String("orchestration", inst.Name),
		slog.String("instance_id", inst.ID),
	)
}

func (o *LoggingObserver) OnOrchestrationFailed(ctx context.Context, inst *InstanceStatus, err error) {
	o.Logger.ErrorContext(ctx, "orchestration_failed",
		slog.String("orchestration", inst.Name),
		slog.String("instance_id", inst.ID),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnReplay(ctx context.Context, inst *InstanceStatus, d Decision, dur time.Duration) {
	o.Logger.DebugContext(ctx, "replay_pass",
		slog.String("orchestration", inst.Name),
		slog.String("instance_id", inst.ID),
		slog.Int("scheduled", len(d.Schedule)),
		slog.Bool("terminal", d.IsTerminal()),
		slog.Duration("duration", dur),
	)
}

func (o *LoggingObserver) OnActivityStart(ctx context.Context, info ActivityInfo) {
	o.Logger.DebugContext(ctx, "activity_start",
		slog.String("instance_id", info.InstanceID),
		slog.String("activity", info.Name),
		slog.Int("sequence_no", info.SequenceNo),
		slog.Int("attempt", info.Attempt),
	)
}

func (o *LoggingObserver) OnActivityCompleted(ctx context.Context, info ActivityInfo, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "activity_completed",
		slog.String("instance_id", info.InstanceID),
		slog.String("activity", info.Name),
		slog.Int("sequence_no", info.SequenceNo),
		slog.Int("attempt", info.Attempt),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate activity durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	started       atomic.Int64
	completed     atomic.Int64
	failed        atomic.Int64
	replays       atomic.Int64
	activitiesOK  atomic.Int64
	activityError atomic.Int64
	totalDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	OrchestrationsStarted   int64
	OrchestrationsCompleted int64
	OrchestrationsFailed    int64
	PendingOrchestrations   int64

	ReplayPasses int64

	ActivitiesCompleted int64
	ActivityErrors      int64
	AvgActivityDuration time.Duration
}

func (m *BasicMetrics) OnOrchestrationStart(ctx context.Context, inst *InstanceStatus) {
	m.started.Add(1)
}

func (m *BasicMetrics) OnOrchestrationCompleted(ctx context.Context, inst *InstanceStatus) {
	m.completed.Add(1)
}

func (m *BasicMetrics) OnOrchestrationFailed(ctx context.Context, inst *InstanceStatus, err error) {
	m.failed.Add(1)
}

func (m *BasicMetrics) OnReplay(ctx context.Context, inst *InstanceStatus, d Decision, dur time.Duration) {
	m.replays.Add(1)
}

func (m *BasicMetrics) OnActivityCompleted(ctx context.Context, info ActivityInfo, err error, d time.Duration) {
	// Only successful attempts count towards the average duration.
	if err != nil {
		m.activityError.Add(1)
		return
	}
	m.activitiesOK.Add(1)
	m.totalDuration.Add(d.Nanoseconds())
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.started.Load()
	completed := m.completed.Load()
	failed := m.failed.Load()
	ok := m.activitiesOK.Load()
	totalNs := m.totalDuration.Load()

	var avg time.Duration
	if ok > 0 {
		avg = time.Duration(totalNs / ok)
	}

	return BasicMetricsSnapshot{
		OrchestrationsStarted:   started,
		OrchestrationsCompleted: completed,
		OrchestrationsFailed:    failed,
		PendingOrchestrations:   started - completed - failed,
		ReplayPasses:            m.replays.Load(),
		ActivitiesCompleted:     ok,
		ActivityErrors:          m.activityError.Load(),
		AvgActivityDuration:     avg,
	}
}
