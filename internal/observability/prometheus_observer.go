package observability

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/petrijr/durable/pkg/api"
)

const namespace = "durable"

// PrometheusObserver exports engine and worker callbacks as Prometheus
// metrics.
type PrometheusObserver struct {
	started   *prometheus.CounterVec
	completed *prometheus.CounterVec
	failed    *prometheus.CounterVec

	replays        *prometheus.CounterVec
	replayDuration prometheus.Histogram

	activityAttempts *prometheus.CounterVec
	activityDuration *prometheus.HistogramVec
}

var _ api.Observer = (*PrometheusObserver)(nil)

// NewPrometheusObserver creates the metrics and registers them with reg.
func NewPrometheusObserver(reg prometheus.Registerer) (*PrometheusObserver, error) {
	o := &PrometheusObserver{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orchestrations_started_total",
			Help:      "Orchestration instances started.",
		}, []string{"orchestration"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orchestrations_completed_total",
			Help:      "Orchestration instances that completed.",
		}, []string{"orchestration"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orchestrations_failed_total",
			Help:      "Orchestration instances that failed.",
		}, []string{"orchestration", "code"}),
		replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_passes_total",
			Help:      "Replay passes by decision kind.",
		}, []string{"orchestration", "decision"}),
		replayDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "replay_duration_seconds",
			Help:      "Time spent re-running definitions.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		activityAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activity_attempts_total",
			Help:      "Activity attempts by outcome.",
		}, []string{"activity", "outcome"}),
		activityDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "activity_duration_seconds",
			Help:      "Duration of activity attempts.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"activity"}),
	}

	for _, c := range []prometheus.Collector{
		o.started, o.completed, o.failed,
		o.replays, o.replayDuration,
		o.activityAttempts, o.activityDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("registering engine metrics: %w", err)
		}
	}
	return o, nil
}

func (o *PrometheusObserver) OnOrchestrationStart(ctx context.Context, inst *api.InstanceStatus) {
	o.started.WithLabelValues(inst.Name).Inc()
}

func (o *PrometheusObserver) OnOrchestrationCompleted(ctx context.Context, inst *api.InstanceStatus) {
	o.completed.WithLabelValues(inst.Name).Inc()
}

func (o *PrometheusObserver) OnOrchestrationFailed(ctx context.Context, inst *api.InstanceStatus, err error) {
	code := api.ErrorCode(err)
	if code == "" {
		code = "DEFINITION_ERROR"
	}
	o.failed.WithLabelValues(inst.Name, code).Inc()
}

func (o *PrometheusObserver) OnReplay(ctx context.Context, inst *api.InstanceStatus, d api.Decision, dur time.Duration) {
	o.replays.WithLabelValues(inst.Name, decisionKind(d)).Inc()
	o.replayDuration.Observe(dur.Seconds())
}

func (o *PrometheusObserver) OnActivityStart(ctx context.Context, info api.ActivityInfo) {}

func (o *PrometheusObserver) OnActivityCompleted(ctx context.Context, info api.ActivityInfo, err error, d time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	o.activityAttempts.WithLabelValues(info.Name, outcome).Inc()
	o.activityDuration.WithLabelValues(info.Name).Observe(d.Seconds())
}

func decisionKind(d api.Decision) string {
	switch {
	case d.Complete != nil:
		return "complete"
	case d.Fail != nil:
		return "fail"
	case len(d.Schedule) > 0:
		return "schedule"
	}
	return "noop"
}
