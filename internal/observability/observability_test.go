package observability

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/durable/pkg/api"
)

func TestPrometheusObserverCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs, err := NewPrometheusObserver(reg)
	require.NoError(t, err)

	ctx := context.Background()
	inst := &api.InstanceStatus{ID: "i-1", Name: "ProcessOrder"}

	obs.OnOrchestrationStart(ctx, inst)
	obs.OnReplay(ctx, inst, api.Decision{Schedule: []api.ScheduleActivity{{Name: "ReserveInventory", SequenceNo: 1}}}, time.Millisecond)
	obs.OnReplay(ctx, inst, api.Decision{}, time.Millisecond)
	obs.OnActivityCompleted(ctx, api.ActivityInfo{Name: "ReserveInventory"}, nil, 10*time.Millisecond)
	obs.OnActivityCompleted(ctx, api.ActivityInfo{Name: "ProcessPayment"}, errors.New("declined"), time.Millisecond)
	obs.OnOrchestrationCompleted(ctx, inst)
	obs.OnOrchestrationFailed(ctx, inst, fmt.Errorf("%w: bad", api.ErrNondeterminism))

	assert.Equal(t, 1.0, testutil.ToFloat64(obs.started.WithLabelValues("ProcessOrder")))
	assert.Equal(t, 1.0, testutil.ToFloat64(obs.completed.WithLabelValues("ProcessOrder")))
	assert.Equal(t, 1.0, testutil.ToFloat64(obs.failed.WithLabelValues("ProcessOrder", api.ErrCodeNondeterminism)))
	assert.Equal(t, 1.0, testutil.ToFloat64(obs.replays.WithLabelValues("ProcessOrder", "schedule")))
	assert.Equal(t, 1.0, testutil.ToFloat64(obs.replays.WithLabelValues("ProcessOrder", "noop")))
	assert.Equal(t, 1.0, testutil.ToFloat64(obs.activityAttempts.WithLabelValues("ReserveInventory", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(obs.activityAttempts.WithLabelValues("ProcessPayment", "error")))
	assert.Equal(t, 2, testutil.CollectAndCount(obs.activityDuration))
}

func TestPrometheusObserverRejectsDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewPrometheusObserver(reg)
	require.NoError(t, err)

	_, err = NewPrometheusObserver(reg)
	assert.Error(t, err)
}

func TestRegistryHandlerExposesMetrics(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)

	obs, err := NewPrometheusObserver(reg.Registerer())
	require.NoError(t, err)
	obs.OnOrchestrationStart(context.Background(), &api.InstanceStatus{Name: "ProcessOrder"})

	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `durable_orchestrations_started_total{orchestration="ProcessOrder"} 1`)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestInitTracingExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	ctx := context.Background()

	tp, shutdown, err := InitTracing(ctx, TracingConfig{Enabled: true, ServiceName: "durable-test", Output: &buf})
	require.NoError(t, err)

	_, span := tp.Tracer("test").Start(ctx, "orchestration.replay")
	span.End()
	require.NoError(t, shutdown(ctx))

	assert.Contains(t, buf.String(), "orchestration.replay")
	assert.Contains(t, buf.String(), "durable-test")
}

func TestInitTracingDisabledIsNoop(t *testing.T) {
	ctx := context.Background()
	tp, shutdown, err := InitTracing(ctx, TracingConfig{})
	require.NoError(t, err)

	_, span := tp.Tracer("test").Start(ctx, "ignored")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, shutdown(ctx))
}
