package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/suite"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/petrijr/durable/internal/engine"
	"github.com/petrijr/durable/pkg/api"
	"github.com/petrijr/durable/pkg/orders"
	"github.com/petrijr/durable/pkg/worker"
)

type RouterSuite struct {
	suite.Suite

	ctx    context.Context
	eng    *engine.Engine
	worker *worker.Worker
	outbox *orders.Outbox
	router *gin.Engine
}

func TestRouterSuite(t *testing.T) {
	gin.SetMode(gin.TestMode)
	suite.Run(t, new(RouterSuite))
}

func (s *RouterSuite) SetupTest() {
	s.ctx = context.Background()
	s.eng = engine.NewInMemoryEngine()
	s.worker = worker.New(s.eng, s.eng.Queue())
	s.outbox = &orders.Outbox{}

	s.Require().NoError(orders.Register(s.eng, &orders.Activities{
		Inventory: orders.NewInventory(map[string]int{"milk": 5}),
		Payments:  orders.NewLedger(),
		Notifier:  s.outbox,
	}))

	s.router = NewRouter(s.eng, Options{
		Defaults: map[string]func() any{
			orders.OrchestrationName: func() any { return orders.DefaultOrder() },
		},
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("durable_orchestrations_started_total 1\n"))
		}),
	})
}

func (s *RouterSuite) do(method, target, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *RouterSuite) start(body string, headers ...string) startResponse {
	rec := s.do(http.MethodPost, "/orchestrations/"+orders.OrchestrationName, body, headers...)
	s.Require().Equal(http.StatusAccepted, rec.Code, rec.Body.String())

	var resp startResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	s.Equal("/orchestrations/"+resp.ID, rec.Header().Get("Location"))
	return resp
}

func (s *RouterSuite) drain() {
	_, err := s.worker.Drain(s.ctx, 100*time.Millisecond)
	s.Require().NoError(err)
}

func (s *RouterSuite) status(id string) statusResponse {
	rec := s.do(http.MethodGet, "/orchestrations/"+id, "")
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	var st statusResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &st))
	return st
}

func (s *RouterSuite) problem(rec *httptest.ResponseRecorder) ProblemDetail {
	s.Equal(ContentTypeProblemJSON, rec.Header().Get("Content-Type"))
	var p ProblemDetail
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &p))
	return p
}

func (s *RouterSuite) TestStartAndPollToCompletion() {
	resp := s.start(`{"name":"milk","totalCost":5,"quantity":2}`)
	s.NotEmpty(resp.ID)
	s.Equal("http://example.com/orchestrations/"+resp.ID, resp.StatusQueryURI)
	s.Equal("http://example.com/orchestrations/"+resp.ID+"/history", resp.HistoryQueryURI)

	s.Equal(api.StatusPending, s.status(resp.ID).Status)

	s.drain()

	st := s.status(resp.ID)
	s.Equal(api.StatusCompleted, st.Status)
	s.Equal(orders.OrchestrationName, st.Name)
	s.JSONEq(`{"processed":true}`, string(st.Output))
	s.False(st.CreatedAt.IsZero())
}

func (s *RouterSuite) TestEmptyBodyStartsDefaultOrder() {
	resp := s.start("")
	s.drain()

	rec := s.do(http.MethodGet, "/orchestrations/"+resp.ID+"/history", "")
	s.Require().Equal(http.StatusOK, rec.Code)

	var events []api.HistoryEvent
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &events))
	s.Require().NotEmpty(events)
	s.Equal(api.EventOrchestrationStarted, events[0].Type)
	s.JSONEq(`{"name":"milk","totalCost":5,"quantity":1}`, string(events[0].Payload))
	s.Equal(api.EventOrchestrationCompleted, events[len(events)-1].Type)
	for i, ev := range events {
		s.Equal(int64(i), ev.Index)
	}
}

func (s *RouterSuite) TestIdempotencyKeyReturnsSameInstance() {
	first := s.start(`{"name":"milk","totalCost":5}`, IdempotencyKeyHeader, "order-42")
	second := s.start(`{"name":"milk","totalCost":5}`, IdempotencyKeyHeader, "order-42")
	s.Equal(first.ID, second.ID)

	third := s.start(`{"name":"milk","totalCost":5}`, IdempotencyKeyHeader, "order-43")
	s.NotEqual(first.ID, third.ID)
}

func (s *RouterSuite) TestIdempotencyKeyOfOtherOrchestrationIsConflict() {
	s.Require().NoError(s.eng.RegisterOrchestration(api.OrchestrationDefinition{
		Name: "Echo",
		Fn:   func(api.OrchestrationContext) (any, error) { return "echo", nil },
	}))
	first := s.start(`{"name":"milk","totalCost":5}`, IdempotencyKeyHeader, "order-42")

	rec := s.do(http.MethodPost, "/orchestrations/Echo", `{}`, IdempotencyKeyHeader, "order-42")
	s.Equal(http.StatusConflict, rec.Code, rec.Body.String())
	p := s.problem(rec)
	s.Equal(api.ErrCodeIdempotencyConflict, p.Code)
	s.Contains(p.Detail, first.ID)
}

func (s *RouterSuite) TestStartRejectsInvalidJSON() {
	rec := s.do(http.MethodPost, "/orchestrations/"+orders.OrchestrationName, `{"name":`)
	s.Equal(http.StatusBadRequest, rec.Code)
	s.Equal(TypeBadRequest, s.problem(rec).Type)
}

func (s *RouterSuite) TestStartUnknownOrchestration() {
	rec := s.do(http.MethodPost, "/orchestrations/ShipParcel", `{}`)
	s.Equal(http.StatusNotFound, rec.Code)

	p := s.problem(rec)
	s.Equal(api.ErrCodeUnknownOrchestration, p.Code)
	s.Equal("/orchestrations/ShipParcel", p.Instance)
}

func (s *RouterSuite) TestUnknownInstanceIsNotFound() {
	for _, target := range []string{"/orchestrations/nope", "/orchestrations/nope/history"} {
		rec := s.do(http.MethodGet, target, "")
		s.Equal(http.StatusNotFound, rec.Code, target)
		s.Equal(api.ErrCodeUnknownInstance, s.problem(rec).Code)
	}

	rec := s.do(http.MethodDelete, "/orchestrations/nope", "")
	s.Equal(http.StatusNotFound, rec.Code)
}

func (s *RouterSuite) TestCancel() {
	resp := s.start("")

	rec := s.do(http.MethodDelete, "/orchestrations/"+resp.ID, `{"reason":"customer changed their mind"}`)
	s.Require().Equal(http.StatusAccepted, rec.Code, rec.Body.String())

	var st statusResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &st))
	s.Equal(api.StatusCanceled, st.Status)
	s.Equal("customer changed their mind", st.Error)

	s.drain()
	s.Equal(api.StatusCanceled, s.status(resp.ID).Status)
	s.Empty(s.outbox.Messages())

	rec = s.do(http.MethodDelete, "/orchestrations/"+resp.ID+"?reason=again", "")
	s.Equal(http.StatusConflict, rec.Code)
	s.Equal(api.ErrCodeInstanceTerminal, s.problem(rec).Code)
}

func (s *RouterSuite) TestList() {
	done := s.start("")
	s.drain()
	pending := s.start("")

	rec := s.do(http.MethodGet, "/orchestrations", "")
	s.Require().Equal(http.StatusOK, rec.Code)
	var all listResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &all))
	s.Equal(2, all.Count)

	rec = s.do(http.MethodGet, "/orchestrations?status=completed", "")
	s.Require().Equal(http.StatusOK, rec.Code)
	var completed listResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &completed))
	s.Require().Equal(1, completed.Count)
	s.Equal(done.ID, completed.Instances[0].ID)

	rec = s.do(http.MethodGet, "/orchestrations?status=PENDING&name="+orders.OrchestrationName, "")
	var pend listResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &pend))
	s.Require().Equal(1, pend.Count)
	s.Equal(pending.ID, pend.Instances[0].ID)

	rec = s.do(http.MethodGet, "/orchestrations?name=Other", "")
	var none listResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &none))
	s.Equal(0, none.Count)
	s.NotNil(none.Instances)

	rec = s.do(http.MethodGet, "/orchestrations?status=SLEEPING", "")
	s.Equal(http.StatusBadRequest, rec.Code)
}

func (s *RouterSuite) TestHealthAndMetrics() {
	rec := s.do(http.MethodGet, "/health", "")
	s.Equal(http.StatusOK, rec.Code)
	s.JSONEq(`{"status":"ok"}`, rec.Body.String())

	rec = s.do(http.MethodGet, "/metrics", "")
	s.Equal(http.StatusOK, rec.Code)
	s.Contains(rec.Body.String(), "durable_orchestrations_started_total")
}

func (s *RouterSuite) TestNoRouteIsProblem() {
	rec := s.do(http.MethodGet, "/workflows", "")
	s.Equal(http.StatusNotFound, rec.Code)
	s.Equal(TypeNotFound, s.problem(rec).Type)
}

func (s *RouterSuite) TestRequestSpans() {
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	router := NewRouter(s.eng, Options{TracerProvider: tp, ServiceName: "orderprocessor"})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	s.Equal(http.StatusOK, rec.Code)

	spans := exporter.GetSpans()
	s.Require().Len(spans, 1)
	s.Equal("/health", spans[0].Name)
}
