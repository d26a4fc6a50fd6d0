package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/petrijr/durable/pkg/api"
)

// IdempotencyKeyHeader makes repeated start requests return the same
// instance.
const IdempotencyKeyHeader = "Idempotency-Key"

const maxBodyBytes = 1 << 20

// startResponse tells the caller where to poll for the outcome.
type startResponse struct {
	ID              string `json:"id"`
	StatusQueryURI  string `json:"statusQueryUri"`
	HistoryQueryURI string `json:"historyQueryUri"`
	CancelURI       string `json:"cancelUri"`
}

type statusResponse struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Status    api.Status      `json:"status"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

func toStatusResponse(st api.InstanceStatus) statusResponse {
	return statusResponse{
		ID:        st.ID,
		Name:      st.Name,
		Status:    st.Status,
		Output:    st.Output,
		Error:     st.Error,
		CreatedAt: st.CreatedAt,
		UpdatedAt: st.UpdatedAt,
	}
}

type listResponse struct {
	Instances []statusResponse `json:"instances"`
	Count     int              `json:"count"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// handlers serves the orchestration endpoints.
type handlers struct {
	engine   api.Engine
	defaults map[string]func() any
	logger   *slog.Logger
}

// start handles POST /orchestrations/:name.
func (h *handlers) start(c *gin.Context) {
	name := c.Param("name")

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil {
		respondProblem(c, ErrBadRequest.WithDetail(err.Error()))
		return
	}
	if len(body) > maxBodyBytes {
		respondProblem(c, ErrBadRequest.WithDetail("request body too large"))
		return
	}

	var input any
	if len(strings.TrimSpace(string(body))) == 0 {
		if def, ok := h.defaults[name]; ok {
			input = def()
		}
	} else {
		if !json.Valid(body) {
			respondProblem(c, ErrBadRequest.WithDetail("request body is not valid JSON"))
			return
		}
		input = json.RawMessage(body)
	}

	var opts []api.StartOption
	if key := strings.TrimSpace(c.GetHeader(IdempotencyKeyHeader)); key != "" {
		opts = append(opts, api.WithIdempotencyKey(key))
	}

	id, err := h.engine.Start(c.Request.Context(), name, input, opts...)
	if err != nil {
		respondError(c, err)
		return
	}
	h.logger.InfoContext(c.Request.Context(), "orchestration_started_via_http",
		slog.String("orchestration", name),
		slog.String("instance_id", id),
	)

	location := instancePath(id)
	base := baseURL(c.Request)
	c.Header("Location", location)
	c.JSON(http.StatusAccepted, startResponse{
		ID:              id,
		StatusQueryURI:  base + location,
		HistoryQueryURI: base + location + "/history",
		CancelURI:       base + location,
	})
}

// status handles GET /orchestrations/:id.
func (h *handlers) status(c *gin.Context) {
	st, err := h.engine.QueryStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toStatusResponse(st))
}

// history handles GET /orchestrations/:id/history.
func (h *handlers) history(c *gin.Context) {
	events, err := h.engine.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

// cancel handles DELETE /orchestrations/:id. The reason comes from the
// "reason" query parameter or a JSON body.
func (h *handlers) cancel(c *gin.Context) {
	id := c.Param("id")
	reason := c.Query("reason")
	if reason == "" && c.Request.ContentLength != 0 {
		var req cancelRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			respondProblem(c, ErrBadRequest.WithDetail(err.Error()))
			return
		}
		reason = req.Reason
	}

	if err := h.engine.Cancel(c.Request.Context(), id, reason); err != nil {
		respondError(c, err)
		return
	}
	st, err := h.engine.QueryStatus(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, toStatusResponse(st))
}

// list handles GET /orchestrations?name=&status=.
func (h *handlers) list(c *gin.Context) {
	opts := api.InstanceListOptions{Name: c.Query("name")}
	if s := c.Query("status"); s != "" {
		status := api.Status(strings.ToUpper(s))
		if status.Rank() == 0 {
			respondProblem(c, ErrBadRequest.WithDetail("unknown status "+s))
			return
		}
		opts.Status = status
	}

	instances, err := h.engine.ListInstances(c.Request.Context(), opts)
	if err != nil {
		respondError(c, err)
		return
	}
	out := listResponse{Instances: make([]statusResponse, 0, len(instances)), Count: len(instances)}
	for _, st := range instances {
		out.Instances = append(out.Instances, toStatusResponse(st))
	}
	c.JSON(http.StatusOK, out)
}

func instancePath(id string) string {
	return "/orchestrations/" + id
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}
