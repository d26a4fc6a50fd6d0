// Package httpapi is the HTTP front door of the engine: start instances,
// poll their status and history, cancel and list them.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/trace"

	"github.com/petrijr/durable/pkg/api"
)

// Options configures the router.
type Options struct {
	// Defaults supplies the input of a start request with an empty body,
	// keyed by orchestration name.
	Defaults map[string]func() any

	// Metrics is served on MetricsPath when set.
	Metrics     http.Handler
	MetricsPath string

	// TracerProvider enables request spans when set.
	TracerProvider trace.TracerProvider
	ServiceName    string

	Logger *slog.Logger
}

// NewRouter builds the gin engine serving the orchestration API.
func NewRouter(engine api.Engine, opts Options) *gin.Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	if opts.TracerProvider != nil {
		r.Use(otelgin.Middleware(opts.ServiceName, otelgin.WithTracerProvider(opts.TracerProvider)))
	}
	r.Use(requestLogger(logger))

	h := &handlers{engine: engine, defaults: opts.Defaults, logger: logger}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if opts.Metrics != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(opts.Metrics))
	}

	g := r.Group("/orchestrations")
	g.GET("", h.list)
	g.POST("/:name", h.start)
	g.GET("/:id", h.status)
	g.GET("/:id/history", h.history)
	g.DELETE("/:id", h.cancel)

	r.NoRoute(func(c *gin.Context) {
		respondProblem(c, ErrNotFound.WithDetail("no route for "+c.Request.Method+" "+c.Request.URL.Path))
	})
	return r
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		level := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		logger.Log(c.Request.Context(), level, "http_request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	}
}
