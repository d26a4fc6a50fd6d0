package durable

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/durable/internal/engine"
	"github.com/petrijr/durable/pkg/api"
)

// Public type aliases so users can stay in the durable package.
type (
	Engine                  = api.Engine
	Executor                = api.Executor
	Orchestration           = api.Orchestration
	OrchestrationContext    = api.OrchestrationContext
	OrchestrationDefinition = api.OrchestrationDefinition
	ActivityFunc            = api.ActivityFunc
	ActivityDefinition      = api.ActivityDefinition
	ActivityOptions         = api.ActivityOptions
	ActivityOption          = api.ActivityOption
	ActivityError           = api.ActivityError
	Task                    = api.Task
	RetryPolicy             = api.RetryPolicy
	BackoffStrategy         = api.BackoffStrategy
	Status                  = api.Status
	InstanceStatus          = api.InstanceStatus
	InstanceListOptions     = api.InstanceListOptions
	HistoryEvent            = api.HistoryEvent
	StartOption             = api.StartOption
	Observer                = api.Observer
	BasicMetrics            = api.BasicMetrics
	BasicMetricsSnapshot    = api.BasicMetricsSnapshot
)

// Re-exported status constants.
const (
	StatusPending   = api.StatusPending
	StatusRunning   = api.StatusRunning
	StatusCompleted = api.StatusCompleted
	StatusFailed    = api.StatusFailed
	StatusCanceled  = api.StatusCanceled
)

// Re-exported sentinel errors.
var (
	ErrUnknownInstance      = api.ErrUnknownInstance
	ErrUnknownOrchestration = api.ErrUnknownOrchestration
	ErrInstanceTerminal     = api.ErrInstanceTerminal
	ErrAlreadyRegistered    = api.ErrAlreadyRegistered
	ErrIdempotencyConflict  = api.ErrIdempotencyConflict
)

// NewInMemoryEngine returns an Engine whose history, index and queue live
// in process memory.
func NewInMemoryEngine() *engine.Engine {
	return engine.NewInMemoryEngine()
}

// NewSQLiteEngine returns an Engine persisted in db.
func NewSQLiteEngine(db *sql.DB) (*engine.Engine, error) {
	return engine.NewSQLiteEngine(db)
}

// NewPostgresEngine returns an Engine persisted in PostgreSQL. db must be
// opened with the pgx driver.
func NewPostgresEngine(db *sql.DB) (*engine.Engine, error) {
	return engine.NewPostgresEngine(db)
}

// NewMongoEngine returns an Engine persisted in the MongoDB database dbName.
func NewMongoEngine(ctx context.Context, client *mongo.Client, dbName string) (*engine.Engine, error) {
	return engine.NewMongoEngine(ctx, client, dbName)
}

// NewRedisEngine returns an Engine persisted in Redis under prefix.
func NewRedisEngine(client *redis.Client, prefix string) (*engine.Engine, error) {
	return engine.NewRedisEngine(client, prefix)
}

// WithIdempotencyKey makes Start return the existing instance started with
// the same key.
func WithIdempotencyKey(key string) StartOption {
	return api.WithIdempotencyKey(key)
}

// WithTimeout bounds a single activity call.
func WithTimeout(d time.Duration) ActivityOption {
	return api.WithTimeout(d)
}

// WithRetry sets the retry policy of an activity call.
func WithRetry(p RetryPolicy) ActivityOption {
	return api.WithRetry(p)
}

// TypedActivity adapts a strongly typed function to an ActivityFunc.
func TypedActivity[In any, Out any](fn func(ctx context.Context, in In) (Out, error)) ActivityFunc {
	return api.TypedActivity(fn)
}

// NonRetryable marks err as terminal for the retry loop.
func NonRetryable(err error) error {
	return api.NonRetryable(err)
}

// NewLoggingObserver returns an Observer that logs lifecycle events.
func NewLoggingObserver(logger *slog.Logger) Observer {
	return api.NewLoggingObserver(logger)
}

// NewCompositeObserver fans events out to all given observers.
func NewCompositeObserver(obs ...Observer) Observer {
	return api.NewCompositeObserver(obs...)
}

// Start begins a new instance of the named orchestration.
func Start(ctx context.Context, eng Engine, name string, input any, opts ...StartOption) (string, error) {
	return eng.Start(ctx, name, input, opts...)
}

// GetInstance returns the current status of an instance.
func GetInstance(ctx context.Context, eng Engine, id string) (InstanceStatus, error) {
	return eng.QueryStatus(ctx, id)
}

// ListInstances lists instances matching opts.
func ListInstances(ctx context.Context, eng Engine, opts InstanceListOptions) ([]InstanceStatus, error) {
	return eng.ListInstances(ctx, opts)
}
