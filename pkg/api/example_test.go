package api_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/petrijr/durable/internal/engine"
	"github.com/petrijr/durable/pkg/api"
	"github.com/petrijr/durable/pkg/worker"
)

// ExampleOrchestrationDefinition registers an orchestration and its activity
// directly with the api types and drives them with a worker.
func ExampleOrchestrationDefinition() {
	ctx := context.Background()
	eng := engine.NewInMemoryEngine()

	greet := api.ActivityDefinition{
		Name: "Greet",
		Fn: api.TypedActivity(func(_ context.Context, name string) (string, error) {
			return "hello " + name, nil
		}),
		Options: api.ActivityOptions{Timeout: time.Second},
	}
	hello := api.OrchestrationDefinition{
		Name: "Hello",
		Fn: func(ctx api.OrchestrationContext) (any, error) {
			var name string
			if err := ctx.GetInput(&name); err != nil {
				return nil, err
			}
			var greeting string
			err := ctx.CallActivity("Greet", name, &greeting)
			return greeting, err
		},
	}

	if err := eng.RegisterActivity(greet); err != nil {
		log.Fatal(err)
	}
	if err := eng.RegisterOrchestration(hello); err != nil {
		log.Fatal(err)
	}

	id, err := eng.Start(ctx, "Hello", "gopher")
	if err != nil {
		log.Fatal(err)
	}
	if _, err := worker.New(eng, eng.Queue()).Drain(ctx, 50*time.Millisecond); err != nil {
		log.Fatal(err)
	}

	st, err := eng.QueryStatus(ctx, id)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(st.Status, string(st.Output))
	// Output: COMPLETED "hello gopher"
}
