package durable_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/petrijr/durable"
	"github.com/petrijr/durable/pkg/orders"
)

// Example_localRunner runs the order workflow on an in-process engine and
// worker pool.
func Example_localRunner() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runner := durable.NewLocalRunner()

	outbox := &orders.Outbox{}
	err := orders.Register(runner.Engine, &orders.Activities{
		Inventory: orders.NewInventory(map[string]int{"milk": 10}),
		Payments:  orders.NewLedger(),
		Notifier:  outbox,
	})
	if err != nil {
		log.Fatal(err)
	}

	if err := runner.StartWorkers(ctx, 2); err != nil {
		log.Fatal(err)
	}
	defer runner.Stop()

	id, err := runner.Start(ctx, orders.OrchestrationName, orders.DefaultOrder())
	if err != nil {
		log.Fatal(err)
	}

	st, err := runner.WaitForCompletion(ctx, id)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println(st.Status, string(st.Output))
	// Output: COMPLETED {"processed":true}
}

// Example_retry builds a retry policy for an activity definition.
func Example_retry() {
	policy := durable.Retry(3).
		WithExponentialBackoff(100*time.Millisecond, 2.0, time.Second).
		Policy()

	for attempt := 1; attempt < policy.MaxAttempts; attempt++ {
		fmt.Println(policy.Delay(attempt))
	}
	// Output:
	// 100ms
	// 200ms
}
