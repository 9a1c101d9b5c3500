package sagaflow_test

import (
	"context"
	"fmt"
	"log"

	sagaflow "github.com/petrijr/sagaflow"
)

// Example shows the minimal end-to-end flow: define a workflow, bind
// handlers, run a transaction and read its result.
func Example() {
	ctx := context.Background()
	runner := sagaflow.NewLocalRunner(sagaflow.Options{})

	def := sagaflow.NewWorkflow("Greet", "1").
		Task("makeGreeting", "greet", map[string]any{
			"name": "${workflow.input.name}",
		}).
		MustDefinition()
	if err := runner.RegisterWorkflow(ctx, def); err != nil {
		log.Fatal(err)
	}

	runner.Handle("makeGreeting", func(ctx context.Context, task *sagaflow.TaskInstance) (any, error) {
		in := task.Input.(map[string]any)
		return fmt.Sprintf("hello, %s", in["name"]), nil
	})

	runner.Start(ctx)
	defer runner.Stop()

	txn, err := runner.Run(ctx, "Greet", "1", map[string]any{"name": "world"})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(txn.Status)
	fmt.Println(txn.Output)
	// Output:
	// COMPLETED
	// hello, world
}
