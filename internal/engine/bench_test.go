package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/tutorwiseapp/cas/internal/store"
	"github.com/tutorwiseapp/cas/internal/transport"
	"github.com/tutorwiseapp/cas/pkg/schema"
)

func BenchmarkWorkerPoolSubmit(b *testing.B) {
	for _, size := range []int{1, 8, 64} {
		b.Run(fmt.Sprintf("size=%d", size), func(b *testing.B) {
			pool := NewWorkerPool(size)
			defer pool.Shutdown()
			ctx := context.Background()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_ = pool.Submit(ctx, fmt.Sprintf("task-%d", i%size), func(context.Context) error { return nil })
			}
			pool.Wait()
		})
	}
}

func BenchmarkExecuteTask(b *testing.B) {
	tr := transport.NewMemoryTransport(nil)
	defer tr.Close()
	rt, err := NewLocalEngine(testDeps(store.NewMemoryStore(), tr, nil))
	if err != nil {
		b.Fatal(err)
	}
	ctx := context.Background()
	if err := rt.Initialize(ctx); err != nil {
		b.Fatal(err)
	}
	defer rt.Shutdown(ctx)
	err = rt.RegisterAgent(ctx, schema.RoleDeveloper, AgentConfig{Concurrency: 4, Worker: WorkerFunc(
		func(context.Context, *schema.Task, Emitter) (json.RawMessage, error) {
			return json.RawMessage(`{}`), nil
		})})
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := rt.ExecuteTask(ctx, &schema.Task{Role: schema.RoleDeveloper}); err != nil {
			b.Fatal(err)
		}
	}
}
