package virta

import (
	"context"
	"errors"
	"sync"

	"github.com/petrijr/virta/pkg/worker"
)

// LocalRunner bundles an in-memory Engine with a Worker, for tests and
// simple single-process deployments.
//
// Typical usage:
//
//	runner := virta.NewLocalRunner()
//	runner.Engine.Registry().RegisterWorkflow("greet", greetFlow)
//	_ = runner.StartWorkers(ctx, 2)
//	defer runner.Stop()
//
//	h, _ := runner.Engine.StartWorkflow(ctx, "greet", "dev", virta.StartOptions{})
//	result, _ := virta.GetResult(ctx, runner.Engine, h)
type LocalRunner struct {
	// Engine is the in-memory workflow engine used by this runner.
	Engine *Engine

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by an in-memory engine
// and queue.
func NewLocalRunner() *LocalRunner {
	return &LocalRunner{Engine: NewInMemoryEngine()}
}

// StartWorkers starts a Worker with the given poll concurrency. It returns
// once the worker is polling; call Stop to shut it down.
//
// If StartWorkers is called again without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("virta: LocalRunner already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true

	w := worker.New(r.Engine, worker.Config{Concurrency: concurrency})
	go func() {
		defer close(r.done)
		_ = w.Run(ctx)
	}()
	return nil
}

// Stop cancels the worker and waits for its poll loops to exit. It is safe
// to call Stop multiple times.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}
	r.cancel()
	<-r.done
	r.running = false
}
