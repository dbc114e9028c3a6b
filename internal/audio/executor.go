package audio

import (
	"log/slog"
	"sync"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

// Executor runs tasks one at a time on a single goroutine. The tap recorder
// uses it as its controlling context: finalize never runs anywhere else.
type Executor struct {
	name  string
	tasks chan func()

	mu     sync.Mutex
	closed bool
	wg     conc.WaitGroup
}

// NewExecutor starts the executor goroutine.
func NewExecutor(name string, queue int) *Executor {
	if queue < 1 {
		queue = 1
	}
	e := &Executor{
		name:  name,
		tasks: make(chan func(), queue),
	}
	e.wg.Go(e.run)
	return e
}

func (e *Executor) run() {
	for task := range e.tasks {
		var pc panics.Catcher
		pc.Try(task)
		if r := pc.Recovered(); r != nil {
			slog.Error("Executor task panicked", "executor", e.name, "panic", r.Value, "stack", string(r.Stack))
		}
	}
	slog.Debug("Executor stopped", "executor", e.name)
}

// Submit queues a task. It returns ErrExecutorClosed after Close.
func (e *Executor) Submit(task func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrExecutorClosed
	}
	e.tasks <- task
	return nil
}

// Close runs the queued tasks and waits for the goroutine to exit.
// It must not be called from inside a task.
func (e *Executor) Close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.tasks)
	}
	e.mu.Unlock()

	e.wg.Wait()
}
