// Package pool runs render tasks on a fixed number of workers.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/jnyjxn/angiogen-render/internal/model"
)

// Executor runs tasks for one worker. It is never used concurrently.
type Executor interface {
	Execute(ctx context.Context, task model.RenderTask) (model.TaskResult, error)
	Close() error
}

// ExecutorFactory opens the executor for worker n.
type ExecutorFactory func(ctx context.Context, worker int) (Executor, error)

// Hooks are called from a single collector goroutine, exactly one per task.
type Hooks struct {
	OnSucceeded func(model.TaskResult)
	OnFailed    func(model.TaskFailure)
}

type Result struct {
	Succeeded []model.TaskResult
	Failed    []model.TaskFailure
	Elapsed   time.Duration
}

type Pool struct {
	Workers int // <= 0 means runtime.NumCPU()
}

func (p Pool) size(tasks int) int {
	n := p.Workers
	if n <= 0 {
		n = runtime.NumCPU()
	}
	return max(1, min(n, tasks))
}

type outcome struct {
	res  model.TaskResult
	fail *model.TaskFailure
}

// Run executes every task and blocks until all have an outcome. If any executor
// cannot be opened, no task runs: each is reported failed with the open error,
// which Run also returns.
func (p Pool) Run(ctx context.Context, tasks []model.RenderTask, open ExecutorFactory, hooks Hooks) (Result, error) {
	start := time.Now()
	var res Result
	if len(tasks) == 0 {
		return res, nil
	}

	workers := p.size(len(tasks))
	execs, err := openAll(ctx, workers, open)
	if err != nil {
		for _, t := range tasks {
			f := model.TaskFailure{Task: t, Err: err}
			res.Failed = append(res.Failed, f)
			if hooks.OnFailed != nil {
				hooks.OnFailed(f)
			}
		}
		res.Elapsed = time.Since(start)
		return res, err
	}

	queue := make(chan model.RenderTask)
	outcomes := make(chan outcome, workers)

	var wg sync.WaitGroup
	for i, ex := range execs {
		wg.Add(1)
		go func(worker int, ex Executor) {
			defer wg.Done()
			defer func() {
				if err := ex.Close(); err != nil {
					slog.Warn("pool: executor close", "worker", worker, "error", err)
				}
			}()
			for t := range queue {
				outcomes <- runOne(ctx, ex, t)
			}
		}(i, ex)
	}

	go func() {
		for _, t := range tasks {
			queue <- t
		}
		close(queue)
	}()
	go func() {
		wg.Wait()
		close(outcomes)
	}()

	for o := range outcomes {
		if o.fail != nil {
			res.Failed = append(res.Failed, *o.fail)
			if hooks.OnFailed != nil {
				hooks.OnFailed(*o.fail)
			}
			continue
		}
		res.Succeeded = append(res.Succeeded, o.res)
		if hooks.OnSucceeded != nil {
			hooks.OnSucceeded(o.res)
		}
	}
	res.Elapsed = time.Since(start)
	return res, nil
}

func openAll(ctx context.Context, n int, open ExecutorFactory) ([]Executor, error) {
	execs := make([]Executor, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range execs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			execs[i], errs[i] = open(ctx, i)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err == nil {
			continue
		}
		for j, ex := range execs {
			if errs[j] == nil && ex != nil {
				_ = ex.Close()
			}
		}
		return nil, fmt.Errorf("open worker %d: %w", i, err)
	}
	return execs, nil
}

func runOne(ctx context.Context, ex Executor, t model.RenderTask) (o outcome) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("pool: task panic", "mesh", t.MeshDir, "panic", r, "stack", string(debug.Stack()))
			o = outcome{fail: &model.TaskFailure{Task: t, Err: fmt.Errorf("panic: %v", r)}}
		}
	}()
	res, err := ex.Execute(ctx, t)
	if err != nil {
		return outcome{fail: &model.TaskFailure{Task: t, Err: err}}
	}
	res.Task = t
	return outcome{res: res}
}
