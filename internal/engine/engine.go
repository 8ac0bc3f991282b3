// Package engine turns render requests into jobs and runs them on the worker pool.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/jnyjxn/angiogen-render/internal/blob"
	"github.com/jnyjxn/angiogen-render/internal/jobs"
	"github.com/jnyjxn/angiogen-render/internal/model"
	"github.com/jnyjxn/angiogen-render/internal/planner"
	"github.com/jnyjxn/angiogen-render/internal/pool"
	"github.com/jnyjxn/angiogen-render/internal/render"
	"github.com/jnyjxn/angiogen-render/internal/viewset"
)

// ErrInvalidRequest wraps every request problem found before a job is created.
var ErrInvalidRequest = errors.New("invalid render request")

// Store persists job history. Writes are best effort.
type Store interface {
	CreateJob(ctx context.Context, job model.JobSnapshot, requestJSON string) error
	UpdateJob(ctx context.Context, id string, patch model.JobPatch) error
}

type Config struct {
	MeshRoot  string
	MeshFiles []string
	Workers   int
	Camera    model.CameraConfig
}

type Engine struct {
	cfg      Config
	registry *jobs.Registry
	backend  render.Backend
	store    Store
	newID    func() string
	wg       sync.WaitGroup
}

// New builds an engine. store may be nil.
func New(cfg Config, registry *jobs.Registry, backend render.Backend, store Store) *Engine {
	if len(cfg.MeshFiles) == 0 {
		cfg.MeshFiles = []string{"mesh.stl"}
	}
	return &Engine{
		cfg:      cfg,
		registry: registry,
		backend:  backend,
		store:    store,
		newID:    uuid.NewString,
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// Submit validates req, plans its tasks, registers the job and starts it in the
// background. The returned snapshot is the job's initial state.
func (e *Engine) Submit(ctx context.Context, req model.RenderRequest) (model.JobSnapshot, error) {
	if err := req.Validate(); err != nil {
		return model.JobSnapshot{}, invalid("%v", err)
	}
	sets, err := viewset.Expand(req.AngleSets)
	if err != nil {
		return model.JobSnapshot{}, invalid("%v", err)
	}

	root := blob.LocalFS{Root: e.cfg.MeshRoot}
	if req.MeshRoot != "" {
		if root, err = root.Sub(req.MeshRoot); err != nil {
			return model.JobSnapshot{}, invalid("mesh root: %v", err)
		}
	}
	dirs, err := planner.Discover(root, e.cfg.MeshFiles)
	if err != nil {
		return model.JobSnapshot{}, invalid("mesh root: %v", err)
	}

	cam := e.cfg.Camera
	if req.Camera != nil {
		cam = *req.Camera
	}
	tasks := planner.Plan(dirs, sets, planner.Options{
		FileSuffix:  req.FileSuffix,
		Camera:      cam,
		TableOffset: req.TableOffset,
		Output:      req.Output,
	})

	id := e.newID()
	snap, err := e.registry.CreateJob(id, len(tasks))
	if err != nil {
		return model.JobSnapshot{}, err
	}
	if e.store != nil {
		body, _ := json.Marshal(req)
		if err := e.store.CreateJob(ctx, snap, string(body)); err != nil {
			slog.Warn("engine: store create job", "job", id, "error", err)
		}
	}
	slog.Info("engine: job submitted", "job", id, "meshes", len(dirs), "viewSets", len(sets), "root", root.Root)

	workers := e.cfg.Workers
	if req.Parallelism > 0 {
		workers = req.Parallelism
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.Run(context.Background(), id, root, tasks, workers); err != nil {
			slog.Error("engine: job run", "job", id, "error", err)
		}
	}()
	return snap, nil
}

// Run executes tasks for an existing job and blocks until the job is complete.
// A renderer that cannot start fails every task; the job still completes and the
// error is returned.
func (e *Engine) Run(ctx context.Context, jobID string, meshes blob.LocalFS, tasks []model.RenderTask, workers int) (pool.Result, error) {
	hooks := pool.Hooks{
		OnSucceeded: func(r model.TaskResult) {
			e.registry.ReportTaskSucceededAndNotify(jobID)
			slog.Debug("engine: task done", "job", jobID, "mesh", r.Task.MeshDir, "skipped", r.Skipped, "images", r.Images)
			e.persist(jobID)
		},
		OnFailed: func(f model.TaskFailure) {
			e.registry.ReportTaskFailedAndNotify(jobID)
			slog.Warn("engine: task failed", "job", jobID, "mesh", f.Task.MeshDir, "error", f.Err)
			e.persist(jobID)
		},
	}

	open := func(ctx context.Context, _ int) (pool.Executor, error) {
		r, err := e.backend.Open(ctx)
		if err != nil {
			return nil, err
		}
		return &executor{backend: e.backend, renderer: r, meshes: meshes, meshFiles: e.cfg.MeshFiles}, nil
	}

	res, err := pool.Pool{Workers: workers}.Run(ctx, tasks, open, hooks)
	e.registry.ReportJobCompletedAndNotify(jobID, res.Elapsed, true)
	e.persist(jobID)
	slog.Info("engine: job completed", "job", jobID, "succeeded", len(res.Succeeded), "failed", len(res.Failed), "elapsed", res.Elapsed)
	return res, err
}

func (e *Engine) persist(jobID string) {
	if e.store == nil {
		return
	}
	snap, err := e.registry.Snapshot(jobID)
	if err != nil {
		return
	}
	if err := e.store.UpdateJob(context.Background(), jobID, model.PatchFromSnapshot(snap)); err != nil {
		slog.Warn("engine: store update job", "job", jobID, "error", err)
	}
}

// Wait blocks until every background run has finished.
func (e *Engine) Wait() { e.wg.Wait() }
