package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jnyjxn/angiogen-render/internal/model"
)

func openTest(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "angiogen.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func snapshot(id string, total int, created time.Time) model.JobSnapshot {
	return model.JobSnapshot{
		ID:        id,
		Status:    model.JobRunning,
		Total:     total,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

// TestCreateGetUpdate covers the job lifecycle as persisted.
func TestCreateGetUpdate(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := s.CreateJob(ctx, snapshot("j1", 4, created), `{"angleSets":[]}`); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}

	got, err := s.GetJob(ctx, "j1")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.Status != model.JobRunning || got.Total != 4 || got.Time != nil {
		t.Fatalf("GetJob() = %+v", got)
	}
	if !got.CreatedAt.Equal(created) {
		t.Fatalf("createdAt = %v, want %v", got.CreatedAt, created)
	}

	secs := 3.25
	final := model.JobSnapshot{Status: model.JobCompleted, Progress: 3, Failed: 1, Time: &secs}
	if err := s.UpdateJob(ctx, "j1", model.PatchFromSnapshot(final)); err != nil {
		t.Fatalf("UpdateJob() error = %v", err)
	}
	got, _ = s.GetJob(ctx, "j1")
	if got.Status != model.JobCompleted || got.Progress != 3 || got.Failed != 1 {
		t.Fatalf("after update = %+v", got)
	}
	if got.Time == nil || *got.Time != 3.25 {
		t.Fatalf("time = %v, want 3.25", got.Time)
	}

	body, err := s.GetRequest(ctx, "j1")
	if err != nil || body != `{"angleSets":[]}` {
		t.Fatalf("GetRequest() = %q, %v", body, err)
	}
}

// TestNotFound checks missing rows map to model.ErrNotFound.
func TestNotFound(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	if _, err := s.GetJob(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("GetJob() error = %v, want %v", err, model.ErrNotFound)
	}
	if _, err := s.GetRequest(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("GetRequest() error = %v, want %v", err, model.ErrNotFound)
	}
	progress := 1
	if err := s.UpdateJob(ctx, "missing", model.JobPatch{Progress: &progress}); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("UpdateJob() error = %v, want %v", err, model.ErrNotFound)
	}
}

// TestListJobsFilter checks status filtering and limits.
func TestListJobsFilter(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		if err := s.CreateJob(ctx, snapshot(id, 1, base.Add(time.Duration(i)*time.Minute)), "{}"); err != nil {
			t.Fatalf("CreateJob(%s) error = %v", id, err)
		}
	}
	done := model.JobCompleted
	if err := s.UpdateJob(ctx, "b", model.JobPatch{Status: &done}); err != nil {
		t.Fatalf("UpdateJob() error = %v", err)
	}

	all, err := s.ListJobs(ctx, nil, 0)
	if err != nil || len(all) != 3 {
		t.Fatalf("ListJobs() = %d jobs, %v", len(all), err)
	}
	completed, _ := s.ListJobs(ctx, &done, 10)
	if len(completed) != 1 || completed[0].ID != "b" {
		t.Fatalf("completed = %+v", completed)
	}
	limited, _ := s.ListJobs(ctx, nil, 2)
	if len(limited) != 2 {
		t.Fatalf("limited = %d, want 2", len(limited))
	}
}

// TestCloseInterrupted completes jobs left running by a previous process.
func TestCloseInterrupted(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	now := time.Now().UTC()
	s.CreateJob(ctx, snapshot("stale", 5, now), "{}")
	progress := 2
	s.UpdateJob(ctx, "stale", model.JobPatch{Progress: &progress})

	closed, err := s.CloseInterrupted(ctx)
	if err != nil {
		t.Fatalf("CloseInterrupted() error = %v", err)
	}
	if len(closed) != 1 || closed[0].Failed != 3 {
		t.Fatalf("closed = %+v", closed)
	}
	got, _ := s.GetJob(ctx, "stale")
	if got.Status != model.JobCompleted || got.Progress+got.Failed != got.Total {
		t.Fatalf("stale job = %+v", got)
	}
	if running, _ := s.ListRunning(ctx); len(running) != 0 {
		t.Fatalf("still running = %+v", running)
	}
}

// TestConcurrentUpdates checks overlapping writers from many jobs all land.
func TestConcurrentUpdates(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	const jobs, updates = 8, 200

	var wg sync.WaitGroup
	errc := make(chan error, jobs*(updates+1))
	for j := 0; j < jobs; j++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := s.CreateJob(ctx, snapshot(id, updates, time.Now().UTC()), "{}"); err != nil {
				errc <- fmt.Errorf("CreateJob(%s): %w", id, err)
				return
			}
			for i := 1; i <= updates; i++ {
				progress := i
				if err := s.UpdateJob(ctx, id, model.JobPatch{Progress: &progress}); err != nil {
					errc <- fmt.Errorf("UpdateJob(%s): %w", id, err)
				}
			}
			done := model.JobCompleted
			if err := s.UpdateJob(ctx, id, model.JobPatch{Status: &done}); err != nil {
				errc <- fmt.Errorf("UpdateJob(%s) final: %w", id, err)
			}
		}(fmt.Sprintf("job-%d", j))
	}
	wg.Wait()
	close(errc)

	failed := 0
	var first error
	for err := range errc {
		if first == nil {
			first = err
		}
		failed++
	}
	if failed > 0 {
		t.Fatalf("failed writes = %d, first = %v", failed, first)
	}

	all, err := s.ListJobs(ctx, nil, 100)
	if err != nil || len(all) != jobs {
		t.Fatalf("ListJobs() = %d jobs, %v", len(all), err)
	}
	for _, job := range all {
		if job.Status != model.JobCompleted || job.Progress != updates {
			t.Fatalf("job %s = %+v", job.ID, job)
		}
	}
}
