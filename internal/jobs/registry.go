// Package jobs tracks render jobs and pushes their progress to subscribers.
package jobs

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jnyjxn/angiogen-render/internal/model"
)

var ErrJobExists = errors.New("job already exists")

// Notifier delivers a snapshot to one subscriber. Implementations must not block:
// the registry calls Notify while holding its lock.
type Notifier interface {
	Notify(subscriberID string, snap model.JobSnapshot)
}

type NotifierFunc func(subscriberID string, snap model.JobSnapshot)

func (f NotifierFunc) Notify(subscriberID string, snap model.JobSnapshot) { f(subscriberID, snap) }

// Publisher receives every broadcast snapshot, independent of subscribers.
// Like Notifier it must not block.
type Publisher interface {
	Publish(snap model.JobSnapshot)
}

type Option func(*Registry)

func WithPublisher(p Publisher) Option {
	return func(r *Registry) { r.publisher = p }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

type entry struct {
	snap model.JobSnapshot
	subs map[string]struct{}
}

// Registry owns every job's counters and the job<->subscriber index.
// Both directions of the index are updated together under mu.
type Registry struct {
	mu        sync.Mutex
	jobs      map[string]*entry
	subs      map[string]map[string]struct{} // subscriber -> job ids
	notifier  Notifier
	publisher Publisher
	now       func() time.Time
}

func NewRegistry(notifier Notifier, opts ...Option) *Registry {
	r := &Registry{
		jobs:     map[string]*entry{},
		subs:     map[string]map[string]struct{}{},
		notifier: notifier,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateJob registers a running job sized to total tasks.
func (r *Registry) CreateJob(id string, total int) (model.JobSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[id]; ok {
		return model.JobSnapshot{}, ErrJobExists
	}
	now := r.now().UTC()
	e := &entry{
		snap: model.JobSnapshot{
			ID:        id,
			Status:    model.JobRunning,
			Total:     total,
			CreatedAt: now,
			UpdatedAt: now,
		},
		subs: map[string]struct{}{},
	}
	r.jobs[id] = e
	return e.snap, nil
}

func (r *Registry) ReportTaskSucceeded(id string) { r.report(id, true, false) }

func (r *Registry) ReportTaskFailed(id string) { r.report(id, false, false) }

func (r *Registry) ReportTaskSucceededAndNotify(id string) { r.report(id, true, true) }

func (r *Registry) ReportTaskFailedAndNotify(id string) { r.report(id, false, true) }

func (r *Registry) report(id string, ok, notify bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, found := r.jobs[id]
	if !found {
		return
	}
	if e.snap.Status == model.JobCompleted || e.snap.Done() >= e.snap.Total {
		slog.Warn("jobs: task outcome past job total ignored", "job", id, "succeeded", ok)
		return
	}
	if ok {
		e.snap.Progress++
	} else {
		e.snap.Failed++
	}
	e.snap.UpdatedAt = r.now().UTC()
	if notify {
		r.broadcast(e)
	}
}

// ReportJobCompleted marks the job completed and records d. Outcomes never
// reported are counted as failed so that progress+failed equals total.
func (r *Registry) ReportJobCompleted(id string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.complete(id, d)
}

// ReportJobCompletedAndNotify completes the job, sends the final snapshot to
// every subscriber and, when detach is set, unbinds them all.
func (r *Registry) ReportJobCompletedAndNotify(id string, d time.Duration, detach bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.complete(id, d)
	if e == nil {
		return
	}
	r.broadcast(e)
	if detach {
		r.detach(id, e)
	}
}

func (r *Registry) complete(id string, d time.Duration) *entry {
	e, ok := r.jobs[id]
	if !ok || e.snap.Status == model.JobCompleted {
		return nil
	}
	if missing := e.snap.Total - e.snap.Done(); missing > 0 {
		slog.Warn("jobs: completing with unreported tasks", "job", id, "missing", missing)
		e.snap.Failed += missing
	}
	secs := d.Seconds()
	e.snap.Status = model.JobCompleted
	e.snap.Time = &secs
	e.snap.UpdatedAt = r.now().UTC()
	return e
}

// Subscribe binds subscriberID to a running job.
func (r *Registry) Subscribe(id, subscriberID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.jobs[id]; ok && e.snap.Status == model.JobRunning {
		r.bind(id, e, subscriberID)
	}
}

// SubscribeAndNotify binds subscriberID and sends it, and only it, the current
// snapshot. A completed job is not bound; the subscriber just gets the final state.
// It reports false, and does nothing, when the job is not in the registry.
func (r *Registry) SubscribeAndNotify(id, subscriberID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.jobs[id]
	if !ok {
		return false
	}
	if e.snap.Status == model.JobRunning {
		r.bind(id, e, subscriberID)
	}
	if r.notifier != nil {
		r.notifier.Notify(subscriberID, e.snap)
	}
	return true
}

// Unsubscribe removes subscriberID from every job it watches.
func (r *Registry) Unsubscribe(subscriberID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id := range r.subs[subscriberID] {
		if e, ok := r.jobs[id]; ok {
			delete(e.subs, subscriberID)
		}
	}
	delete(r.subs, subscriberID)
}

func (r *Registry) Snapshot(id string) (model.JobSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.jobs[id]
	if !ok {
		return model.JobSnapshot{}, model.ErrNotFound
	}
	return e.snap, nil
}

// Jobs lists every tracked job, newest first.
func (r *Registry) Jobs() []model.JobSnapshot {
	r.mu.Lock()
	out := make([]model.JobSnapshot, 0, len(r.jobs))
	for _, e := range r.jobs {
		out = append(out, e.snap)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Registry) Subscribers(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.jobs[id]
	if !ok {
		return nil
	}
	return sortedKeys(e.subs)
}

func (r *Registry) SubscriberJobs(subscriberID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.subs[subscriberID])
}

// Prune drops completed jobs last updated before cutoff and returns how many
// were removed.
func (r *Registry) Prune(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, e := range r.jobs {
		if e.snap.Status == model.JobCompleted && e.snap.UpdatedAt.Before(cutoff) {
			r.detach(id, e)
			delete(r.jobs, id)
			n++
		}
	}
	return n
}

// Close detaches every subscriber. Jobs stay queryable.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, e := range r.jobs {
		r.detach(id, e)
	}
	clear(r.subs)
}

func (r *Registry) bind(id string, e *entry, subscriberID string) {
	e.subs[subscriberID] = struct{}{}
	jobs, ok := r.subs[subscriberID]
	if !ok {
		jobs = map[string]struct{}{}
		r.subs[subscriberID] = jobs
	}
	jobs[id] = struct{}{}
}

func (r *Registry) detach(id string, e *entry) {
	for sub := range e.subs {
		if jobs, ok := r.subs[sub]; ok {
			delete(jobs, id)
			if len(jobs) == 0 {
				delete(r.subs, sub)
			}
		}
	}
	clear(e.subs)
}

func (r *Registry) broadcast(e *entry) {
	if r.notifier != nil {
		for sub := range e.subs {
			r.notifier.Notify(sub, e.snap)
		}
	}
	if r.publisher != nil {
		r.publisher.Publish(e.snap)
	}
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
