package jobs

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jnyjxn/angiogen-render/internal/model"
)

type delivery struct {
	sub  string
	snap model.JobSnapshot
}

type recorder struct {
	mu   sync.Mutex
	sent []delivery
}

func (r *recorder) Notify(sub string, snap model.JobSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, delivery{sub, snap})
}

func (r *recorder) count(sub string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, d := range r.sent {
		if d.sub == sub {
			n++
		}
	}
	return n
}

func (r *recorder) last(sub string) (model.JobSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.sent) - 1; i >= 0; i-- {
		if r.sent[i].sub == sub {
			return r.sent[i].snap, true
		}
	}
	return model.JobSnapshot{}, false
}

type publishRecorder struct{ snaps []model.JobSnapshot }

func (p *publishRecorder) Publish(s model.JobSnapshot) { p.snaps = append(p.snaps, s) }

// TestJobLifecycle walks a three task job to completion.
func TestJobLifecycle(t *testing.T) {
	rec := &recorder{}
	r := NewRegistry(rec)

	if _, err := r.CreateJob("job-1", 3); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	r.ReportTaskSucceeded("job-1")
	r.ReportTaskSucceeded("job-1")
	r.ReportTaskFailed("job-1")

	snap, err := r.Snapshot("job-1")
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.Progress != 2 || snap.Failed != 1 || snap.Total != 3 || snap.Status != model.JobRunning {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Time != nil {
		t.Fatalf("time = %v, want nil while running", *snap.Time)
	}

	r.ReportJobCompletedAndNotify("job-1", 12500*time.Millisecond, true)
	snap, _ = r.Snapshot("job-1")
	if snap.Status != model.JobCompleted {
		t.Fatalf("status = %q, want %q", snap.Status, model.JobCompleted)
	}
	if snap.Time == nil || *snap.Time != 12.5 {
		t.Fatalf("time = %v, want 12.5", snap.Time)
	}
}

// TestConcurrentReports checks no outcome is lost under concurrent callbacks.
func TestConcurrentReports(t *testing.T) {
	r := NewRegistry(&recorder{})
	const total = 500
	r.CreateJob("job", total)
	r.Subscribe("job", "sub")

	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%3 == 0 {
				r.ReportTaskFailedAndNotify("job")
			} else {
				r.ReportTaskSucceededAndNotify("job")
			}
		}(i)
	}
	wg.Wait()

	snap, _ := r.Snapshot("job")
	if snap.Done() != total {
		t.Fatalf("progress+failed = %d, want %d", snap.Done(), total)
	}
	if snap.Failed != 167 {
		t.Fatalf("failed = %d, want 167", snap.Failed)
	}
}

// TestNotificationOrder verifies a subscriber sees snapshots in observation order.
func TestNotificationOrder(t *testing.T) {
	rec := &recorder{}
	r := NewRegistry(rec)
	r.CreateJob("job", 4)
	r.Subscribe("job", "a")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.ReportTaskSucceededAndNotify("job")
		}()
	}
	wg.Wait()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.sent) != 4 {
		t.Fatalf("deliveries = %d, want 4", len(rec.sent))
	}
	for i, d := range rec.sent {
		if d.snap.Progress != i+1 {
			t.Fatalf("delivery %d progress = %d, want %d", i, d.snap.Progress, i+1)
		}
	}
}

// TestSubscribeAndNotifyTargetsJoiner verifies only the new subscriber is synced.
func TestSubscribeAndNotifyTargetsJoiner(t *testing.T) {
	rec := &recorder{}
	r := NewRegistry(rec)
	r.CreateJob("job", 2)
	r.Subscribe("job", "old")
	r.ReportTaskSucceeded("job")

	if !r.SubscribeAndNotify("job", "new") {
		t.Fatal("SubscribeAndNotify() = false for a known job")
	}

	if n := rec.count("new"); n != 1 {
		t.Fatalf("new subscriber got %d snapshots, want 1", n)
	}
	if n := rec.count("old"); n != 0 {
		t.Fatalf("old subscriber got %d snapshots, want 0", n)
	}
	if snap, _ := rec.last("new"); snap.Progress != 1 {
		t.Fatalf("synced progress = %d, want 1", snap.Progress)
	}
	if got := r.Subscribers("job"); len(got) != 2 {
		t.Fatalf("subscribers = %v", got)
	}
}

// TestCompletionDetachesSubscribers checks both index directions after detach.
func TestCompletionDetachesSubscribers(t *testing.T) {
	rec := &recorder{}
	r := NewRegistry(rec)
	r.CreateJob("a", 1)
	r.CreateJob("b", 1)
	r.Subscribe("a", "s1")
	r.Subscribe("a", "s2")
	r.Subscribe("b", "s2")

	r.ReportTaskSucceeded("a")
	r.ReportJobCompletedAndNotify("a", time.Second, true)

	if got := r.Subscribers("a"); len(got) != 0 {
		t.Fatalf("subscribers(a) = %v, want none", got)
	}
	if got := r.SubscriberJobs("s1"); len(got) != 0 {
		t.Fatalf("jobs(s1) = %v, want none", got)
	}
	if got := r.SubscriberJobs("s2"); len(got) != 1 || got[0] != "b" {
		t.Fatalf("jobs(s2) = %v, want [b]", got)
	}
	r.mu.Lock()
	_, dangling := r.subs["s1"]
	r.mu.Unlock()
	if dangling {
		t.Fatal("s1 left in reverse index")
	}
	if snap, ok := rec.last("s1"); !ok || snap.Status != model.JobCompleted {
		t.Fatalf("s1 final snapshot = %+v, %v", snap, ok)
	}
}

// TestCompletionWithoutDetach keeps bindings when asked.
func TestCompletionWithoutDetach(t *testing.T) {
	r := NewRegistry(&recorder{})
	r.CreateJob("a", 0)
	r.Subscribe("a", "s")
	r.ReportJobCompletedAndNotify("a", 0, false)
	if got := r.Subscribers("a"); len(got) != 1 {
		t.Fatalf("subscribers = %v, want [s]", got)
	}
}

// TestUnsubscribe checks unknown handles are ignored and known ones fully removed.
func TestUnsubscribe(t *testing.T) {
	r := NewRegistry(&recorder{})
	r.Unsubscribe("never-seen")

	r.CreateJob("a", 1)
	r.CreateJob("b", 1)
	r.Subscribe("a", "s")
	r.Subscribe("b", "s")
	r.Unsubscribe("s")

	if got := r.SubscriberJobs("s"); got != nil {
		t.Fatalf("jobs(s) = %v", got)
	}
	if len(r.Subscribers("a")) != 0 || len(r.Subscribers("b")) != 0 {
		t.Fatal("subscriber still bound")
	}
}

// TestUnknownJobIsIgnored checks reports and subscriptions for unknown ids are no-ops.
func TestUnknownJobIsIgnored(t *testing.T) {
	rec := &recorder{}
	r := NewRegistry(rec)
	r.ReportTaskSucceededAndNotify("nope")
	r.ReportTaskFailed("nope")
	r.ReportJobCompletedAndNotify("nope", time.Second, true)
	if r.SubscribeAndNotify("nope", "s") {
		t.Fatal("SubscribeAndNotify() = true for an unknown job")
	}

	if _, err := r.Snapshot("nope"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("Snapshot() error = %v, want %v", err, model.ErrNotFound)
	}
	if len(rec.sent) != 0 || r.SubscriberJobs("s") != nil {
		t.Fatal("unknown job produced side effects")
	}
}

// TestCreateDuplicate verifies ids are not reused.
func TestCreateDuplicate(t *testing.T) {
	r := NewRegistry(nil)
	r.CreateJob("a", 1)
	if _, err := r.CreateJob("a", 2); !errors.Is(err, ErrJobExists) {
		t.Fatalf("error = %v, want %v", err, ErrJobExists)
	}
}

// TestCountsCappedAtTotal checks late callbacks after completion change nothing.
func TestCountsCappedAtTotal(t *testing.T) {
	r := NewRegistry(nil)
	r.CreateJob("a", 2)
	r.ReportTaskSucceeded("a")
	r.ReportJobCompleted("a", time.Second)
	r.ReportTaskSucceeded("a")
	r.ReportJobCompleted("a", time.Hour)

	snap, _ := r.Snapshot("a")
	if snap.Progress != 1 || snap.Failed != 1 {
		t.Fatalf("counts = %d/%d, want 1/1", snap.Progress, snap.Failed)
	}
	if *snap.Time != 1 {
		t.Fatalf("time = %v, want 1", *snap.Time)
	}
}

// TestLateJoinerOnCompletedJob gets the final state without being bound.
func TestLateJoinerOnCompletedJob(t *testing.T) {
	rec := &recorder{}
	r := NewRegistry(rec)
	r.CreateJob("a", 0)
	r.ReportJobCompletedAndNotify("a", time.Second, true)
	r.SubscribeAndNotify("a", "late")

	if snap, ok := rec.last("late"); !ok || snap.Status != model.JobCompleted {
		t.Fatalf("late snapshot = %+v, %v", snap, ok)
	}
	if got := r.SubscriberJobs("late"); got != nil {
		t.Fatalf("late bound to %v", got)
	}
}

// TestPublisherGetsBroadcasts checks the relay sees broadcasts but not joiner syncs.
func TestPublisherGetsBroadcasts(t *testing.T) {
	pub := &publishRecorder{}
	r := NewRegistry(&recorder{}, WithPublisher(pub))
	r.CreateJob("a", 1)
	r.SubscribeAndNotify("a", "s")
	r.ReportTaskSucceededAndNotify("a")
	r.ReportJobCompletedAndNotify("a", time.Second, true)

	if len(pub.snaps) != 2 {
		t.Fatalf("published = %d, want 2", len(pub.snaps))
	}
	if pub.snaps[1].Status != model.JobCompleted {
		t.Fatalf("last published status = %q", pub.snaps[1].Status)
	}
}

// TestPruneAndClose checks retention and shutdown detach.
func TestPruneAndClose(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewRegistry(nil, WithClock(func() time.Time { return now }))
	r.CreateJob("old", 0)
	r.ReportJobCompleted("old", 0)
	r.CreateJob("live", 1)
	r.Subscribe("live", "s")

	now = now.Add(2 * time.Hour)
	if n := r.Prune(now.Add(-time.Hour)); n != 1 {
		t.Fatalf("Prune() = %d, want 1", n)
	}
	if _, err := r.Snapshot("old"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("old still present: %v", err)
	}
	if jobs := r.Jobs(); len(jobs) != 1 || jobs[0].ID != "live" {
		t.Fatalf("Jobs() = %+v", jobs)
	}

	r.Close()
	if got := r.SubscriberJobs("s"); got != nil {
		t.Fatalf("jobs(s) after Close = %v", got)
	}
	if _, err := r.Snapshot("live"); err != nil {
		t.Fatalf("Snapshot() after Close error = %v", err)
	}
}
