package jobqueue

import (
	"testing"

	"github.com/tangoremote/tango/internal/domain"
)

func newTestJob(image string) *domain.Job {
	return &domain.Job{Image: image}
}

func TestAddAssignsSequentialIDs(t *testing.T) {
	q := New(Config{})

	first := q.Add(newTestJob("alpine"), "")
	second := q.Add(newTestJob("alpine"), "")

	if first == second {
		t.Fatalf("expected distinct ids, got %d and %d", first, second)
	}
	if second != first+1 {
		t.Fatalf("expected sequential ids, got %d then %d", first, second)
	}
}

func TestAddDedupesOnMatchingFingerprint(t *testing.T) {
	q := New(Config{})

	first := q.Add(newTestJob("alpine"), "fp-1")
	second := q.Add(newTestJob("alpine"), "fp-1")

	if first != second {
		t.Fatalf("expected dedupe to return existing id %d, got %d", first, second)
	}

	job, ok := q.Get(first)
	if !ok {
		t.Fatal("expected job to exist")
	}
	if job.State != domain.StateLive {
		t.Fatalf("expected live state, got %v", job.State)
	}
}

func TestDeadJobsDoNotDedupe(t *testing.T) {
	q := New(Config{})

	first := q.Add(newTestJob("alpine"), "fp-1")
	q.MakeDead(first, "done")

	second := q.Add(newTestJob("alpine"), "fp-1")
	if first == second {
		t.Fatalf("expected a new id after the first job went dead, got %d twice", first)
	}
}

func TestPendingFIFOOrder(t *testing.T) {
	q := New(Config{})

	a := q.Add(newTestJob("alpine"), "")
	b := q.Add(newTestJob("alpine"), "")

	gotA, ok := q.GetNextPendingJob()
	if !ok || gotA != a {
		t.Fatalf("expected %d first, got %d (ok=%v)", a, gotA, ok)
	}
	gotB, ok := q.GetNextPendingJob()
	if !ok || gotB != b {
		t.Fatalf("expected %d second, got %d (ok=%v)", b, gotB, ok)
	}
	if _, ok := q.GetNextPendingJob(); ok {
		t.Fatal("expected pending FIFO to be empty")
	}
}

func TestAddToUnassignedToHeadPreservesOrder(t *testing.T) {
	q := New(Config{})

	a := q.Add(newTestJob("alpine"), "")
	b := q.Add(newTestJob("alpine"), "")

	// Simulate a's worker dying after it was popped for assignment.
	if id, ok := q.GetNextPendingJob(); !ok || id != a {
		t.Fatalf("setup: expected to pop %d, got %d", a, id)
	}
	q.AddToUnassigned(a, true)

	gotA, ok := q.GetNextPendingJob()
	if !ok || gotA != a {
		t.Fatalf("expected reassigned job %d back at head, got %d", a, gotA)
	}
	gotB, ok := q.GetNextPendingJob()
	if !ok || gotB != b {
		t.Fatalf("expected %d still at tail, got %d", b, gotB)
	}
}

func TestAssignAndUnassignJob(t *testing.T) {
	q := New(Config{})
	id := q.Add(newTestJob("alpine"), "")
	q.GetNextPendingJob()

	q.AssignJob(id, "vm-1")
	job, _ := q.Get(id)
	if job.AssignedVM != "vm-1" {
		t.Fatalf("expected AssignedVM vm-1, got %q", job.AssignedVM)
	}

	q.UnassignJob(id)
	job, _ = q.Get(id)
	if job.AssignedVM != "" {
		t.Fatalf("expected AssignedVM cleared, got %q", job.AssignedVM)
	}
}

func TestMakeDeadIsIdempotent(t *testing.T) {
	q := New(Config{})
	id := q.Add(newTestJob("alpine"), "")

	q.MakeDead(id, "first reason")
	q.MakeDead(id, "second reason")

	job, ok := q.Get(id)
	if !ok {
		t.Fatal("expected job to still be retrievable from dead set")
	}
	if job.State != domain.StateDead {
		t.Fatalf("expected dead state, got %v", job.State)
	}
	if len(job.Trace) != 1 {
		t.Fatalf("expected exactly one trace entry from idempotent MakeDead, got %d", len(job.Trace))
	}
}

func TestDeadRingEvictsOldest(t *testing.T) {
	q := New(Config{DeadRingCapacity: 2})

	ids := make([]int64, 0, 3)
	for i := 0; i < 3; i++ {
		id := q.Add(newTestJob("alpine"), "")
		q.MakeDead(id, "done")
		ids = append(ids, id)
	}

	if _, ok := q.Get(ids[0]); ok {
		t.Fatalf("expected oldest dead job %d to be evicted", ids[0])
	}
	if _, ok := q.Get(ids[2]); !ok {
		t.Fatalf("expected most recent dead job %d to survive", ids[2])
	}
	if q.DeadCount() != 2 {
		t.Fatalf("expected dead ring capacity of 2, got %d", q.DeadCount())
	}
}

func TestDelJobRemovesFromLiveAndPending(t *testing.T) {
	q := New(Config{})
	id := q.Add(newTestJob("alpine"), "")

	q.DelJob(id, false)

	if _, ok := q.Get(id); ok {
		t.Fatal("expected job to be gone after DelJob")
	}
	if q.PendingDepth() != 0 {
		t.Fatalf("expected pending FIFO to be empty, got depth %d", q.PendingDepth())
	}
}

func TestGetNextIDPreviewsWithoutAllocating(t *testing.T) {
	q := New(Config{})
	preview := q.GetNextID()

	id := q.Add(newTestJob("alpine"), "")
	if id != preview {
		t.Fatalf("expected GetNextID preview %d to match allocated id %d", preview, id)
	}
}
