// Package jobqueue implements the Job Queue from spec.md §4.C: a FIFO
// of live jobs, a bounded ring of dead jobs kept for polling, id
// allocation, and submission dedupe.
//
// # Concurrency model
//
// Adapted from the Preallocator (internal/pool), which keeps
// a single mutex-guarded struct and performs no I/O while holding it.
// Here the live map, dead ring, and pending FIFO are protected by one
// RWMutex; every operation is an in-memory update, so the lock is never
// held across a blocking call. A jobqueue.Queue does not itself call
// out to the VMMS or the Preallocator — that wiring belongs to the Job
// Manager (internal/manager).
//
// # Invariant
//
// The pending FIFO contains exactly the live jobs whose AssignedVM is
// empty (spec.md §4.C "Invariant").
package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/tangoremote/tango/internal/domain"
	"github.com/tangoremote/tango/internal/notify"
)

// DefaultDeadRingCapacity bounds how many dead jobs are retained for
// polling before the oldest is evicted (spec.md §6 "Non-goals": no
// durable history beyond a bounded in-memory ring).
const DefaultDeadRingCapacity = 1000

// Queue is the Job Queue. The zero value is not usable; construct via
// New.
type Queue struct {
	mu sync.RWMutex

	nextID int64
	live   map[int64]*domain.Job
	dead   map[int64]*domain.Job
	// deadOrder is a FIFO of dead job ids, oldest first, used to evict
	// the ring's overflow.
	deadOrder []int64
	deadCap   int

	// pending is the FIFO of live job ids with no assigned VM.
	pending []int64

	// fingerprints maps a dedupe fingerprint to the live job id it
	// currently belongs to (spec.md §4.C "Dedupe").
	fingerprints map[string]int64
	// fingerprintByID is the reverse index, used to clean up
	// fingerprints when a job leaves live (MakeDead, DelJob).
	fingerprintByID map[int64]string

	notifier notify.Notifier
}

// Config configures a Queue.
type Config struct {
	DeadRingCapacity int
	Notifier         notify.Notifier
}

// New constructs an empty Queue.
func New(cfg Config) *Queue {
	if cfg.DeadRingCapacity <= 0 {
		cfg.DeadRingCapacity = DefaultDeadRingCapacity
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.NewNoopNotifier()
	}
	return &Queue{
		live:            make(map[int64]*domain.Job),
		dead:            make(map[int64]*domain.Job),
		fingerprints:    make(map[string]int64),
		fingerprintByID: make(map[int64]string),
		deadCap:         cfg.DeadRingCapacity,
		notifier:        cfg.Notifier,
	}
}

// Add assigns the next id, appends job to live in arrival order, and
// pushes it to the tail of the pending FIFO. If job's dedupe
// fingerprint matches a job already live, Add returns that job's id
// instead of enqueuing a duplicate (spec.md §4.C "Dedupe": dead jobs do
// not dedupe).
func (q *Queue) Add(job *domain.Job, fingerprint string) int64 {
	q.mu.Lock()

	if fingerprint != "" {
		if existingID, ok := q.fingerprints[fingerprint]; ok {
			q.mu.Unlock()
			return existingID
		}
	}

	q.nextID++
	id := q.nextID
	job.ID = id
	job.State = domain.StateLive
	job.Appended = time.Now()
	q.live[id] = job
	q.pending = append(q.pending, id)
	if fingerprint != "" {
		q.fingerprints[fingerprint] = id
		q.fingerprintByID[id] = fingerprint
	}
	q.mu.Unlock()

	q.notifier.Notify(context.Background(), notify.QueueJobs)
	return id
}

// AddDead directly inserts job into the dead set, used for submissions
// rejected synchronously by validation so clients can still poll for
// the rejection reason (spec.md §4.C "addDead").
func (q *Queue) AddDead(job *domain.Job, reason string) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextID++
	id := q.nextID
	job.ID = id
	job.State = domain.StateDead
	job.Appended = time.Now()
	job.Finished = time.Now()
	job.AppendTrace(reason)
	q.insertDeadLocked(job)
	return id
}

// AddToUnassigned pushes id onto the pending FIFO. toHead is true when
// a worker died and the job must be retried ahead of fresh submissions
// to preserve arrival order (spec.md §4.C "reassigned after a worker
// crash go to the head").
func (q *Queue) AddToUnassigned(id int64, toHead bool) {
	q.mu.Lock()
	if toHead {
		q.pending = append([]int64{id}, q.pending...)
	} else {
		q.pending = append(q.pending, id)
	}
	q.mu.Unlock()

	q.notifier.Notify(context.Background(), notify.QueueJobs)
}

// GetNextPendingJob pops the head of the pending FIFO, or returns
// (0, false) if empty.
func (q *Queue) GetNextPendingJob() (int64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return 0, false
	}
	id := q.pending[0]
	q.pending = q.pending[1:]
	return id, true
}

// PeekNextPendingJob returns the head of the pending FIFO without
// removing it, used by the Job Manager to check the image of the next
// job before deciding whether allocVM is worth attempting.
func (q *Queue) PeekNextPendingJob() (int64, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if len(q.pending) == 0 {
		return 0, false
	}
	return q.pending[0], true
}

// AssignJob marks a live job as claimed by vmID. The caller must have
// already popped id from the pending FIFO (via GetNextPendingJob).
func (q *Queue) AssignJob(id int64, vmID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if job, ok := q.live[id]; ok {
		job.AssignedVM = vmID
		job.Assigned = time.Now()
	}
}

// UnassignJob clears a live job's assigned VM, restoring the pending
// FIFO invariant (spec.md §4.C "unassign on worker death pushes it back
// to the head of the pending queue" — the caller is responsible for
// calling AddToUnassigned(id, true) afterward).
func (q *Queue) UnassignJob(id int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if job, ok := q.live[id]; ok {
		job.AssignedVM = ""
	}
}

// MakeDead atomically moves id from live to dead, appends reason to its
// trace, and sets its finished timestamp. Idempotent: a second call on
// an already-dead id is a no-op (spec.md §8 "makeDead is idempotent").
func (q *Queue) MakeDead(id int64, reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.live[id]
	if !ok {
		return
	}
	delete(q.live, id)
	if fp, ok := q.fingerprintByID[id]; ok {
		delete(q.fingerprints, fp)
		delete(q.fingerprintByID, id)
	}
	job.State = domain.StateDead
	job.Finished = time.Now()
	job.AppendTrace(reason)
	q.insertDeadLocked(job)
}

func (q *Queue) insertDeadLocked(job *domain.Job) {
	q.dead[job.ID] = job
	q.deadOrder = append(q.deadOrder, job.ID)
	for len(q.deadOrder) > q.deadCap {
		oldest := q.deadOrder[0]
		q.deadOrder = q.deadOrder[1:]
		delete(q.dead, oldest)
	}
}

// Get returns job id, whichever of live/dead it belongs to.
func (q *Queue) Get(id int64) (*domain.Job, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if job, ok := q.live[id]; ok {
		return job, true
	}
	if job, ok := q.dead[id]; ok {
		return job, true
	}
	return nil, false
}

// GetNextID returns the id that the next Add/AddDead call will assign.
func (q *Queue) GetNextID() int64 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.nextID + 1
}

// DelJob removes id from either the live or dead set, per deadQueue.
func (q *Queue) DelJob(id int64, deadQueue bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if deadQueue {
		delete(q.dead, id)
		for i, oid := range q.deadOrder {
			if oid == id {
				q.deadOrder = append(q.deadOrder[:i], q.deadOrder[i+1:]...)
				break
			}
		}
		return
	}
	if _, ok := q.live[id]; ok {
		if fp, ok := q.fingerprintByID[id]; ok {
			delete(q.fingerprints, fp)
			delete(q.fingerprintByID, id)
		}
		delete(q.live, id)
		for i, pid := range q.pending {
			if pid == id {
				q.pending = append(q.pending[:i], q.pending[i+1:]...)
				break
			}
		}
	}
}

// PendingDepth returns the current length of the pending FIFO, for
// metrics reporting.
func (q *Queue) PendingDepth() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.pending)
}

// DeadCount returns the current size of the dead ring, for metrics
// reporting.
func (q *Queue) DeadCount() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.dead)
}

// AllLive returns a snapshot slice of every live job, for the façade's
// "jobs" listing command (spec.md §4.F).
func (q *Queue) AllLive() []*domain.Job {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]*domain.Job, 0, len(q.live))
	for _, job := range q.live {
		out = append(out, job)
	}
	return out
}

// Subscribe exposes the underlying notifier's subscription so the Job
// Manager can wake its tick loop immediately on addJob, rather than
// only on a fixed period (spec.md §4.E).
func (q *Queue) Subscribe() (<-chan struct{}, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	return q.notifier.Subscribe(ctx, notify.QueueJobs), cancel
}
