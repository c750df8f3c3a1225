// Package manager implements the Job Manager from spec.md §4.E: a
// singleton scheduling loop that reaps dead workers and assigns pending
// jobs to VMs in FIFO order.
//
// # Grounding
//
// The tick-plus-wake-signal shape (fixed period, interrupted early by
// an explicit wake channel) is adapted from a scheduler loop's cleanup
// goroutine pattern, generalized here
// to also drain a jobqueue.Queue.Subscribe() channel rather than only
// a timer.
package manager

import (
	"context"
	"sync"
	"time"

	"github.com/tangoremote/tango/internal/domain"
	"github.com/tangoremote/tango/internal/jobqueue"
	"github.com/tangoremote/tango/internal/logging"
	"github.com/tangoremote/tango/internal/metrics"
	"github.com/tangoremote/tango/internal/pool"
	"github.com/tangoremote/tango/internal/vmms"
	"github.com/tangoremote/tango/internal/worker"
)

// DefaultTickPeriod is how often the manager scans even without a wake
// signal (spec.md §4.E "Tick period is configurable").
const DefaultTickPeriod = 2 * time.Second

// DefaultWorkerDeathRetryBudget bounds how many times a job may be
// reassigned after its worker disappears before it is given up as dead
// (spec.md §4.E "exceeding it moves the job to dead").
const DefaultWorkerDeathRetryBudget = 3

// Config configures a Manager.
type Config struct {
	TickPeriod             time.Duration
	WorkerDeathRetryBudget int
	WorkerConfig           worker.Config
}

// runningWorker pairs a live *worker.Worker with the job id it owns, so
// the reaper can find and act on jobs whose worker goroutine exited
// without reaching DONE/FAILED.
type runningWorker struct {
	jobID  int64
	worker *worker.Worker
}

// Manager is the Job Manager. The zero value is not usable; construct
// via New.
type Manager struct {
	queue  *jobqueue.Queue
	pool   *pool.Pool
	driver vmms.Driver
	cfg    Config

	mu      sync.Mutex
	workers map[int64]*runningWorker

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Manager wired to queue, pool, and driver.
func New(queue *jobqueue.Queue, p *pool.Pool, driver vmms.Driver, cfg Config) *Manager {
	if cfg.TickPeriod <= 0 {
		cfg.TickPeriod = DefaultTickPeriod
	}
	if cfg.WorkerDeathRetryBudget <= 0 {
		cfg.WorkerDeathRetryBudget = DefaultWorkerDeathRetryBudget
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		queue:   queue,
		pool:    p,
		driver:  driver,
		cfg:     cfg,
		workers: make(map[int64]*runningWorker),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Start runs the scheduling loop in its own goroutine. Call Stop to
// shut it down.
func (m *Manager) Start() {
	go m.loop()
}

// Stop cancels the scheduling loop and waits for it to exit.
func (m *Manager) Stop() {
	m.cancel()
	<-m.done
}

func (m *Manager) loop() {
	defer close(m.done)

	wake, unsubscribe := m.queue.Subscribe()
	defer unsubscribe()

	ticker := time.NewTicker(m.cfg.TickPeriod)
	defer ticker.Stop()

	for {
		m.tick()

		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}
	}
}

// tick runs one scheduling pass: reap dead workers, then FIFO-assign
// pending jobs (spec.md §4.E steps 1-2).
func (m *Manager) tick() {
	m.reapDeadWorkers()
	m.assignPending()
	metrics.SetQueueDepth(m.queue.PendingDepth())
	metrics.SetDeadJobs(m.queue.DeadCount())
}

// reapDeadWorkers finds workers whose goroutine exited without the job
// reaching a terminal jobqueue state -- the only way that can happen is
// a crash that skipped Worker.finish, e.g. a panic recovered upstream,
// or (in future drivers) the process hosting the worker itself dying.
// For each, the job's VM is force-destroyed, a replacement requested,
// and the job requeued at the head, bounded by a per-job retry count.
func (m *Manager) reapDeadWorkers() {
	m.mu.Lock()
	var dead []*runningWorker
	for id, rw := range m.workers {
		if !rw.worker.Alive() {
			dead = append(dead, rw)
			delete(m.workers, id)
		}
	}
	m.mu.Unlock()

	for _, rw := range dead {
		m.reapOne(rw)
	}
}

func (m *Manager) reapOne(rw *runningWorker) {
	job, ok := m.queue.Get(rw.jobID)
	if !ok || job.State == domain.StateDead {
		// Worker already carried the job to a terminal state itself;
		// nothing to reap.
		return
	}

	logging.Op().Warn("reaping job with unresponsive worker", "job", job.ID, "vm", job.AssignedVM)

	if job.AssignedVM != "" {
		// Releasing with keep-alive off makes the pool destroy the VM,
		// drop it from total, and schedule a replacement create when the
		// image is below target.
		m.pool.FreeVM(&domain.VM{ID: job.AssignedVM, Image: job.Image, KeepAlive: false})
		metrics.Global().RecordVMCrashed()
	}

	job.RetryCount++
	if job.RetryCount > m.cfg.WorkerDeathRetryBudget {
		m.queue.MakeDead(job.ID, string(worker.CauseWorkerDied))
		return
	}

	m.queue.UnassignJob(job.ID)
	m.queue.AddToUnassigned(job.ID, true)
}

// assignPending scans the pending FIFO in order, stopping at the first
// image whose pool is currently empty -- starvation across images is
// bounded only by per-image pool sizing, not by the scheduler (spec.md
// §4.E step 2).
func (m *Manager) assignPending() {
	for {
		id, ok := m.queue.GetNextPendingJob()
		if !ok {
			return
		}

		job, ok := m.queue.Get(id)
		if !ok {
			continue
		}

		vm, err := m.pool.AllocVM(job.Image)
		if err != nil {
			// Put it back at the head and stop scanning this tick;
			// a later pending job of a different image would get an
			// unfair head start over this one otherwise.
			m.queue.AddToUnassigned(id, true)
			return
		}

		m.queue.AssignJob(id, vm.ID)
		m.spawnWorker(job, vm)
	}
}

func (m *Manager) spawnWorker(job *domain.Job, vm *domain.VM) {
	w := worker.New(job, vm, m.driver, m.pool, m.queue, m.cfg.WorkerConfig)

	m.mu.Lock()
	m.workers[job.ID] = &runningWorker{jobID: job.ID, worker: w}
	m.mu.Unlock()

	go func() {
		w.Run(m.ctx)
		m.mu.Lock()
		delete(m.workers, job.ID)
		m.mu.Unlock()
	}()
}

// RunningWorkers returns the number of workers currently tracked, for
// the façade's "info" snapshot (spec.md §4.F).
func (m *Manager) RunningWorkers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}
