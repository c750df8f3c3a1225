// Package worker implements the Worker state machine from spec.md §4.D:
// one worker per assigned job, owning the job's VM for the duration and
// holding the sole right to mutate its trace, timestamps, and terminal
// state.
//
//	ASSIGNED -> WAIT_READY -> COPY_IN -> RUN -> COPY_OUT -> NOTIFY -> DONE
//	              |            |         |      |
//	              v            v         v      v
//	            FAILED (ready-timeout / copy-in / run / copy-out / cancelled)
//
// # Grounding
//
// Adapted from an executor package (deleted from this tree once its
// request/response invocation model was fully replaced): the
// run-one-job-per-goroutine shape, context-based timeout enforcement,
// and "detach, makeDead, release" finishing sequence come from there.
package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/tangoremote/tango/internal/domain"
	"github.com/tangoremote/tango/internal/logging"
	"github.com/tangoremote/tango/internal/metrics"
	"github.com/tangoremote/tango/internal/observability"
	"github.com/tangoremote/tango/internal/output"
	"github.com/tangoremote/tango/internal/vmms"
)

// State is one node in the Worker state machine.
type State string

const (
	StateAssigned  State = "ASSIGNED"
	StateWaitReady State = "WAIT_READY"
	StateCopyIn    State = "COPY_IN"
	StateRun       State = "RUN"
	StateCopyOut   State = "COPY_OUT"
	StateNotify    State = "NOTIFY"
	StateDone      State = "DONE"
	StateFailed    State = "FAILED"
)

// FailCause is the sub-cause recorded when a Worker reaches FAILED.
type FailCause string

const (
	CauseNone          FailCause = ""
	CauseReadyTimeout  FailCause = "ready-timeout"
	CauseCopyIn        FailCause = "copy-in"
	CauseRun           FailCause = "run"
	CauseCopyOut       FailCause = "copy-out"
	CauseCancelled     FailCause = "cancelled"
	CauseWorkerDied    FailCause = "worker died repeatedly"
)

// DefaultReadyRetryBudget bounds how many replacement VMs a Worker will
// request after a WAIT_READY timeout before giving up (spec.md §4.D
// "Retry budget is bounded (default 5)").
const DefaultReadyRetryBudget = 5

// VMSource is the subset of the Preallocator a Worker needs: a fresh VM
// on WAIT_READY retry, and a place to return its VM on completion.
// Defined here rather than imported directly so this package does not
// depend on the pool package's concrete type.
type VMSource interface {
	AllocVM(image string) (*domain.VM, error)
	FreeVM(vm *domain.VM)
}

// JobCompleter is the subset of the Job Queue a Worker needs to retire a
// job once it reaches a terminal state. Defined here rather than
// imported directly so this package does not depend on the jobqueue
// package's concrete type.
type JobCompleter interface {
	MakeDead(id int64, reason string)
}

// TraceRecorder persists a completed job's trace for post-mortem
// inspection (spec.md §6 "Optional: a trace log per completed job").
// Defined here rather than importing internal/store directly so this
// package does not depend on a Postgres-specific concrete type; nil
// means the feature is disabled.
type TraceRecorder interface {
	Append(ctx context.Context, rec TraceRecord) error
}

// TraceRecord is the post-mortem record a Worker hands to a
// TraceRecorder once a job reaches DONE or FAILED.
type TraceRecord struct {
	JobID      int64
	Image      string
	AccessKey  string
	FinalState string
	FailCause  string
	RetryCount int
	Trace      []domain.TraceEntry
	Started    time.Time
	Finished   time.Time
}

// Config configures a Worker run.
type Config struct {
	ReadyTimeout     time.Duration
	ReadyRetryBudget int
	HTTPClient       *http.Client
	Recorder         TraceRecorder
}

// Worker runs a single job to completion, owning vm for the duration.
type Worker struct {
	job    *domain.Job
	vm     *domain.VM
	driver vmms.Driver
	pool   VMSource
	queue  JobCompleter
	cfg    Config

	state  atomic.Value // State
	alive  atomic.Bool
}

// New constructs a Worker for job, initially owning vm. queue is told
// of the job's terminal state once Run completes (spec.md §4.D step 6).
func New(job *domain.Job, vm *domain.VM, driver vmms.Driver, pool VMSource, queue JobCompleter, cfg Config) *Worker {
	if cfg.ReadyRetryBudget <= 0 {
		cfg.ReadyRetryBudget = DefaultReadyRetryBudget
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	w := &Worker{job: job, vm: vm, driver: driver, pool: pool, queue: queue, cfg: cfg}
	w.setState(StateAssigned)
	w.alive.Store(true)
	return w
}

// Alive reports whether this Worker is still running (spec.md §4.E
// "reap finished/crashed workers" polls this to detect workers that
// exited without reaching DONE/FAILED).
func (w *Worker) Alive() bool { return w.alive.Load() }

// State returns the Worker's current state machine node.
func (w *Worker) State() State {
	if v := w.state.Load(); v != nil {
		return v.(State)
	}
	return StateAssigned
}

func (w *Worker) setState(s State) {
	prev := w.State()
	w.state.Store(s)
	if prev != s {
		metrics.RecordWorkerTransition(string(prev), string(s))
	}
}

// Run drives the job through the state machine to completion. It never
// returns until the job is DONE or FAILED; callers spawn it in its own
// goroutine (spec.md §4.D "One worker per assigned job").
func (w *Worker) Run(ctx context.Context) {
	defer w.alive.Store(false)

	ctx, span := observability.StartSpan(ctx, "worker.run",
		observability.AttrJobID.Int64(w.job.ID),
		observability.AttrImage.String(w.job.Image),
	)
	defer span.End()

	cause := w.runStates(ctx)
	span.SetAttributes(observability.AttrFailCause.String(string(cause)))
	if cause == CauseNone {
		observability.SetSpanOK(span)
	} else {
		observability.SetSpanError(span, fmt.Errorf("worker failed: %s", cause))
	}

	w.finish(ctx, cause)
}

func (w *Worker) runStates(ctx context.Context) FailCause {
	if cause := w.checkCancel(); cause != CauseNone {
		return cause
	}

	if cause := w.waitReady(ctx); cause != CauseNone {
		return cause
	}

	if cause := w.checkCancel(); cause != CauseNone {
		return cause
	}
	w.setState(StateCopyIn)
	if err := w.copyIn(ctx); err != nil {
		w.job.AppendTrace(fmt.Sprintf("copy-in failed: %v", err))
		return CauseCopyIn
	}

	if cause := w.checkCancel(); cause != CauseNone {
		return cause
	}
	w.setState(StateRun)
	cause, sink := w.runJob(ctx)
	w.job.Output = sink.Bytes()
	if cause != CauseNone {
		return cause
	}

	if cause := w.checkCancel(); cause != CauseNone {
		return cause
	}
	w.setState(StateCopyOut)
	if err := w.driver.CopyOut(ctx, w.vm.ID, w.job.OutputFile.DestPath); err != nil {
		w.job.AppendTrace(fmt.Sprintf("copy-out failed: %v", err))
		w.vm.KeepAlive = false
		return CauseCopyOut
	}

	w.setState(StateNotify)
	w.notify(ctx)

	return CauseNone
}

func (w *Worker) checkCancel() FailCause {
	if w.job.Cancelled() {
		w.job.AppendTrace("job cancelled")
		return CauseCancelled
	}
	return CauseNone
}

// waitReady retries WAIT_READY against replacement VMs up to the
// configured budget (spec.md §4.D transition 1).
func (w *Worker) waitReady(ctx context.Context) FailCause {
	w.setState(StateWaitReady)

	for attempt := 0; attempt <= w.cfg.ReadyRetryBudget; attempt++ {
		err := w.driver.WaitVM(ctx, w.vm.ID, w.cfg.ReadyTimeout)
		if err == nil {
			return CauseNone
		}

		w.job.AppendTrace(fmt.Sprintf("vm %s not ready (attempt %d): %v", w.vm.ID, attempt+1, err))
		logging.Op().Warn("worker wait-ready failed", "job", w.job.ID, "vm", w.vm.ID, "attempt", attempt+1, "error", err)

		_ = w.driver.DestroyVM(ctx, w.vm.ID)
		metrics.Global().RecordVMCrashed()

		if attempt == w.cfg.ReadyRetryBudget {
			break
		}

		replacement, allocErr := w.pool.AllocVM(w.job.Image)
		if allocErr != nil || replacement == nil {
			w.job.AppendTrace(fmt.Sprintf("no replacement VM available: %v", allocErr))
			continue
		}
		w.vm = replacement
		w.job.AssignedVM = replacement.ID
	}

	return CauseReadyTimeout
}

func (w *Worker) copyIn(ctx context.Context) error {
	files := make(map[string][]byte, len(w.job.InputFiles))
	for _, f := range w.job.InputFiles {
		content, err := readInputFile(f.LocalFile)
		if err != nil {
			return err
		}
		files[f.DestFile] = content
	}
	return w.driver.CopyIn(ctx, w.vm.ID, files)
}

func (w *Worker) runJob(ctx context.Context) (FailCause, *output.Sink) {
	sink := output.NewSink(w.job.MaxOutputBytes)
	w.job.Started = time.Now()

	result, err := w.driver.RunJob(ctx, w.vm.ID, w.job.MaxRuntime, sink)
	if err != nil {
		w.job.AppendTrace(fmt.Sprintf("run failed: %v", err))
		w.vm.KeepAlive = false
		return CauseRun, sink
	}

	switch result.Flag {
	case vmms.RunNormal:
		w.job.AppendTrace(fmt.Sprintf("run completed, exit status %d", result.ExitStatus))
		return CauseNone, sink
	case vmms.RunTimeout:
		w.job.AppendTrace("run timed out, partial output captured")
		w.vm.KeepAlive = false
		return CauseNone, sink
	default: // vmms.RunKilled
		w.job.AppendTrace("run killed")
		w.vm.KeepAlive = false
		return CauseRun, sink
	}
}

// notifyPayload is the small JSON document posted to a job's notify-URL
// (spec.md §4.D transition 5).
type notifyPayload struct {
	ID     int64               `json:"id"`
	Status string              `json:"status"`
	Trace  []domain.TraceEntry `json:"trace"`
}

func (w *Worker) notify(ctx context.Context) {
	if w.job.NotifyURL == "" {
		return
	}
	if err := postNotify(ctx, w.cfg.HTTPClient, w.job); err != nil {
		logging.Op().Warn("notify callback failed", "job", w.job.ID, "url", w.job.NotifyURL, "error", err)
	}
}

func (w *Worker) finish(ctx context.Context, cause FailCause) {
	var final State
	var reason string
	if cause == CauseNone {
		final = StateDone
		reason = "done"
	} else {
		final = StateFailed
		reason = fmt.Sprintf("failed: %s", cause)
	}
	w.setState(final)

	w.job.AssignedVM = ""
	if w.queue != nil {
		w.queue.MakeDead(w.job.ID, reason)
	} else {
		w.job.AppendTrace(reason)
		w.job.Finished = time.Now()
	}

	vm := w.vm
	w.vm = nil
	if vm != nil {
		w.pool.FreeVM(vm)
	}

	durationMs := w.job.Finished.Sub(w.job.Started).Milliseconds()
	if w.job.Started.IsZero() {
		durationMs = w.job.Finished.Sub(w.job.Appended).Milliseconds()
	}
	metrics.Global().RecordJobCompletion(w.job.Image, durationMs, final == StateDone, cause == CauseReadyTimeout, w.job.RetryCount)

	logging.Default().Log(&logging.JobLog{
		JobID:      w.job.ID,
		Image:      w.job.Image,
		VM:         w.job.AssignedVM,
		DurationMs: durationMs,
		Success:    final == StateDone,
		FinalState: string(final),
		Error:      string(cause),
		Retries:    w.job.RetryCount,
		OutputSize: len(w.job.Output),
	})

	if w.cfg.Recorder != nil {
		rec := TraceRecord{
			JobID:      w.job.ID,
			Image:      w.job.Image,
			AccessKey:  w.job.AccessKey,
			FinalState: string(final),
			FailCause:  string(cause),
			RetryCount: w.job.RetryCount,
			Trace:      w.job.Trace,
			Started:    w.job.Started,
			Finished:   w.job.Finished,
		}
		if err := w.cfg.Recorder.Append(ctx, rec); err != nil {
			logging.Op().Warn("trace log append failed", "job", w.job.ID, "error", err)
		}
	}
}

func readInputFile(path string) ([]byte, error) {
	f, err := openFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
