// Package domain holds the data types shared across the job broker: the
// submitted job, its lifecycle trace, and the VM it runs on.
package domain

import "time"

// State is the terminal/non-terminal bucket a Job belongs to. A Job is
// always in exactly one of these two states; "dead" is final.
type State string

const (
	StateLive State = "live"
	StateDead State = "dead"
)

// OutputFormat is how the captured run output should be delivered.
type OutputFormat string

const (
	OutputRaw    OutputFormat = "raw"
	OutputBase64 OutputFormat = "base64"
)

// InputFile is one file to copy into the execution environment before the
// run. DestFile is relative to the directory the run command executes in.
type InputFile struct {
	LocalFile string `json:"localFile"`
	DestFile  string `json:"destFile"`
}

// OutputSpec describes where captured output should land and how it should
// be delivered back to the requester.
type OutputSpec struct {
	DestPath    string       `json:"destPath"`
	Format      OutputFormat `json:"format"`
	CallbackURL string       `json:"callbackURL,omitempty"`
}

// TraceEntry is one timestamped status string appended by the worker that
// owns a job. Trace entries are totally ordered by that single worker.
type TraceEntry struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// Job is a self-contained build-and-run submission. Its id is a monotonic
// integer, unique for the life of the process, never reused.
//
// Invariants (spec §3):
//   - a Job is in exactly one of {live, dead} at any time;
//   - while live, AssignedVM is either empty (unassigned) or refers to a
//     VM currently owned by this job, never one sitting in a free pool;
//   - on transition to dead, AssignedVM is cleared before the VM is
//     released or destroyed.
type Job struct {
	ID         int64
	AssignedVM string // empty when unassigned
	Image      string
	InputFiles []InputFile
	OutputFile OutputSpec
	MaxRuntime time.Duration
	NotifyURL  string
	AccessKey  string

	MaxOutputBytes int64

	Trace []TraceEntry

	RetryCount int
	State      State

	Appended time.Time
	Assigned time.Time
	Started  time.Time
	Finished time.Time

	// Output holds the captured run output once the job is dead. It is
	// nil while the job is live or pending.
	Output []byte

	// cancel is set by an external cancellation request; the worker
	// checks it at each state-machine checkpoint (spec §4.D Preemption).
	cancel bool
}

// Cancel marks the job for cancellation. The worker observes this at its
// next checkpoint and transitions to FAILED(cancelled).
func (j *Job) Cancel() { j.cancel = true }

// Cancelled reports whether an external cancel request is pending.
func (j *Job) Cancelled() bool { return j.cancel }

// AppendTrace appends a timestamped status string to the job's trace. Only
// the worker that owns the job may call this.
func (j *Job) AppendTrace(msg string) {
	j.Trace = append(j.Trace, TraceEntry{At: clock(), Message: msg})
}

// clock is indirected so tests can freeze time if ever needed; production
// code always uses time.Now.
var clock = time.Now
