// Package api implements the Server façade from spec.md §4.F: the
// external command surface (open/upload/addJob/poll/info/jobs/pool/
// preallocVM) that accepts requests and delegates to the Job Queue,
// Preallocator, and Job Manager. It is deliberately thin: every
// interesting decision lives in internal/jobqueue, internal/pool, and
// internal/manager.
//
// Grounded on a handlers.go request
// validation and response-shaping style, reduced to the handful of
// commands this system exposes.
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tangoremote/tango/internal/domain"
	"github.com/tangoremote/tango/internal/jobqueue"
	"github.com/tangoremote/tango/internal/manager"
	"github.com/tangoremote/tango/internal/pkg/crypto"
	"github.com/tangoremote/tango/internal/pool"
	"github.com/tangoremote/tango/internal/vmms"
)

// ManifestEntry is one known file under a requester's working
// directory, per spec.md §4.F "open(key)... returns a manifest of known
// files and their digests."
type ManifestEntry struct {
	Filename string `json:"filename"`
	Digest   string `json:"digest"`
	Size     int64  `json:"size"`
}

// JobSpec is the external job submission shape, per spec.md §6 "Job
// specification (submitted externally)".
type JobSpec struct {
	AccessKey         string            `json:"accessKey"`
	Image             string            `json:"image"`
	InputFiles        []InputFileSpec   `json:"inputFiles"`
	OutputFile        OutputFileSpec    `json:"outputFile"`
	MaxOutputFileSize int64             `json:"maxOutputFileSize"`
	TimeoutSeconds    int               `json:"timeout"`
	NotifyURL         string            `json:"notifyURL,omitempty"`
}

// InputFileSpec names one file already uploaded under the requester's
// working directory (localFile) and where it lands inside the VM
// (destFile).
type InputFileSpec struct {
	LocalFile string `json:"localFile"`
	DestFile  string `json:"destFile"`
}

// OutputFileSpec is where captured output should land and how.
type OutputFileSpec struct {
	DestPath    string `json:"destPath"`
	Format      string `json:"format"`
	CallbackURL string `json:"callbackURL,omitempty"`
}

// ValidationError is returned by AddJob for a synchronously rejected
// submission (spec.md §7 "User-fatal"). The job is still recorded dead
// so the requester can poll the rejection reason.
type ValidationError struct {
	JobID  int64
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// Config bounds façade-level validation and storage.
type Config struct {
	RunTimeoutCeiling time.Duration
	IncludeAccessKey  bool   // dedupe fingerprint, spec.md §9 Open Question (a)
	WorkDir           string // root directory uploaded files are written under
}

// Facade is the Server façade. The zero value is not usable; construct
// via New.
type Facade struct {
	queue   *jobqueue.Queue
	pool    *pool.Pool
	manager *manager.Manager
	driver  vmms.Driver
	cfg     Config

	mu   sync.RWMutex
	dirs map[string]*requesterDir // access key -> working directory
}

type requesterDir struct {
	mu    sync.Mutex
	files map[string]ManifestEntry // filename -> entry
	byDest map[string]int64        // outputFile destPath -> most recent job id
}

// New constructs a Facade over the given subsystems.
func New(queue *jobqueue.Queue, p *pool.Pool, mgr *manager.Manager, driver vmms.Driver, cfg Config) *Facade {
	if cfg.RunTimeoutCeiling <= 0 {
		cfg.RunTimeoutCeiling = 10 * time.Minute
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = "tango-work"
	}
	return &Facade{
		queue:   queue,
		pool:    p,
		manager: mgr,
		driver:  driver,
		cfg:     cfg,
		dirs:    make(map[string]*requesterDir),
	}
}

func (f *Facade) dirFor(key string) *requesterDir {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.dirs[key]
	if !ok {
		d = &requesterDir{files: make(map[string]ManifestEntry), byDest: make(map[string]int64)}
		f.dirs[key] = d
	}
	return d
}

// Open ensures a working directory exists for key and returns its
// current manifest (spec.md §4.F "open(key)").
func (f *Facade) Open(key string) []ManifestEntry {
	d := f.dirFor(key)
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ManifestEntry, 0, len(d.files))
	for _, e := range d.files {
		out = append(out, e)
	}
	return out
}

// Upload stores content under key's working directory and records its
// digest (spec.md §4.F "upload(key, filename, bytes)").
func (f *Facade) Upload(key, filename string, content []byte) (ManifestEntry, error) {
	path, err := f.writeUploadedFile(key, filename, content)
	if err != nil {
		return ManifestEntry{}, fmt.Errorf("store upload: %w", err)
	}

	entry := ManifestEntry{
		Filename: path,
		Digest:   crypto.HashString(string(content)),
		Size:     int64(len(content)),
	}

	d := f.dirFor(key)
	d.mu.Lock()
	d.files[filename] = entry
	d.mu.Unlock()

	return entry, nil
}

// AddJob validates spec and, if accepted, enqueues it on the Job Queue,
// or returns the existing id on dedupe (spec.md §4.F "addJob").
// Rejected specs are recorded directly as dead jobs via AddDead so the
// requester can poll the reason (spec.md §7 "User-fatal").
func (f *Facade) AddJob(ctx context.Context, spec JobSpec) (int64, error) {
	job, reason := f.buildJob(ctx, spec)
	if reason != "" {
		rejected := &domain.Job{Image: spec.Image, AccessKey: spec.AccessKey}
		id := f.queue.AddDead(rejected, reason)
		return id, &ValidationError{JobID: id, Reason: reason}
	}

	fingerprint, err := jobqueue.Fingerprint(job, f.cfg.IncludeAccessKey)
	if err != nil {
		rejected := &domain.Job{Image: spec.Image, AccessKey: spec.AccessKey}
		id := f.queue.AddDead(rejected, fmt.Sprintf("fingerprint: %v", err))
		return id, &ValidationError{JobID: id, Reason: err.Error()}
	}

	id := f.queue.Add(job, fingerprint)

	if spec.OutputFile.DestPath != "" {
		d := f.dirFor(spec.AccessKey)
		d.mu.Lock()
		d.byDest[spec.OutputFile.DestPath] = id
		d.mu.Unlock()
	}

	return id, nil
}

// buildJob validates spec against spec.md §4.F / §6 and, if valid,
// returns the constructed (not yet enqueued) Job. A non-empty reason
// means validation failed.
func (f *Facade) buildJob(ctx context.Context, spec JobSpec) (*domain.Job, string) {
	if !f.imageKnown(ctx, spec.Image) {
		return nil, fmt.Sprintf("unknown image %q", spec.Image)
	}
	if len(spec.InputFiles) == 0 {
		return nil, "inputFiles must be non-empty"
	}
	if hasMakefile := containsMakefile(spec.InputFiles); !hasMakefile {
		return nil, "inputFiles must include a Makefile destination"
	}
	if spec.OutputFile.DestPath == "" {
		return nil, "outputFile is required"
	}
	format := domain.OutputFormat(spec.OutputFile.Format)
	if format != domain.OutputRaw && format != domain.OutputBase64 {
		return nil, fmt.Sprintf("invalid output format %q", spec.OutputFile.Format)
	}
	if spec.TimeoutSeconds == 0 {
		// spec.md §9 Open Question (c): reject, never silently use the ceiling.
		return nil, "timeout must be non-zero"
	}
	timeout := time.Duration(spec.TimeoutSeconds) * time.Second
	if timeout > f.cfg.RunTimeoutCeiling {
		return nil, fmt.Sprintf("timeout %s exceeds ceiling %s", timeout, f.cfg.RunTimeoutCeiling)
	}

	inputs := make([]domain.InputFile, 0, len(spec.InputFiles))
	for _, in := range spec.InputFiles {
		inputs = append(inputs, domain.InputFile{LocalFile: in.LocalFile, DestFile: in.DestFile})
	}

	job := &domain.Job{
		Image:      spec.Image,
		AccessKey:  spec.AccessKey,
		InputFiles: inputs,
		OutputFile: domain.OutputSpec{
			DestPath:    spec.OutputFile.DestPath,
			Format:      format,
			CallbackURL: spec.OutputFile.CallbackURL,
		},
		MaxRuntime:     timeout,
		NotifyURL:      spec.NotifyURL,
		MaxOutputBytes: spec.MaxOutputFileSize,
	}
	return job, ""
}

func (f *Facade) imageKnown(ctx context.Context, image string) bool {
	images, err := f.driver.GetImages(ctx)
	if err != nil {
		return false
	}
	for _, i := range images {
		if i == image {
			return true
		}
	}
	return false
}

func containsMakefile(files []InputFileSpec) bool {
	for _, f := range files {
		if f.DestFile == "Makefile" {
			return true
		}
	}
	return false
}

// PollResult is the façade's response to poll (spec.md §4.F "poll(output-file)").
type PollResult struct {
	JobID  int64               `json:"jobId"`
	State  domain.State        `json:"state"`
	Output []byte              `json:"output,omitempty"`
	Trace  []domain.TraceEntry `json:"trace"`
}

// Poll returns the current captured output and trace for the most
// recent job that targeted outputFile under key's working directory.
func (f *Facade) Poll(key, outputFile string) (PollResult, bool) {
	d := f.dirFor(key)
	d.mu.Lock()
	id, ok := d.byDest[outputFile]
	d.mu.Unlock()
	if !ok {
		return PollResult{}, false
	}

	job, ok := f.queue.Get(id)
	if !ok {
		return PollResult{}, false
	}
	return PollResult{JobID: job.ID, State: job.State, Output: job.Output, Trace: job.Trace}, true
}

// InfoSnapshot is the façade's response to info (spec.md §4.F "info").
type InfoSnapshot struct {
	PendingJobs     int `json:"pendingJobs"`
	DeadJobs        int `json:"deadJobs"`
	RunningWorkers  int `json:"runningWorkers"`
}

// Info returns top-level broker counters.
func (f *Facade) Info() InfoSnapshot {
	return InfoSnapshot{
		PendingJobs:    f.queue.PendingDepth(),
		DeadJobs:       f.queue.DeadCount(),
		RunningWorkers: f.manager.RunningWorkers(),
	}
}

// Jobs returns every currently-live job, per spec.md §4.F "jobs".
func (f *Facade) Jobs() []*domain.Job {
	return f.queue.AllLive()
}

// Pool returns a per-image pool snapshot, per spec.md §4.F "pool".
func (f *Facade) Pool() []pool.Snapshot {
	return f.pool.GetAllPools()
}

// PreallocVM resizes image's pool to n, per spec.md §4.F "preallocVM(image, n)".
func (f *Facade) PreallocVM(image string, n int, keepAlive bool, hardCap int) {
	f.pool.Update(image, n, keepAlive, hardCap)
}
