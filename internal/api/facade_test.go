package api

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tangoremote/tango/internal/jobqueue"
	"github.com/tangoremote/tango/internal/manager"
	"github.com/tangoremote/tango/internal/pool"
	"github.com/tangoremote/tango/internal/vmms"
)

var _ vmms.Driver = (*fakeDriver)(nil)

type fakeDriver struct {
	mu     sync.Mutex
	nextID int
	images []string
}

func (f *fakeDriver) InitializeVM(ctx context.Context, image string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return image + "-vm-" + string(rune('a'+f.nextID)), nil
}
func (f *fakeDriver) WaitVM(ctx context.Context, handle string, maxWait time.Duration) error { return nil }
func (f *fakeDriver) CopyIn(ctx context.Context, handle string, files map[string][]byte) error {
	return nil
}
func (f *fakeDriver) RunJob(ctx context.Context, handle string, limit time.Duration, sink io.Writer) (vmms.RunResult, error) {
	return vmms.RunResult{Flag: vmms.RunNormal}, nil
}
func (f *fakeDriver) CopyOut(ctx context.Context, handle string, dest string) error { return nil }
func (f *fakeDriver) DestroyVM(ctx context.Context, handle string) error            { return nil }
func (f *fakeDriver) SafeDestroyVM(ctx context.Context, handle string) error        { return nil }
func (f *fakeDriver) GetVMs(ctx context.Context) ([]vmms.VMInfo, error)             { return nil, nil }
func (f *fakeDriver) ExistsVM(ctx context.Context, handle string) bool              { return true }
func (f *fakeDriver) GetImages(ctx context.Context) ([]string, error)              { return f.images, nil }

func newTestFacade(t *testing.T) (*Facade, *fakeDriver) {
	t.Helper()
	driver := &fakeDriver{images: []string{"alpine"}}
	q := jobqueue.New(jobqueue.Config{})
	p := pool.New(driver, pool.Config{})
	t.Cleanup(p.Shutdown)
	mgr := manager.New(q, p, driver, manager.Config{})

	f := New(q, p, mgr, driver, Config{
		RunTimeoutCeiling: time.Minute,
		WorkDir:           t.TempDir(),
	})
	return f, driver
}

func validSpec(t *testing.T, f *Facade, key string) JobSpec {
	t.Helper()
	mk, err := f.Upload(key, "Makefile", []byte("all:\n\techo hi\n"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	return JobSpec{
		AccessKey: key,
		Image:     "alpine",
		InputFiles: []InputFileSpec{
			{LocalFile: mk.Filename, DestFile: "Makefile"},
		},
		OutputFile:        OutputFileSpec{DestPath: "out.txt", Format: "raw"},
		MaxOutputFileSize: 1 << 20,
		TimeoutSeconds:    5,
	}
}

func TestUploadWritesFileUnderWorkDir(t *testing.T) {
	f, _ := newTestFacade(t)
	entry, err := f.Upload("alice", "Makefile", []byte("all:\n"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, err := os.Stat(entry.Filename); err != nil {
		t.Fatalf("expected file on disk: %v", err)
	}
	if !filepath.IsAbs(entry.Filename) && filepath.Dir(entry.Filename) == "." {
		t.Fatalf("expected filename to include directory, got %q", entry.Filename)
	}

	manifest := f.Open("alice")
	if len(manifest) != 1 || manifest[0].Digest == "" {
		t.Fatalf("expected one manifest entry with digest, got %+v", manifest)
	}
}

func TestUploadRejectsPathTraversal(t *testing.T) {
	f, _ := newTestFacade(t)
	if _, err := f.Upload("../escape", "x", []byte("x")); err == nil {
		t.Fatal("expected traversal in key to be rejected")
	}
	if _, err := f.Upload("alice", "../../etc/passwd", []byte("x")); err == nil {
		t.Fatal("expected traversal in filename to be rejected")
	}
}

func TestAddJobAcceptsValidSpec(t *testing.T) {
	f, _ := newTestFacade(t)
	spec := validSpec(t, f, "alice")

	id, err := f.AddJob(context.Background(), spec)
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if id == 0 {
		t.Fatal("expected non-zero job id")
	}

	jobs := f.Jobs()
	if len(jobs) != 1 {
		t.Fatalf("expected 1 live job, got %d", len(jobs))
	}
}

func TestAddJobRejectsUnknownImage(t *testing.T) {
	f, _ := newTestFacade(t)
	spec := validSpec(t, f, "alice")
	spec.Image = "does-not-exist"

	_, err := f.AddJob(context.Background(), spec)
	if err == nil {
		t.Fatal("expected validation error for unknown image")
	}
	var verr *ValidationError
	if !asValidationError(err, &verr) {
		t.Fatalf("expected *ValidationError, got %T: %v", err, err)
	}
}

func TestAddJobRejectsMissingMakefile(t *testing.T) {
	f, _ := newTestFacade(t)
	spec := validSpec(t, f, "alice")
	spec.InputFiles = []InputFileSpec{{LocalFile: spec.InputFiles[0].LocalFile, DestFile: "notmakefile"}}

	if _, err := f.AddJob(context.Background(), spec); err == nil {
		t.Fatal("expected validation error for missing Makefile")
	}
}

func TestAddJobRejectsZeroTimeout(t *testing.T) {
	f, _ := newTestFacade(t)
	spec := validSpec(t, f, "alice")
	spec.TimeoutSeconds = 0

	if _, err := f.AddJob(context.Background(), spec); err == nil {
		t.Fatal("expected zero timeout to be rejected, not defaulted to the ceiling")
	}
}

func TestAddJobRejectsTimeoutAboveCeiling(t *testing.T) {
	f, _ := newTestFacade(t)
	spec := validSpec(t, f, "alice")
	spec.TimeoutSeconds = 3600

	if _, err := f.AddJob(context.Background(), spec); err == nil {
		t.Fatal("expected timeout above ceiling to be rejected")
	}
}

func TestAddJobDedupesIdenticalSubmission(t *testing.T) {
	f, _ := newTestFacade(t)
	spec := validSpec(t, f, "alice")

	id1, err := f.AddJob(context.Background(), spec)
	if err != nil {
		t.Fatalf("first AddJob: %v", err)
	}
	id2, err := f.AddJob(context.Background(), spec)
	if err != nil {
		t.Fatalf("second AddJob: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected dedupe to return the same id, got %d and %d", id1, id2)
	}
}

func TestPollReturnsUnknownBeforeAnyJob(t *testing.T) {
	f, _ := newTestFacade(t)
	if _, ok := f.Poll("alice", "out.txt"); ok {
		t.Fatal("expected no result before any job targets out.txt")
	}
}

func TestPollFindsJobByOutputDestination(t *testing.T) {
	f, _ := newTestFacade(t)
	spec := validSpec(t, f, "alice")

	id, err := f.AddJob(context.Background(), spec)
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	result, ok := f.Poll("alice", "out.txt")
	if !ok {
		t.Fatal("expected poll to find the job")
	}
	if result.JobID != id {
		t.Fatalf("expected job id %d, got %d", id, result.JobID)
	}
}

func asValidationError(err error, target **ValidationError) bool {
	verr, ok := err.(*ValidationError)
	if ok {
		*target = verr
	}
	return ok
}
