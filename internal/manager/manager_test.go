package manager

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/tangoremote/tango/internal/domain"
	"github.com/tangoremote/tango/internal/jobqueue"
	"github.com/tangoremote/tango/internal/pool"
	"github.com/tangoremote/tango/internal/vmms"
)

var _ vmms.Driver = (*fakeDriver)(nil)

// fakeDriver is a fast, always-ready driver so manager tests exercise
// scheduling and reaping without waiting on real VM lifecycles.
type fakeDriver struct {
	mu        sync.Mutex
	nextID    int
	destroyed []string
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
func (f *fakeDriver) DestroyVM(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, handle)
	return nil
}
func (f *fakeDriver) SafeDestroyVM(ctx context.Context, handle string) error { return f.DestroyVM(ctx, handle) }
func (f *fakeDriver) GetVMs(ctx context.Context) ([]vmms.VMInfo, error)     { return nil, nil }
func (f *fakeDriver) ExistsVM(ctx context.Context, handle string) bool      { return true }
func (f *fakeDriver) GetImages(ctx context.Context) ([]string, error)       { return nil, nil }

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before timeout")
	}
}

func newTestJob(image string) *domain.Job {
	return &domain.Job{
		ID:             1,
		Image:          image,
		MaxRuntime:     time.Second,
		MaxOutputBytes: 1 << 20,
		OutputFile:     domain.OutputSpec{DestPath: "out.txt"},
	}
}

func TestManagerAssignsPendingJobWhenPoolHasCapacity(t *testing.T) {
	driver := &fakeDriver{}
	p := pool.New(driver, pool.Config{})
	defer p.Shutdown()
	p.Update("alpine", 1, true, 0)
	waitForCondition(t, time.Second, func() bool {
		snap, _ := p.GetPool("alpine")
		return snap.Free == 1
	})

	q := jobqueue.New(jobqueue.Config{})
	q.Add(newTestJob("alpine"), "")

	m := New(q, p, driver, Config{TickPeriod: 50 * time.Millisecond})
	m.Start()
	defer m.Stop()

	waitForCondition(t, time.Second, func() bool {
		job, ok := q.Get(1)
		return ok && job.State == domain.StateDead
	})

	job, _ := q.Get(1)
	if job.AssignedVM != "" {
		t.Fatalf("expected job to be unassigned once done, got %q", job.AssignedVM)
	}
}

func TestManagerDefersScanWhenPoolEmpty(t *testing.T) {
	driver := &fakeDriver{}
	p := pool.New(driver, pool.Config{})
	defer p.Shutdown()
	p.Update("alpine", 0, true, 0) // no capacity at all

	q := jobqueue.New(jobqueue.Config{})
	q.Add(newTestJob("alpine"), "")

	m := New(q, p, driver, Config{TickPeriod: 30 * time.Millisecond})
	m.Start()
	defer m.Stop()

	time.Sleep(150 * time.Millisecond)

	job, ok := q.Get(1)
	if !ok {
		t.Fatal("expected job to still exist")
	}
	if job.State != domain.StateLive {
		t.Fatalf("expected job to remain live while pool is empty, got %v", job.State)
	}
	if job.AssignedVM != "" {
		t.Fatal("expected job to remain unassigned while pool is empty")
	}
}

func TestReapOneSkipsAlreadyTerminalJob(t *testing.T) {
	driver := &fakeDriver{}
	p := pool.New(driver, pool.Config{})
	defer p.Shutdown()

	q := jobqueue.New(jobqueue.Config{})
	id := q.Add(newTestJob("alpine"), "")
	q.MakeDead(id, "done")

	m := New(q, p, driver, Config{})
	job, _ := q.Get(id)
	m.reapOne(&runningWorker{jobID: id, worker: nil})

	if len(driver.destroyed) != 0 {
		t.Fatalf("expected no destroy call for an already-dead job, got %v", driver.destroyed)
	}
	_ = job
}
