package worker

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/tangoremote/tango/internal/domain"
	"github.com/tangoremote/tango/internal/vmms"
)

var _ vmms.Driver = (*fakeDriver)(nil)

type fakeDriver struct {
	mu sync.Mutex

	waitReadyErrs map[string]error // handle -> error returned once by WaitVM
	copyInErr     error
	runResult     vmms.RunResult
	runErr        error
	runOutput     string
	copyOutErr    error

	destroyed []string
}

func (f *fakeDriver) InitializeVM(ctx context.Context, image string) (string, error) {
	return image + "-vm", nil
}

func (f *fakeDriver) WaitVM(ctx context.Context, handle string, maxWait time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.waitReadyErrs[handle]; ok {
		delete(f.waitReadyErrs, handle)
		return err
	}
	return nil
}

func (f *fakeDriver) CopyIn(ctx context.Context, handle string, files map[string][]byte) error {
	return f.copyInErr
}

func (f *fakeDriver) RunJob(ctx context.Context, handle string, limit time.Duration, sink io.Writer) (vmms.RunResult, error) {
	if f.runOutput != "" {
		_, _ = sink.Write([]byte(f.runOutput))
	}
	return f.runResult, f.runErr
}

func (f *fakeDriver) CopyOut(ctx context.Context, handle string, dest string) error {
	return f.copyOutErr
}

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

// fakePool is a minimal VMSource for worker tests.
type fakePool struct {
	mu       sync.Mutex
	allocs   []string
	freed    []*domain.VM
	nextVM   int
	allocErr error
}

func (p *fakePool) AllocVM(image string) (*domain.VM, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.allocErr != nil {
		return nil, p.allocErr
	}
	p.nextVM++
	id := image + "-replacement-vm"
	p.allocs = append(p.allocs, id)
	return &domain.VM{ID: id, Image: image, KeepAlive: true}, nil
}

func (p *fakePool) FreeVM(vm *domain.VM) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.freed = append(p.freed, vm)
}

// fakeQueue is a minimal JobCompleter for worker tests.
type fakeQueue struct {
	mu     sync.Mutex
	dead   []int64
	reason string
}

func (q *fakeQueue) MakeDead(id int64, reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, id)
	q.reason = reason
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

func TestRunSucceedsThroughAllStates(t *testing.T) {
	job := newTestJob("alpine")
	vm := &domain.VM{ID: "alpine-vm", Image: "alpine", KeepAlive: true}
	driver := &fakeDriver{runOutput: "hello"}
	p := &fakePool{}
	q := &fakeQueue{}

	w := New(job, vm, driver, p, q, Config{})
	w.Run(context.Background())

	if w.State() != StateDone {
		t.Fatalf("expected DONE, got %v", w.State())
	}
	if string(job.Output) != "hello" {
		t.Fatalf("expected captured output %q, got %q", "hello", job.Output)
	}
	if len(p.freed) != 1 || p.freed[0].ID != vm.ID {
		t.Fatalf("expected vm freed back to pool, got %+v", p.freed)
	}
	if job.AssignedVM != "" {
		t.Fatalf("expected AssignedVM cleared, got %q", job.AssignedVM)
	}
	if len(q.dead) != 1 || q.dead[0] != job.ID {
		t.Fatalf("expected job marked dead in the queue, got %v", q.dead)
	}
}

func TestWaitReadyRetriesWithReplacementVM(t *testing.T) {
	job := newTestJob("alpine")
	vm := &domain.VM{ID: "alpine-vm", Image: "alpine"}
	driver := &fakeDriver{
		waitReadyErrs: map[string]error{"alpine-vm": errors.New("not ready")},
	}
	p := &fakePool{}
	q := &fakeQueue{}

	w := New(job, vm, driver, p, q, Config{ReadyRetryBudget: 2})
	w.Run(context.Background())

	if w.State() != StateDone {
		t.Fatalf("expected eventual DONE after retry, got %v", w.State())
	}
	if len(driver.destroyed) != 1 || driver.destroyed[0] != "alpine-vm" {
		t.Fatalf("expected original vm destroyed, got %v", driver.destroyed)
	}
	if len(p.allocs) != 1 {
		t.Fatalf("expected one replacement vm allocated, got %d", len(p.allocs))
	}
}

func TestWaitReadyExhaustsRetryBudget(t *testing.T) {
	job := newTestJob("alpine")
	vm := &domain.VM{ID: "alpine-vm", Image: "alpine"}
	driver := &fakeDriver{
		waitReadyErrs: map[string]error{
			"alpine-vm":              errors.New("not ready"),
			"alpine-replacement-vm": errors.New("not ready"),
		},
	}
	p := &fakePool{}
	q := &fakeQueue{}

	w := New(job, vm, driver, p, q, Config{ReadyRetryBudget: 1})
	w.Run(context.Background())

	if w.State() != StateFailed {
		t.Fatalf("expected FAILED after exhausting retry budget, got %v", w.State())
	}
}

func TestCopyInFailureFails(t *testing.T) {
	job := newTestJob("alpine")
	vm := &domain.VM{ID: "alpine-vm", Image: "alpine"}
	driver := &fakeDriver{copyInErr: errors.New("disk full")}
	p := &fakePool{}
	q := &fakeQueue{}

	w := New(job, vm, driver, p, q, Config{})
	w.Run(context.Background())

	if w.State() != StateFailed {
		t.Fatalf("expected FAILED, got %v", w.State())
	}
}

func TestRunTimeoutStillCopiesOutAndClearsKeepAlive(t *testing.T) {
	job := newTestJob("alpine")
	vm := &domain.VM{ID: "alpine-vm", Image: "alpine", KeepAlive: true}
	driver := &fakeDriver{runResult: vmms.RunResult{Flag: vmms.RunTimeout}}
	p := &fakePool{}
	q := &fakeQueue{}

	w := New(job, vm, driver, p, q, Config{})
	w.Run(context.Background())

	if w.State() != StateDone {
		t.Fatalf("expected DONE despite timeout (partial output still delivered), got %v", w.State())
	}
	if vm.KeepAlive {
		t.Fatal("expected keep-alive cleared after a timed-out run")
	}
}

func TestRunKilledFailsAndClearsKeepAlive(t *testing.T) {
	job := newTestJob("alpine")
	vm := &domain.VM{ID: "alpine-vm", Image: "alpine", KeepAlive: true}
	driver := &fakeDriver{runResult: vmms.RunResult{Flag: vmms.RunKilled}}
	p := &fakePool{}
	q := &fakeQueue{}

	w := New(job, vm, driver, p, q, Config{})
	w.Run(context.Background())

	if w.State() != StateFailed {
		t.Fatalf("expected FAILED, got %v", w.State())
	}
	if vm.KeepAlive {
		t.Fatal("expected keep-alive cleared after a killed run")
	}
}

func TestCopyOutFailureClearsKeepAlive(t *testing.T) {
	job := newTestJob("alpine")
	vm := &domain.VM{ID: "alpine-vm", Image: "alpine", KeepAlive: true}
	driver := &fakeDriver{copyOutErr: errors.New("network error")}
	p := &fakePool{}
	q := &fakeQueue{}

	w := New(job, vm, driver, p, q, Config{})
	w.Run(context.Background())

	if w.State() != StateFailed {
		t.Fatalf("expected FAILED, got %v", w.State())
	}
	if vm.KeepAlive {
		t.Fatal("expected keep-alive cleared after copy-out failure")
	}
}

func TestCancelledJobJumpsToFailed(t *testing.T) {
	job := newTestJob("alpine")
	job.Cancel()
	vm := &domain.VM{ID: "alpine-vm", Image: "alpine"}
	driver := &fakeDriver{}
	p := &fakePool{}
	q := &fakeQueue{}

	w := New(job, vm, driver, p, q, Config{})
	w.Run(context.Background())

	if w.State() != StateFailed {
		t.Fatalf("expected FAILED, got %v", w.State())
	}
	if len(p.freed) != 1 {
		t.Fatal("expected vm still released back to pool after cancellation")
	}
}
