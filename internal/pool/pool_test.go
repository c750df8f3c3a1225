package pool

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/tangoremote/tango/internal/vmms"
)

var _ vmms.Driver = (*fakeDriver)(nil)

type fakeDriver struct {
	mu        sync.Mutex
	nextID    int
	created   []string
	destroyed []string
	failNext  bool
	liveVMs   []vmms.VMInfo
}

func (f *fakeDriver) InitializeVM(ctx context.Context, image string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return "", errors.New("boom")
	}
	f.nextID++
	id := image + "-vm-" + time.Now().Format("150405.000000000") + "-" + string(rune('a'+f.nextID))
	f.created = append(f.created, id)
	return id, nil
}

func (f *fakeDriver) WaitVM(ctx context.Context, handle string, maxWait time.Duration) error { return nil }
func (f *fakeDriver) CopyIn(ctx context.Context, handle string, files map[string][]byte) error { return nil }
func (f *fakeDriver) RunJob(ctx context.Context, handle string, limit time.Duration, sink io.Writer) (vmms.RunResult, error) {
	return vmms.RunResult{}, nil
}
func (f *fakeDriver) CopyOut(ctx context.Context, handle string, dest string) error { return nil }
func (f *fakeDriver) DestroyVM(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, handle)
	return nil
}
func (f *fakeDriver) SafeDestroyVM(ctx context.Context, handle string) error { return f.DestroyVM(ctx, handle) }
func (f *fakeDriver) GetVMs(ctx context.Context) ([]vmms.VMInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.liveVMs, nil
}
func (f *fakeDriver) ExistsVM(ctx context.Context, handle string) bool     { return true }
func (f *fakeDriver) GetImages(ctx context.Context) ([]string, error)      { return nil, nil }

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestUpdateGrowsPoolAsynchronously(t *testing.T) {
	driver := &fakeDriver{}
	p := New(driver, Config{})
	defer p.Shutdown()

	p.Update("alpine", 3, true, 0)

	waitForCondition(t, time.Second, func() bool {
		snap, ok := p.GetPool("alpine")
		return ok && snap.Total == 3 && snap.Free == 3
	})
}

func TestAllocVMReturnsErrPoolEmptyWhenDrained(t *testing.T) {
	driver := &fakeDriver{}
	p := New(driver, Config{})
	defer p.Shutdown()

	p.Update("alpine", 1, true, 0)
	waitForCondition(t, time.Second, func() bool {
		snap, ok := p.GetPool("alpine")
		return ok && snap.Free == 1
	})

	vm, err := p.AllocVM("alpine")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vm == nil {
		t.Fatal("expected a VM")
	}

	_, err = p.AllocVM("alpine")
	if !errors.Is(err, ErrPoolEmpty) {
		t.Fatalf("expected ErrPoolEmpty, got %v", err)
	}
}

func TestAllocVMUnknownImage(t *testing.T) {
	driver := &fakeDriver{}
	p := New(driver, Config{})
	defer p.Shutdown()

	_, err := p.AllocVM("nonexistent")
	if !errors.Is(err, ErrUnknownImage) {
		t.Fatalf("expected ErrUnknownImage, got %v", err)
	}
}

func TestFreeVMKeepAliveReturnsToPool(t *testing.T) {
	driver := &fakeDriver{}
	p := New(driver, Config{})
	defer p.Shutdown()

	p.Update("alpine", 2, true, 0)
	waitForCondition(t, time.Second, func() bool {
		snap, ok := p.GetPool("alpine")
		return ok && snap.Free == 2
	})

	vm, err := p.AllocVM("alpine")
	if err != nil {
		t.Fatalf("alloc failed: %v", err)
	}

	p.FreeVM(vm)
	waitForCondition(t, time.Second, func() bool {
		snap, ok := p.GetPool("alpine")
		return ok && snap.Free == 2
	})
}

func TestFreeVMWithoutKeepAliveDestroysAndReplaces(t *testing.T) {
	driver := &fakeDriver{}
	p := New(driver, Config{})
	defer p.Shutdown()

	p.Update("alpine", 1, false, 0)
	waitForCondition(t, time.Second, func() bool {
		snap, ok := p.GetPool("alpine")
		return ok && snap.Free == 1
	})

	vm, err := p.AllocVM("alpine")
	if err != nil {
		t.Fatalf("alloc failed: %v", err)
	}
	vm.KeepAlive = false

	p.FreeVM(vm)

	waitForCondition(t, time.Second, func() bool {
		driver.mu.Lock()
		destroyed := len(driver.destroyed)
		driver.mu.Unlock()
		return destroyed == 1
	})

	waitForCondition(t, time.Second, func() bool {
		snap, ok := p.GetPool("alpine")
		return ok && snap.Free == 1 && snap.Total == 1
	})
}

func TestUpdateShrinksPoolByDestroyingSurplus(t *testing.T) {
	driver := &fakeDriver{}
	p := New(driver, Config{})
	defer p.Shutdown()

	p.Update("alpine", 3, true, 0)
	waitForCondition(t, time.Second, func() bool {
		snap, ok := p.GetPool("alpine")
		return ok && snap.Total == 3
	})

	p.Update("alpine", 1, true, 0)
	waitForCondition(t, time.Second, func() bool {
		snap, ok := p.GetPool("alpine")
		return ok && snap.Total == 1 && snap.Free == 1
	})
}

func TestGetAllPoolsListsEveryImage(t *testing.T) {
	driver := &fakeDriver{}
	p := New(driver, Config{})
	defer p.Shutdown()

	p.Update("alpine", 1, true, 0)
	p.Update("ubuntu", 1, true, 0)

	waitForCondition(t, time.Second, func() bool {
		return len(p.GetAllPools()) == 2
	})
}
