// Package pool implements the Preallocator from spec.md §4.B: a
// per-image pool of warm execution environments, resized asynchronously
// on Update, handed out by AllocVM, and returned by FreeVM honouring
// each VM's keep-alive flag.
//
// # Design rationale
//
// Creating and destroying a VM is a slow VMMS call. The Preallocator
// keeps a free set of already-created VMs per image so a Worker can
// acquire one without paying that cost on the hot path; AllocVM never
// blocks -- spec.md §4.E "the Job Manager never blocks on VMMS calls; it
// only calls allocVM (non-blocking)".
//
// # Concurrency model
//
// Adapted from a functionPool that keeps one sync.RWMutex-guarded
// struct per pool key and performs slow backend calls outside the lock.
// Here there is one imagePool per image name, guarded the same way;
// creates and destroys run in their own goroutines and only touch the
// pool's free/total slices while holding its lock, exactly as a
// cleanupExpired routine does its backend calls after releasing its lock.
//
// # Invariants (spec.md §3, §8)
//
//   - free ⊆ total for every image;
//   - |total| never exceeds the configured hard cap;
//   - a VM is owned by exactly one of: the free list, a running job, or
//     an in-flight create/destroy.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tangoremote/tango/internal/domain"
	"github.com/tangoremote/tango/internal/logging"
	"github.com/tangoremote/tango/internal/metrics"
	"github.com/tangoremote/tango/internal/vmms"
)

var (
	// ErrPoolEmpty is returned by AllocVM when no free VM is available.
	// This is not a failure: callers are expected to treat it as "try
	// again after the next create completes."
	ErrPoolEmpty = errors.New("pool: no free VM available")
	// ErrUnknownImage is returned when an operation references an image
	// that has never been registered via Update.
	ErrUnknownImage = errors.New("pool: unknown image")
)

const (
	// DefaultReplacementRetryBudget bounds how many create attempts,
	// the first one included, a replacement create gets before the pool
	// is left under target and the failure is only logged (spec.md §4.B).
	DefaultReplacementRetryBudget = 5
	// DefaultHardCap bounds |total| per image absent explicit config.
	DefaultHardCap = 64
)

// imagePool holds the free/total accounting for one image. All fields
// are guarded by mu; slow VMMS calls must never happen while mu is held.
type imagePool struct {
	mu      sync.Mutex
	free    []string            // VM ids, FIFO: oldest warm VM first
	total   map[string]struct{} // all VM ids for this image, free or assigned
	target  int
	hardCap int
	// keepAlive is the default new VMs for this image are created with.
	keepAlive bool
}

func newImagePool(keepAlive bool, hardCap int) *imagePool {
	if hardCap <= 0 {
		hardCap = DefaultHardCap
	}
	return &imagePool{total: make(map[string]struct{}), hardCap: hardCap, keepAlive: keepAlive}
}

// Snapshot is a point-in-time view of one image's pool, returned by
// GetPool/GetAllPools (spec.md §4.F "info / jobs / pool").
type Snapshot struct {
	Image  string `json:"image"`
	Free   int    `json:"free"`
	Total  int    `json:"total"`
	Target int    `json:"target"`
}

// Pool is the Preallocator. The zero value is not usable; construct via
// New.
type Pool struct {
	driver vmms.Driver

	mu     sync.RWMutex
	images map[string]*imagePool

	replacementRetryBudget int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config configures a Pool.
type Config struct {
	ReplacementRetryBudget int
}

// New constructs a Pool bound to driver. Call Shutdown to stop any
// in-flight background work when the pool is no longer needed.
func New(driver vmms.Driver, cfg Config) *Pool {
	if cfg.ReplacementRetryBudget <= 0 {
		cfg.ReplacementRetryBudget = DefaultReplacementRetryBudget
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		driver:                 driver,
		images:                 make(map[string]*imagePool),
		replacementRetryBudget: cfg.ReplacementRetryBudget,
		ctx:                    ctx,
		cancel:                 cancel,
	}
}

// Shutdown cancels any in-flight background create/destroy goroutines
// and waits for them to return.
func (p *Pool) Shutdown() {
	p.cancel()
	p.wg.Wait()
}

func (p *Pool) getOrCreateImagePool(image string, keepAlive bool, hardCap int) *imagePool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ip, ok := p.images[image]
	if !ok {
		ip = newImagePool(keepAlive, hardCap)
		p.images[image] = ip
	}
	return ip
}

func (p *Pool) getImagePool(image string) (*imagePool, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ip, ok := p.images[image]
	return ip, ok
}

// Update resizes image's pool to target, per spec.md §4.B. If target
// exceeds the current total, creates are scheduled asynchronously until
// total == target. If target is below current total, surplus free VMs
// are marked for asynchronous destruction; VMs currently assigned to
// jobs are left alone and shrinkage completes as they are released.
func (p *Pool) Update(image string, target int, keepAlive bool, hardCap int) {
	ip := p.getOrCreateImagePool(image, keepAlive, hardCap)

	ip.mu.Lock()
	if hardCap > 0 {
		ip.hardCap = hardCap
	}
	if target > ip.hardCap {
		target = ip.hardCap
	}
	ip.target = target
	ip.keepAlive = keepAlive
	current := len(ip.total)
	var toDestroy []string
	if current > target {
		deficit := current - target
		for deficit > 0 && len(ip.free) > 0 {
			id := ip.free[0]
			ip.free = ip.free[1:]
			delete(ip.total, id)
			toDestroy = append(toDestroy, id)
			deficit--
		}
	}
	needed := target - len(ip.total)
	ip.mu.Unlock()

	for _, id := range toDestroy {
		p.destroyAsync(image, id)
	}
	for i := 0; i < needed; i++ {
		p.createAsync(image)
	}
}

// AllocVM pops the head of image's free list, or returns ErrPoolEmpty.
// Atomic across concurrent callers: a given VM id is handed to at most
// one caller.
func (p *Pool) AllocVM(image string) (*domain.VM, error) {
	ip, ok := p.getImagePool(image)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownImage, image)
	}

	ip.mu.Lock()
	if len(ip.free) == 0 {
		ip.mu.Unlock()
		return nil, ErrPoolEmpty
	}
	id := ip.free[0]
	ip.free = ip.free[1:]
	keepAlive := ip.keepAlive
	ip.mu.Unlock()

	metrics.SetPoolFree(image, p.freeCount(image))
	return &domain.VM{ID: id, Image: image, KeepAlive: keepAlive}, nil
}

func (p *Pool) freeCount(image string) int {
	ip, ok := p.getImagePool(image)
	if !ok {
		return 0
	}
	ip.mu.Lock()
	defer ip.mu.Unlock()
	return len(ip.free)
}

// FreeVM returns vm to its image's pool, or destroys it, per spec.md
// §4.B: "if the VM's keep-alive flag is true and its image's free pool
// is below target, push to tail of free list; otherwise destroy it and
// remove from total. When destroying, if the pool is below target after
// removal, schedule a replacement create."
func (p *Pool) FreeVM(vm *domain.VM) {
	ip, ok := p.getImagePool(vm.Image)
	if !ok {
		p.destroyAsync(vm.Image, vm.ID)
		return
	}

	ip.mu.Lock()
	belowTarget := len(ip.free) < ip.target
	if vm.KeepAlive && belowTarget {
		ip.free = append(ip.free, vm.ID)
		ip.mu.Unlock()
		metrics.SetPoolFree(vm.Image, p.freeCount(vm.Image))
		return
	}
	delete(ip.total, vm.ID)
	stillBelowTarget := len(ip.total) < ip.target
	ip.mu.Unlock()

	p.destroyAsync(vm.Image, vm.ID)
	if stillBelowTarget {
		p.createAsync(vm.Image)
	}
}

// AddVM registers an externally-created VM into total (and free, if it
// is not currently assigned to a job). Administrative operation.
func (p *Pool) AddVM(image, id string, keepAlive bool, free bool) {
	ip := p.getOrCreateImagePool(image, keepAlive, 0)
	ip.mu.Lock()
	ip.total[id] = struct{}{}
	if free {
		ip.free = append(ip.free, id)
	}
	ip.mu.Unlock()
}

// RemoveVM administratively removes id from image's pool bookkeeping
// without destroying it (the caller is responsible for that, or has
// already done so).
func (p *Pool) RemoveVM(image, id string) {
	ip, ok := p.getImagePool(image)
	if !ok {
		return
	}
	ip.mu.Lock()
	delete(ip.total, id)
	kept := ip.free[:0]
	for _, f := range ip.free {
		if f != id {
			kept = append(kept, f)
		}
	}
	ip.free = kept
	ip.mu.Unlock()
}

// GetPool returns a snapshot of image's pool.
func (p *Pool) GetPool(image string) (Snapshot, bool) {
	ip, ok := p.getImagePool(image)
	if !ok {
		return Snapshot{}, false
	}
	ip.mu.Lock()
	defer ip.mu.Unlock()
	return Snapshot{Image: image, Free: len(ip.free), Total: len(ip.total), Target: ip.target}, true
}

// GetAllPools returns a snapshot of every known image's pool.
func (p *Pool) GetAllPools() []Snapshot {
	p.mu.RLock()
	images := make([]string, 0, len(p.images))
	for name := range p.images {
		images = append(images, name)
	}
	p.mu.RUnlock()

	out := make([]Snapshot, 0, len(images))
	for _, name := range images {
		if snap, ok := p.GetPool(name); ok {
			out = append(out, snap)
		}
	}
	return out
}

// createAsync schedules one independent create for image outside any
// lock. Update calls this once per unit of needed capacity, so N
// concurrent calls for the same image must each produce their own VM --
// this path does not use singleflight, which would collapse overlapping
// callers into a single shared result and silently under-create.
func (p *Pool) createAsync(image string) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.createWithRetry(image, p.replacementRetryBudget)
	}()
}

func (p *Pool) createWithRetry(image string, attemptsLeft int) {
	for attempt := 0; attempt < attemptsLeft; attempt++ {
		if p.ctx.Err() != nil {
			return
		}
		createCtx, cancel := context.WithTimeout(p.ctx, 30*time.Second)
		id, err := p.driver.InitializeVM(createCtx, image)
		cancel()
		if err == nil {
			ip, ok := p.getImagePool(image)
			if !ok {
				return
			}
			ip.mu.Lock()
			ip.total[id] = struct{}{}
			ip.free = append(ip.free, id)
			ip.mu.Unlock()
			metrics.SetPoolFree(image, p.freeCount(image))
			return
		}
		logging.Op().Warn("preallocator create failed, retrying", "image", image, "attempt", attempt+1, "error", err)
	}
	logging.Op().Error("preallocator create abandoned after retry budget exhausted", "image", image)
}

func (p *Pool) destroyAsync(image, id string) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		destroyCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := p.driver.DestroyVM(destroyCtx, id); err != nil {
			logging.Op().Error("preallocator destroy failed", "image", image, "vm", id, "error", err)
		}
	}()
}
