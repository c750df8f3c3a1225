package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/tangoremote/tango/internal/logging"
	"github.com/tangoremote/tango/internal/metrics"
)

// ReconcileAll asks the driver, once, for every VM it currently
// believes is live and folds each one back into the Preallocator, per
// spec.md §6 "Startup reconciliation": on daemon start, before the
// scheduler tick begins, orphaned VMs from a prior run are adopted
// rather than leaked as free capacity the pool has no record of.
//
// A handle is adopted into the free list of the image pool it reports
// (only if that image was already configured via Update); a handle
// whose image is empty or unrecognised is destroyed instead, since
// handing it out under the wrong image would violate the rule that a
// VM belongs to exactly one image for its whole lifetime. This is why
// reconciliation needs per-handle image attribution from the driver
// rather than the single undifferentiated handle list GetVMs used to
// return: a driver instance shared across every configured image
// cannot otherwise tell one image's orphan from another's.
func (p *Pool) ReconcileAll(ctx context.Context) error {
	reconcileCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	handles, err := p.driver.GetVMs(reconcileCtx)
	if err != nil {
		return fmt.Errorf("pool: reconcile: list vms: %w", err)
	}

	p.mu.RLock()
	pools := make(map[string]*imagePool, len(p.images))
	for image, ip := range p.images {
		pools[image] = ip
	}
	p.mu.RUnlock()

	adopted, destroyed := 0, 0
	for _, h := range handles {
		ip, ok := pools[h.Image]
		if !ok {
			p.destroyAsync(h.Image, h.Handle)
			destroyed++
			continue
		}

		ip.mu.Lock()
		if _, known := ip.total[h.Handle]; !known {
			ip.total[h.Handle] = struct{}{}
			ip.free = append(ip.free, h.Handle)
			adopted++
		}
		ip.mu.Unlock()
	}

	for image := range pools {
		metrics.SetPoolFree(image, p.freeCount(image))
	}

	if adopted > 0 || destroyed > 0 {
		logging.Op().Info("preallocator reconciled VMs at startup", "adopted", adopted, "destroyed", destroyed)
	}
	return nil
}

// ReportGauges pushes every image's current snapshot into the
// Prometheus gauges (spec.md §2 "Metrics"). It is safe to call
// periodically and is not called on the hot alloc/free path; nothing in
// this module calls it on a timer.
func (p *Pool) ReportGauges() {
	for _, snap := range p.GetAllPools() {
		reportPoolGauges(snap)
	}
}
