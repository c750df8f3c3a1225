package pool

import "github.com/tangoremote/tango/internal/metrics"

func reportPoolGauges(snap Snapshot) {
	metrics.SetPoolFree(snap.Image, snap.Free)
	metrics.SetPoolTotal(snap.Image, snap.Total)
	metrics.SetPoolTarget(snap.Image, snap.Target)
}
