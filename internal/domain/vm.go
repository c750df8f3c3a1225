package domain

import "time"

// VM is a handle to one execution environment drawn from a pool. The
// concrete Handle is opaque to everything except the owning vmms.Driver.
type VM struct {
	ID    string
	Image string

	// Handle is the VMMS-specific handle (socket path, container id,
	// instance id, ...). Only the driver that created it interprets it.
	Handle any

	// KeepAlive is false when the VM must be destroyed rather than
	// returned to the free pool on release -- spec §3 "Keep-alive".
	KeepAlive bool

	CreatedAt time.Time
}
