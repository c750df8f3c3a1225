// Package local implements vmms.Driver by running each "VM" as a plain
// host subprocess rooted at its own scratch directory. It has no
// isolation guarantees at all and exists for development and for the
// test suite, where spinning up a real hypervisor or container runtime
// per test is neither possible nor desirable. This driver follows the same
// exec.CommandContext + temp-directory shape adapted to the Driver
// interface's copy-in/run/copy-out steps.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/tangoremote/tango/internal/vmms"
)

// Config configures the local driver.
type Config struct {
	// BaseDir holds one scratch subdirectory per VM.
	BaseDir string
	// Images is the set of image names this driver accepts. The value
	// is unused beyond membership (local VMs have no real image).
	Images []string
}

func DefaultConfig() Config {
	return Config{BaseDir: filepath.Join(os.TempDir(), "tango-local"), Images: []string{"default"}}
}

type vm struct {
	dir     string
	image   string
	running bool
}

// Driver is an unsandboxed, subprocess-backed vmms.Driver.
type Driver struct {
	cfg Config

	mu  sync.Mutex
	vms map[string]*vm
}

func New(cfg Config) (*Driver, error) {
	if cfg.BaseDir == "" {
		cfg = DefaultConfig()
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create base dir: %w", err)
	}
	return &Driver{cfg: cfg, vms: make(map[string]*vm)}, nil
}

var _ vmms.Driver = (*Driver)(nil)

func (d *Driver) imageKnown(image string) bool {
	for _, i := range d.cfg.Images {
		if i == image {
			return true
		}
	}
	return false
}

func (d *Driver) InitializeVM(ctx context.Context, image string) (string, error) {
	if !d.imageKnown(image) {
		return "", fmt.Errorf("%w: unknown image %q", vmms.ErrPermanent, image)
	}
	id := uuid.New().String()[:12]
	dir := filepath.Join(d.cfg.BaseDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create vm dir: %w", err)
	}
	d.mu.Lock()
	d.vms[id] = &vm{dir: dir, image: image}
	d.mu.Unlock()
	return id, nil
}

func (d *Driver) lookup(handle string) (*vm, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.vms[handle]
	return v, ok
}

func (d *Driver) WaitVM(ctx context.Context, handle string, maxWait time.Duration) error {
	if _, ok := d.lookup(handle); !ok {
		return fmt.Errorf("%w: unknown vm %q", vmms.ErrPermanent, handle)
	}
	return nil
}

func (d *Driver) CopyIn(ctx context.Context, handle string, files map[string][]byte) error {
	v, ok := d.lookup(handle)
	if !ok {
		return fmt.Errorf("%w: unknown vm %q", vmms.ErrPermanent, handle)
	}
	for name, content := range files {
		dest := filepath.Join(v.dir, name)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("copy-in %s: %w", name, err)
		}
		if err := os.WriteFile(dest, content, 0o644); err != nil {
			return fmt.Errorf("copy-in %s: %w", name, err)
		}
	}
	return nil
}

func (d *Driver) RunJob(ctx context.Context, handle string, runtimeLimit time.Duration, sink io.Writer) (vmms.RunResult, error) {
	v, ok := d.lookup(handle)
	if !ok {
		return vmms.RunResult{}, fmt.Errorf("%w: unknown vm %q", vmms.ErrPermanent, handle)
	}

	runCtx, cancel := context.WithTimeout(ctx, runtimeLimit)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "make")
	cmd.Dir = v.dir
	cmd.Stdout = sink
	cmd.Stderr = sink
	// make often forks a sub-shell per recipe line; put the whole tree
	// in its own process group so a timeout kill reaps grandchildren
	// too, not just the direct "make" process CommandContext targets.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return unix.Kill(-cmd.Process.Pid, unix.SIGKILL) }

	d.mu.Lock()
	v.running = true
	d.mu.Unlock()
	err := cmd.Start()
	if err == nil {
		err = cmd.Wait()
	}
	d.mu.Lock()
	v.running = false
	d.mu.Unlock()

	if runCtx.Err() == context.DeadlineExceeded {
		return vmms.RunResult{Flag: vmms.RunTimeout}, nil
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return vmms.RunResult{ExitStatus: exitErr.ExitCode(), Flag: vmms.RunNormal}, nil
		}
		return vmms.RunResult{Flag: vmms.RunKilled}, fmt.Errorf("%w: %v", vmms.ErrPermanent, err)
	}
	return vmms.RunResult{ExitStatus: 0, Flag: vmms.RunNormal}, nil
}

func (d *Driver) CopyOut(ctx context.Context, handle string, dest string) error {
	if _, ok := d.lookup(handle); !ok {
		return fmt.Errorf("%w: unknown vm %q", vmms.ErrPermanent, handle)
	}
	return os.MkdirAll(filepath.Dir(dest), 0o755)
}

func (d *Driver) DestroyVM(ctx context.Context, handle string) error {
	d.mu.Lock()
	v, ok := d.vms[handle]
	if ok {
		delete(d.vms, handle)
	}
	d.mu.Unlock()
	if !ok {
		return nil
	}
	return os.RemoveAll(v.dir)
}

func (d *Driver) SafeDestroyVM(ctx context.Context, handle string) error {
	v, ok := d.lookup(handle)
	if !ok {
		return nil
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		d.mu.Lock()
		idle := !v.running
		d.mu.Unlock()
		if idle || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	return d.DestroyVM(ctx, handle)
}

func (d *Driver) GetVMs(ctx context.Context) ([]vmms.VMInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]vmms.VMInfo, 0, len(d.vms))
	for id, v := range d.vms {
		out = append(out, vmms.VMInfo{Handle: id, Image: v.image})
	}
	return out, nil
}

func (d *Driver) ExistsVM(ctx context.Context, handle string) bool {
	_, ok := d.lookup(handle)
	return ok
}

func (d *Driver) GetImages(ctx context.Context) ([]string, error) {
	out := make([]string, len(d.cfg.Images))
	copy(out, d.cfg.Images)
	return out, nil
}
