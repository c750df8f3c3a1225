// Package container implements vmms.Driver on top of the local Docker
// daemon: each "VM" is one container built from an image named after the
// job's requested image, with the job's input files bind-mounted in and
// `make` invoked via `docker exec`.
//
// Adapted from a Docker-backed execution backend,
// which ran one long-lived container per function with a TCP agent
// inside it; here there is no in-guest agent, just `docker exec`, since
// the only capability a job-broker VMMS needs is "run make and capture
// its output."
package container

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tangoremote/tango/internal/logging"
	"github.com/tangoremote/tango/internal/vmms"
)

// Config configures the container driver.
type Config struct {
	// CodeDir is the host directory under which each VM gets its own
	// bind-mounted working directory.
	CodeDir string
	// Images is the set of image names this driver accepts, mapped to
	// the underlying Docker image reference to run.
	Images map[string]string
	// MemoryMB and CPULimit bound each container's resources.
	MemoryMB int
	CPULimit float64
}

func DefaultConfig() Config {
	return Config{
		CodeDir:  "/tmp/tango/containers",
		Images:   map[string]string{},
		MemoryMB: 512,
		CPULimit: 1.0,
	}
}

type vm struct {
	containerID string
	workDir     string
	image       string
	running     bool
}

// Driver is a Docker-backed vmms.Driver.
type Driver struct {
	cfg Config

	mu  sync.Mutex
	vms map[string]*vm
}

// New creates a container driver. It verifies the docker CLI is usable.
func New(cfg Config) (*Driver, error) {
	if cfg.CodeDir == "" {
		cfg = DefaultConfig()
	}
	if err := os.MkdirAll(cfg.CodeDir, 0o755); err != nil {
		return nil, fmt.Errorf("create code dir: %w", err)
	}
	if err := exec.Command("docker", "version").Run(); err != nil {
		return nil, fmt.Errorf("docker not available: %w", err)
	}
	return &Driver{cfg: cfg, vms: make(map[string]*vm)}, nil
}

var _ vmms.Driver = (*Driver)(nil)

func (d *Driver) InitializeVM(ctx context.Context, image string) (string, error) {
	ref, ok := d.cfg.Images[image]
	if !ok {
		return "", fmt.Errorf("%w: unknown image %q", vmms.ErrPermanent, image)
	}

	id := uuid.New().String()[:12]
	workDir := filepath.Join(d.cfg.CodeDir, id)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}

	name := "tango-" + id
	cpu := d.cfg.CPULimit
	if cpu <= 0 {
		cpu = 1.0
	}
	args := []string{
		"run", "-d", "--name", name,
		"-v", workDir + ":/job",
		"--memory", fmt.Sprintf("%dm", d.cfg.MemoryMB),
		"--cpus", fmt.Sprintf("%.2f", cpu),
		ref, "sleep", "infinity",
	}

	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		os.RemoveAll(workDir)
		return "", fmt.Errorf("%w: docker run: %s", vmms.ErrTransient, strings.TrimSpace(string(out)))
	}
	containerID := strings.TrimSpace(string(out))

	d.mu.Lock()
	d.vms[id] = &vm{containerID: containerID, workDir: workDir, image: image}
	d.mu.Unlock()

	logging.Op().Debug("container VM created", "vm", id, "image", image)
	return id, nil
}

func (d *Driver) lookup(handle string) (*vm, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.vms[handle]
	return v, ok
}

func (d *Driver) WaitVM(ctx context.Context, handle string, maxWait time.Duration) error {
	v, ok := d.lookup(handle)
	if !ok {
		return fmt.Errorf("%w: unknown vm %q", vmms.ErrPermanent, handle)
	}
	deadline := time.Now().Add(maxWait)
	for {
		out, err := exec.CommandContext(ctx, "docker", "exec", v.containerID, "true").CombinedOutput()
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: container %s not ready: %s", vmms.ErrTimeout, v.containerID[:12], strings.TrimSpace(string(out)))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (d *Driver) CopyIn(ctx context.Context, handle string, files map[string][]byte) error {
	v, ok := d.lookup(handle)
	if !ok {
		return fmt.Errorf("%w: unknown vm %q", vmms.ErrPermanent, handle)
	}
	for name, content := range files {
		dest := filepath.Join(v.workDir, name)
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

	cmd := exec.CommandContext(runCtx, "docker", "exec", "-w", "/job", v.containerID, "make")
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	d.mu.Lock()
	v.running = true
	d.mu.Unlock()
	err := cmd.Run()
	d.mu.Lock()
	v.running = false
	d.mu.Unlock()

	sink.Write(buf.Bytes())

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
	v, ok := d.lookup(handle)
	if !ok {
		return fmt.Errorf("%w: unknown vm %q", vmms.ErrPermanent, handle)
	}
	// Output was already streamed to the sink during RunJob; CopyOut here
	// only needs to guarantee the destination directory exists for the
	// façade to later serve the captured artefact from, mirroring a real
	// driver's "download result" step for backends whose run step writes
	// to the guest filesystem instead of a stream.
	_ = v
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
	killCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exec.CommandContext(killCtx, "docker", "rm", "-f", v.containerID).Run()
	os.RemoveAll(v.workDir)
	return nil
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
		time.Sleep(50 * time.Millisecond)
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
	out := make([]string, 0, len(d.cfg.Images))
	for name := range d.cfg.Images {
		out = append(out, name)
	}
	return out, nil
}
