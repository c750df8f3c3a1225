// Package cloud implements vmms.Driver against a cloud compute API,
// grounded on the AWS SDK v2 stack (core, config, credentials). Each
// "VM" is an EC2 instance booted from the AMI configured for its image
// name; once the instance is reachable, copy-in/run/copy-out ride over
// SSH the same way the container and local drivers shell out to
// `docker`/`make` -- a cloud API manages the instance's lifecycle, a
// plain remote shell runs the job.
package cloud

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/tangoremote/tango/internal/logging"
	"github.com/tangoremote/tango/internal/vmms"
)

// EC2API is the subset of the EC2 client this driver calls, so tests can
// substitute a fake without standing up real AWS credentials.
type EC2API interface {
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

// Config configures the cloud driver.
type Config struct {
	// AMIByImage maps an image name to the AMI id to boot for it.
	AMIByImage map[string]string
	// InstanceType is the EC2 instance type for every VM.
	InstanceType string
	// KeyName is the EC2 key pair used for SSH access.
	KeyName string
	// SecurityGroupIDs and SubnetID place the instance in the network.
	SecurityGroupIDs []string
	SubnetID         string
	// SSHUser and SSHKeyPath drive the `ssh`/`scp` commands used for
	// copy-in, run, and copy-out.
	SSHUser    string
	SSHKeyPath string
}

// imageTagKey names the instance tag this driver uses to recover which
// image a running instance was launched for, so startup reconciliation
// can tell a reconciled instance apart from one booted by an unrelated
// image set.
const imageTagKey = "tango:image"

type vm struct {
	instanceID string
	host       string
}

// Driver is an EC2-backed vmms.Driver.
type Driver struct {
	cfg    Config
	client EC2API

	mu  sync.Mutex
	vms map[string]*vm
}

func New(cfg Config, client EC2API) *Driver {
	return &Driver{cfg: cfg, client: client, vms: make(map[string]*vm)}
}

var _ vmms.Driver = (*Driver)(nil)

func (d *Driver) InitializeVM(ctx context.Context, image string) (string, error) {
	ami, ok := d.cfg.AMIByImage[image]
	if !ok {
		return "", fmt.Errorf("%w: unknown image %q", vmms.ErrPermanent, image)
	}

	in := &ec2.RunInstancesInput{
		ImageId:      aws.String(ami),
		InstanceType: types.InstanceType(d.cfg.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		KeyName:      aws.String(d.cfg.KeyName),
		TagSpecifications: []types.TagSpecification{
			{
				ResourceType: types.ResourceTypeInstance,
				Tags: []types.Tag{
					{Key: aws.String(imageTagKey), Value: aws.String(image)},
				},
			},
		},
	}
	if len(d.cfg.SecurityGroupIDs) > 0 {
		in.SecurityGroupIds = d.cfg.SecurityGroupIDs
	}
	if d.cfg.SubnetID != "" {
		in.SubnetId = aws.String(d.cfg.SubnetID)
	}

	out, err := d.client.RunInstances(ctx, in)
	if err != nil {
		return "", fmt.Errorf("%w: run instances: %v", vmms.ErrTransient, err)
	}
	if len(out.Instances) == 0 {
		return "", fmt.Errorf("%w: run instances returned no instance", vmms.ErrTransient)
	}
	instanceID := aws.ToString(out.Instances[0].InstanceId)

	d.mu.Lock()
	d.vms[instanceID] = &vm{instanceID: instanceID}
	d.mu.Unlock()

	logging.Op().Debug("cloud VM launched", "instance", instanceID, "image", image)
	return instanceID, nil
}

func (d *Driver) describeHost(ctx context.Context, instanceID string) (string, error) {
	out, err := d.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return "", err
	}
	for _, r := range out.Reservations {
		for _, i := range r.Instances {
			if ip := aws.ToString(i.PublicIpAddress); ip != "" {
				return ip, nil
			}
		}
	}
	return "", nil
}

func (d *Driver) WaitVM(ctx context.Context, handle string, maxWait time.Duration) error {
	deadline := time.Now().Add(maxWait)
	for {
		host, err := d.describeHost(ctx, handle)
		if err == nil && host != "" {
			if e := d.sshProbe(ctx, host); e == nil {
				d.mu.Lock()
				if v, ok := d.vms[handle]; ok {
					v.host = host
				}
				d.mu.Unlock()
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: instance %s not reachable", vmms.ErrTimeout, handle)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (d *Driver) sshProbe(ctx context.Context, host string) error {
	return d.sshRun(ctx, host, "true", nil)
}

func (d *Driver) sshRun(ctx context.Context, host, command string, sink io.Writer) error {
	args := append(d.sshArgs(host), command)
	cmd := exec.CommandContext(ctx, "ssh", args...)
	if sink != nil {
		cmd.Stdout = sink
		cmd.Stderr = sink
		return cmd.Run()
	}
	return cmd.Run()
}

func (d *Driver) sshArgs(host string) []string {
	return []string{
		"-o", "StrictHostKeyChecking=no",
		"-o", "ConnectTimeout=5",
		"-i", d.cfg.SSHKeyPath,
		fmt.Sprintf("%s@%s", d.cfg.SSHUser, host),
	}
}

func (d *Driver) lookup(handle string) (*vm, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.vms[handle]
	return v, ok
}

func (d *Driver) CopyIn(ctx context.Context, handle string, files map[string][]byte) error {
	v, ok := d.lookup(handle)
	if !ok || v.host == "" {
		return fmt.Errorf("%w: vm %q has no reachable host", vmms.ErrPermanent, handle)
	}
	if err := d.sshRun(ctx, v.host, "mkdir -p ~/job", nil); err != nil {
		return fmt.Errorf("copy-in mkdir: %w", err)
	}
	for name, content := range files {
		dest := fmt.Sprintf("%s@%s:~/job/%s", d.cfg.SSHUser, v.host, name)
		cmd := exec.CommandContext(ctx, "scp",
			"-o", "StrictHostKeyChecking=no", "-i", d.cfg.SSHKeyPath,
			"/dev/stdin", dest)
		cmd.Stdin = bytes.NewReader(content)
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("copy-in %s: %w: %s", name, err, strings.TrimSpace(string(out)))
		}
	}
	return nil
}

func (d *Driver) RunJob(ctx context.Context, handle string, runtimeLimit time.Duration, sink io.Writer) (vmms.RunResult, error) {
	v, ok := d.lookup(handle)
	if !ok || v.host == "" {
		return vmms.RunResult{}, fmt.Errorf("%w: vm %q has no reachable host", vmms.ErrPermanent, handle)
	}

	runCtx, cancel := context.WithTimeout(ctx, runtimeLimit)
	defer cancel()

	err := d.sshRun(runCtx, v.host, "cd ~/job && make", sink)
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
	// Output already streamed to the sink by RunJob; nothing further to
	// fetch for this driver.
	return nil
}

func (d *Driver) DestroyVM(ctx context.Context, handle string) error {
	d.mu.Lock()
	_, ok := d.vms[handle]
	delete(d.vms, handle)
	d.mu.Unlock()
	if !ok {
		return nil
	}
	_, err := d.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{handle},
	})
	if err != nil {
		return fmt.Errorf("terminate instance %s: %w", handle, err)
	}
	return nil
}

func (d *Driver) SafeDestroyVM(ctx context.Context, handle string) error {
	return d.DestroyVM(ctx, handle)
}

func (d *Driver) GetVMs(ctx context.Context) ([]vmms.VMInfo, error) {
	out, err := d.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: aws.String("instance-state-name"), Values: []string{"running", "pending"}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("describe instances: %w", err)
	}
	var infos []vmms.VMInfo
	for _, r := range out.Reservations {
		for _, i := range r.Instances {
			info := vmms.VMInfo{Handle: aws.ToString(i.InstanceId)}
			for _, tag := range i.Tags {
				if aws.ToString(tag.Key) == imageTagKey {
					info.Image = aws.ToString(tag.Value)
					break
				}
			}
			infos = append(infos, info)
		}
	}
	return infos, nil
}

func (d *Driver) ExistsVM(ctx context.Context, handle string) bool {
	out, err := d.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{handle},
	})
	if err != nil {
		return false
	}
	for _, r := range out.Reservations {
		if len(r.Instances) > 0 {
			return true
		}
	}
	return false
}

func (d *Driver) GetImages(ctx context.Context) ([]string, error) {
	out := make([]string, 0, len(d.cfg.AMIByImage))
	for name := range d.cfg.AMIByImage {
		out = append(out, name)
	}
	return out, nil
}
