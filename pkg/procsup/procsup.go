// Package procsup supervises the one node-binary process an agent runs
// per declared NodeKey, as a single-container containerd task rather than
// a bare os/exec.Command, and runs the checkpoint-apply helper subprocess
// used to seed a node's ledger from a retained checkpoint (spec.md §4.F
// step 7, §6 "node subprocess contract" and "checkpoint-apply
// subprocess"). Adapted from the teacher's pkg/runtime ContainerdRuntime
// (containerd_old.go.bak), generalised from named multi-container service
// tasks to one task per supervised node.
package procsup

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/warren/pkg/ident"
)

// DefaultNamespace is the containerd namespace node tasks run under.
const DefaultNamespace = "fleet-agent"

// DefaultSocketPath is the default containerd socket.
const DefaultSocketPath = "/run/containerd/containerd.sock"

// Spec describes the node binary process to launch: the OCI image
// wrapping the downloaded binary, its arguments, and the bind mounts it
// needs into the storage directory managed by pkg/ledgerstore.
type Spec struct {
	Key        ident.NodeKey
	Image      string
	Args       []string
	Env        []string
	LedgerDir  string // bind-mounted at /ledger
	KeyFile    string // bind-mounted read-only at /keys/private.key, empty when unset
	BinaryPath string // bind-mounted read-only at /usr/local/bin/node: the file reconciler's downloaded node binary
}

// BaseImage is the minimal image every node and checkpoint-apply
// container runs from; the actual node binary is bind-mounted in rather
// than baked into an image, since the file reconciler downloads it as a
// plain verified artefact (spec.md §4.F step 4), not an OCI image.
const BaseImage = "docker.io/library/busybox:latest"

// Status mirrors the supervised process's lifecycle state.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusExited
	StatusFailed
)

// Supervisor manages one containerd task per running NodeKey.
type Supervisor struct {
	client    *containerd.Client
	namespace string
}

// NewSupervisor connects to the containerd socket at socketPath
// (DefaultSocketPath when empty).
func NewSupervisor(socketPath string) (*Supervisor, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("procsup: connect containerd: %w", err)
	}
	return &Supervisor{client: client, namespace: DefaultNamespace}, nil
}

// Close releases the containerd client connection.
func (s *Supervisor) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Supervisor) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, s.namespace)
}

// containerID derives a stable containerd container id from a node key.
func containerID(key ident.NodeKey) string {
	return "node-" + key.String()
}

// Launch pulls spec's image if absent, creates a container and task, and
// starts it. Calling Launch for an already-running key is an error; the
// agent reconciler (spec.md §4.F step 7) calls Stop first on any spec
// change.
func (s *Supervisor) Launch(ctx context.Context, spec Spec) error {
	ctx = s.ctx(ctx)

	image, err := s.client.GetImage(ctx, spec.Image)
	if err != nil {
		image, err = s.client.Pull(ctx, spec.Image, containerd.WithPullUnpack)
		if err != nil {
			return fmt.Errorf("procsup: pull image %s: %w", spec.Image, err)
		}
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
		oci.WithProcessArgs(append([]string{}, spec.Args...)...),
	}

	var mounts []specs.Mount
	if spec.LedgerDir != "" {
		mounts = append(mounts, specs.Mount{
			Source: spec.LedgerDir, Destination: "/ledger", Type: "bind",
			Options: []string{"rbind"},
		})
	}
	if spec.KeyFile != "" {
		mounts = append(mounts, specs.Mount{
			Source: spec.KeyFile, Destination: "/keys/private.key", Type: "bind",
			Options: []string{"ro", "bind"},
		})
	}
	if spec.BinaryPath != "" {
		mounts = append(mounts, specs.Mount{
			Source: spec.BinaryPath, Destination: "/usr/local/bin/node", Type: "bind",
			Options: []string{"ro", "bind"},
		})
	}
	if len(mounts) > 0 {
		opts = append(opts, oci.WithMounts(mounts))
	}

	id := containerID(spec.Key)
	c, err := s.client.NewContainer(ctx, id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return fmt.Errorf("procsup: create container %s: %w", id, err)
	}

	task, err := c.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("procsup: create task %s: %w", id, err)
	}
	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("procsup: start task %s: %w", id, err)
	}
	return nil
}

// Stop gracefully stops the task for key: SIGTERM, wait up to timeout,
// then SIGKILL, then delete the task and container.
func (s *Supervisor) Stop(ctx context.Context, key ident.NodeKey, timeout time.Duration) error {
	ctx = s.ctx(ctx)
	id := containerID(key)

	c, err := s.client.LoadContainer(ctx, id)
	if err != nil {
		return nil // already gone
	}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return c.Delete(ctx, containerd.WithSnapshotCleanup)
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("procsup: SIGTERM %s: %w", id, err)
	}
	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("procsup: wait %s: %w", id, err)
	}
	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("procsup: SIGKILL %s: %w", id, err)
		}
		<-statusC
	}
	if _, err := task.Delete(ctx); err != nil {
		return fmt.Errorf("procsup: delete task %s: %w", id, err)
	}
	return c.Delete(ctx, containerd.WithSnapshotCleanup)
}

// Status reports the current lifecycle state of key's supervised task.
func (s *Supervisor) Status(ctx context.Context, key ident.NodeKey) (Status, error) {
	ctx = s.ctx(ctx)
	id := containerID(key)

	c, err := s.client.LoadContainer(ctx, id)
	if err != nil {
		return StatusPending, nil
	}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return StatusPending, nil
	}
	st, err := task.Status(ctx)
	if err != nil {
		return StatusFailed, fmt.Errorf("procsup: task status %s: %w", id, err)
	}
	switch st.Status {
	case containerd.Running, containerd.Paused:
		return StatusRunning, nil
	case containerd.Stopped:
		if st.ExitStatus == 0 {
			return StatusExited, nil
		}
		return StatusFailed, nil
	default:
		return StatusPending, nil
	}
}

// RunCheckpointApply runs the one-shot checkpoint-apply helper as its own
// containerd task: the node binary invoked with an apply-checkpoint
// subcommand against a single retained checkpoint file, used before
// Launch when a HeightRequest names a checkpoint (spec.md §6
// "checkpoint-apply subprocess"). Blocks until the task exits and reports
// a non-zero exit as an error.
func (s *Supervisor) RunCheckpointApply(ctx context.Context, binaryPath string, args []string, ledgerDir, checkpointFile string) error {
	ctx = s.ctx(ctx)

	image_, err := s.client.GetImage(ctx, BaseImage)
	if err != nil {
		image_, err = s.client.Pull(ctx, BaseImage, containerd.WithPullUnpack)
		if err != nil {
			return fmt.Errorf("procsup: pull image %s: %w", BaseImage, err)
		}
	}

	id := fmt.Sprintf("checkpoint-apply-%d", time.Now().UnixNano())
	mounts := []specs.Mount{
		{Source: ledgerDir, Destination: "/ledger", Type: "bind", Options: []string{"rbind"}},
		{Source: checkpointFile, Destination: "/checkpoint", Type: "bind", Options: []string{"ro", "bind"}},
		{Source: binaryPath, Destination: "/usr/local/bin/node", Type: "bind", Options: []string{"ro", "bind"}},
	}
	opts := []oci.SpecOpts{
		oci.WithImageConfig(image_),
		oci.WithProcessArgs(append([]string{}, args...)...),
		oci.WithMounts(mounts),
	}

	c, err := s.client.NewContainer(ctx, id,
		containerd.WithImage(image_),
		containerd.WithNewSnapshot(id+"-snapshot", image_),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return fmt.Errorf("procsup: create checkpoint-apply container: %w", err)
	}
	defer c.Delete(context.Background(), containerd.WithSnapshotCleanup)

	task, err := c.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("procsup: create checkpoint-apply task: %w", err)
	}
	defer task.Delete(context.Background())

	statusC, err := task.Wait(ctx)
	if err != nil {
		return fmt.Errorf("procsup: wait checkpoint-apply task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("procsup: start checkpoint-apply task: %w", err)
	}

	status := <-statusC
	if status.ExitCode() != 0 {
		return fmt.Errorf("procsup: checkpoint-apply exited %d", status.ExitCode())
	}
	return nil
}
