package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	// DefaultNamespace is the containerd namespace for loom containers.
	DefaultNamespace = "loom"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// Containerd implements Runtime against a containerd daemon. Task output
// is captured to per-container log files so ReadLogs can serve tails.
type Containerd struct {
	client    *containerd.Client
	namespace string
	logDir    string
}

// NewContainerd connects to containerd and prepares the log directory.
func NewContainerd(socketPath, logDir string) (*Containerd, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if logDir == "" {
		logDir = "/var/log/loom"
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &Containerd{
		client:    client,
		namespace: DefaultNamespace,
		logDir:    logDir,
	}, nil
}

// Close closes the containerd client connection.
func (r *Containerd) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// PullImage pulls and unpacks an image from a registry.
func (r *Containerd) PullImage(ctx context.Context, ref string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	if _, err := r.client.Pull(ctx, ref, containerd.WithPullUnpack); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

// CreateContainer creates a container from the spec. The agent id doubles
// as the container id so redeploys can find prior instances.
func (r *Containerd) CreateContainer(ctx context.Context, spec Spec) (string, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		return "", fmt.Errorf("failed to get image %s: %w", spec.Image, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
	}
	if spec.MemoryMB > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(spec.MemoryMB)*1024*1024))
	}
	if spec.CPUShares > 0 {
		opts = append(opts, oci.WithCPUShares(uint64(spec.CPUShares)))
	}
	if len(spec.Mounts) > 0 {
		mounts := make([]specs.Mount, 0, len(spec.Mounts))
		for _, m := range spec.Mounts {
			options := []string{"rbind"}
			if m.ReadOnly {
				options = append(options, "ro")
			}
			mounts = append(mounts, specs.Mount{
				Source:      m.Source,
				Destination: m.Destination,
				Type:        "bind",
				Options:     options,
			})
		}
		opts = append(opts, oci.WithMounts(mounts))
	}

	container, err := r.client.NewContainer(
		ctx,
		spec.AgentID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.AgentID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(ManagedLabels(spec)),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	return container.ID(), nil
}

// StartContainer creates and starts the container's task, logging to the
// container's log file.
func (r *Containerd) StartContainer(ctx context.Context, id string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", id, err)
	}

	task, err := container.NewTask(ctx, cio.LogFile(r.logPath(id)))
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task: %w", err)
	}
	return nil
}

// StopContainer sends SIGTERM, waits up to grace, then SIGKILLs.
func (r *Containerd) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", id, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task means nothing is running.
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to kill task: %w", err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
	}

	if _, err := task.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// RemoveContainer deletes a container, its snapshot, and its log file.
func (r *Containerd) RemoveContainer(ctx context.Context, id string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		// Already gone.
		return nil
	}

	if err := r.StopContainer(ctx, id, 10*time.Second); err != nil {
		return fmt.Errorf("failed to stop container before delete: %w", err)
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("failed to delete container: %w", err)
	}
	os.Remove(r.logPath(id))
	return nil
}

// InspectContainer maps the task status to a ContainerState.
func (r *Containerd) InspectContainer(ctx context.Context, id string) (ContainerState, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return StateUnknown, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task means created but not running.
		return StateCreated, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return StateUnknown, fmt.Errorf("failed to get task status: %w", err)
	}

	switch status.Status {
	case containerd.Running, containerd.Paused:
		return StateRunning, nil
	case containerd.Stopped:
		if status.ExitStatus == 0 {
			return StateStopped, nil
		}
		return StateFailed, nil
	default:
		return StateCreated, nil
	}
}

// ReadLogs returns the last tail lines of the container's captured output.
// A tail of zero or less returns the whole file.
func (r *Containerd) ReadLogs(ctx context.Context, id string, tail int) (string, error) {
	data, err := os.ReadFile(r.logPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: no logs for %s", ErrNotFound, id)
		}
		return "", fmt.Errorf("reading logs for %s: %w", id, err)
	}
	return TailLines(string(data), tail), nil
}

// ListManaged returns every container in the namespace carrying the
// managed-by label.
func (r *Containerd) ListManaged(ctx context.Context) ([]ContainerInfo, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	containers, err := r.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	infos := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		labels, err := c.Labels(ctx)
		if err != nil {
			continue
		}
		if labels[LabelManagedBy] != ManagedByValue {
			continue
		}
		state, err := r.InspectContainer(ctx, c.ID())
		if err != nil {
			state = StateUnknown
		}
		info, err := c.Info(ctx)
		image := ""
		if err == nil {
			image = info.Image
		}
		infos = append(infos, ContainerInfo{
			ID:     c.ID(),
			Image:  image,
			State:  state,
			Labels: labels,
		})
	}
	return infos, nil
}

func (r *Containerd) logPath(id string) string {
	return filepath.Join(r.logDir, id+".log")
}

// TailLines returns the last n lines of text, or all of it when n <= 0.
func TailLines(text string, n int) string {
	if n <= 0 {
		return text
	}
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) <= n {
		return text
	}
	return strings.Join(lines[len(lines)-n:], "\n") + "\n"
}
