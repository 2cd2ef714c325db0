package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Runtime used by tests and local development.
// It tracks images and container state transitions without running
// anything.
type Memory struct {
	mu         sync.Mutex
	images     map[string]bool
	containers map[string]*memContainer

	// FailPull, when set, makes PullImage fail for matching refs.
	FailPull map[string]error
}

type memContainer struct {
	spec  Spec
	state ContainerState
	logs  string
}

// NewMemory creates an empty in-memory runtime.
func NewMemory() *Memory {
	return &Memory{
		images:     make(map[string]bool),
		containers: make(map[string]*memContainer),
	}
}

func (m *Memory) PullImage(_ context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.FailPull[ref]; ok {
		return err
	}
	m.images[ref] = true
	return nil
}

func (m *Memory) CreateContainer(_ context.Context, spec Spec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.images[spec.Image] {
		return "", fmt.Errorf("image %s not pulled", spec.Image)
	}
	if _, ok := m.containers[spec.AgentID]; ok {
		return "", fmt.Errorf("container %s already exists", spec.AgentID)
	}
	m.containers[spec.AgentID] = &memContainer{
		spec:  spec,
		state: StateCreated,
	}
	return spec.AgentID, nil
}

func (m *Memory) StartContainer(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	c.state = StateRunning
	return nil
}

func (m *Memory) StopContainer(_ context.Context, id string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	c.state = StateStopped
	return nil
}

func (m *Memory) RemoveContainer(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.containers[id]; !ok {
		return nil
	}
	delete(m.containers, id)
	return nil
}

func (m *Memory) InspectContainer(_ context.Context, id string) (ContainerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[id]
	if !ok {
		return StateUnknown, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c.state, nil
}

func (m *Memory) ReadLogs(_ context.Context, id string, tail int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return TailLines(c.logs, tail), nil
}

func (m *Memory) ListManaged(_ context.Context) ([]ContainerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]ContainerInfo, 0, len(m.containers))
	for id, c := range m.containers {
		infos = append(infos, ContainerInfo{
			ID:     id,
			Image:  c.spec.Image,
			State:  c.state,
			Labels: ManagedLabels(c.spec),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, nil
}

func (m *Memory) Close() error {
	return nil
}

// SetState forces a container state, simulating external transitions like
// a crash.
func (m *Memory) SetState(id string, state ContainerState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.containers[id]; ok {
		c.state = state
	}
}

// AppendLogs adds output to a container's captured logs.
func (m *Memory) AppendLogs(id, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.containers[id]; ok {
		c.logs += text
	}
}
