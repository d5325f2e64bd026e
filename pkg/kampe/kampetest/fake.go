// Package kampetest provides an in-memory kampe.Runtime for tests.
package kampetest

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/tartarus-sandbox/awf/pkg/kampe"
)

// Runtime records every call and keeps containers and networks in maps.
// Errors are injected by "Method name" keys, e.g. "CreateContainer awf-agent".
type Runtime struct {
	mu sync.Mutex

	Calls      []string
	Specs      map[string]kampe.ContainerSpec
	Containers map[string]*kampe.ContainerStatus
	Networks   map[string]kampe.NetworkSpec
	Errors     map[string]error

	// Health is returned by successive inspects of a running container; the
	// last value repeats. Empty means healthy.
	Health []string
	// ExitCode is what WaitContainer reports.
	ExitCode int
	// Output is written to stdout by StreamLogs.
	Output string
	// Block makes WaitContainer wait for ctx or Release.
	Block   bool
	release chan struct{}

	// OnCreate runs after a container is created.
	OnCreate func(spec kampe.ContainerSpec)
}

func New() *Runtime {
	return &Runtime{
		Specs:      map[string]kampe.ContainerSpec{},
		Containers: map[string]*kampe.ContainerStatus{},
		Networks:   map[string]kampe.NetworkSpec{},
		Errors:     map[string]error{},
		release:    make(chan struct{}),
	}
}

// Release unblocks WaitContainer.
func (r *Runtime) Release() {
	close(r.release)
}

func (r *Runtime) record(method, arg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := method + " " + arg
	r.Calls = append(r.Calls, key)
	return r.Errors[key]
}

// Called reports whether the call was made.
func (r *Runtime) Called(method, arg string) bool {
	return r.Index(method, arg) >= 0
}

// Index is the position of the first matching call, or -1.
func (r *Runtime) Index(method, arg string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, c := range r.Calls {
		if c == method+" "+arg {
			return i
		}
	}
	return -1
}

// LastIndex is the position of the last matching call, or -1.
func (r *Runtime) LastIndex(method, arg string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.Calls) - 1; i >= 0; i-- {
		if r.Calls[i] == method+" "+arg {
			return i
		}
	}
	return -1
}

func (r *Runtime) lookup(ref string) (*kampe.ContainerStatus, bool) {
	if c, ok := r.Containers[ref]; ok {
		return c, true
	}
	for _, c := range r.Containers {
		if c.Name == ref {
			return c, true
		}
	}
	return nil, false
}

func (r *Runtime) EnsureImage(ctx context.Context, ref string, pull bool) error {
	return r.record("EnsureImage", ref)
}

func (r *Runtime) CreateNetwork(ctx context.Context, spec kampe.NetworkSpec) (string, error) {
	if err := r.record("CreateNetwork", spec.Name); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.Networks[spec.Name]; ok {
		return "", fmt.Errorf("network %s already exists", spec.Name)
	}
	r.Networks[spec.Name] = spec
	return spec.Name, nil
}

func (r *Runtime) RemoveNetwork(ctx context.Context, name string) error {
	if err := r.record("RemoveNetwork", name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.Networks[name]; !ok {
		return kampe.ErrNotFound
	}
	delete(r.Networks, name)
	return nil
}

func (r *Runtime) CreateContainer(ctx context.Context, spec kampe.ContainerSpec) (string, error) {
	if err := r.record("CreateContainer", spec.Name); err != nil {
		return "", err
	}
	r.mu.Lock()
	if _, ok := r.lookup(spec.Name); ok {
		r.mu.Unlock()
		return "", fmt.Errorf("container name %s in use", spec.Name)
	}
	id := "id-" + spec.Name
	r.Specs[spec.Name] = spec
	r.Containers[id] = &kampe.ContainerStatus{ID: id, Name: spec.Name, Status: "created", Labels: spec.Labels}
	hook := r.OnCreate
	r.mu.Unlock()

	if hook != nil {
		hook(spec)
	}
	return id, nil
}

func (r *Runtime) StartContainer(ctx context.Context, id string) error {
	if err := r.record("StartContainer", strings.TrimPrefix(id, "id-")); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.lookup(id)
	if !ok {
		return kampe.ErrNotFound
	}
	c.Running = true
	c.Status = "running"
	return nil
}

func (r *Runtime) InspectContainer(ctx context.Context, id string) (kampe.ContainerStatus, error) {
	if err := r.record("InspectContainer", strings.TrimPrefix(id, "id-")); err != nil {
		return kampe.ContainerStatus{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.lookup(id)
	if !ok {
		return kampe.ContainerStatus{}, kampe.ErrNotFound
	}
	c.Health = kampe.HealthHealthy
	if len(r.Health) > 0 {
		c.Health = r.Health[0]
		if len(r.Health) > 1 {
			r.Health = r.Health[1:]
		}
	}
	return *c, nil
}

func (r *Runtime) StreamLogs(ctx context.Context, id string, stdout, stderr io.Writer) error {
	if err := r.record("StreamLogs", strings.TrimPrefix(id, "id-")); err != nil {
		return err
	}
	_, err := io.WriteString(stdout, r.Output)
	return err
}

func (r *Runtime) WaitContainer(ctx context.Context, id string) (int, error) {
	if err := r.record("WaitContainer", strings.TrimPrefix(id, "id-")); err != nil {
		return -1, err
	}
	if r.Block {
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-r.release:
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.lookup(id); ok {
		c.Running = false
		c.Status = "exited"
		c.ExitCode = r.ExitCode
	}
	return r.ExitCode, nil
}

func (r *Runtime) SignalContainer(ctx context.Context, id, signal string) error {
	return r.record("SignalContainer", strings.TrimPrefix(id, "id-"))
}

func (r *Runtime) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	if err := r.record("StopContainer", strings.TrimPrefix(id, "id-")); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.lookup(id)
	if !ok {
		return kampe.ErrNotFound
	}
	c.Running = false
	c.Status = "exited"
	return nil
}

func (r *Runtime) RemoveContainer(ctx context.Context, id string) error {
	if err := r.record("RemoveContainer", strings.TrimPrefix(id, "id-")); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.lookup(id)
	if !ok {
		return kampe.ErrNotFound
	}
	delete(r.Containers, c.ID)
	return nil
}

func (r *Runtime) ListContainers(ctx context.Context, label string) ([]kampe.ContainerStatus, error) {
	if err := r.record("ListContainers", label); err != nil {
		return nil, err
	}
	key, value, _ := strings.Cut(label, "=")
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []kampe.ContainerStatus
	for _, c := range r.Containers {
		if c.Labels[key] == value {
			out = append(out, *c)
		}
	}
	return out, nil
}

// Seed adds a running container as if left behind by an earlier process.
func (r *Runtime) Seed(name string, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := "id-" + name
	r.Containers[id] = &kampe.ContainerStatus{ID: id, Name: name, Running: true, Status: "running", Labels: labels}
}

var _ kampe.Runtime = (*Runtime)(nil)
