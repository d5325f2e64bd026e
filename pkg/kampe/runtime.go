// Package kampe runs the proxy and sandbox containers: it creates the
// network, gates the sandbox on proxy health, streams the user command's
// output and tears the containers down again.
package kampe

import (
	"context"
	"errors"
	"io"
	"net/netip"
	"time"
)

// ErrNotFound is returned by a Runtime for a missing container or network.
var ErrNotFound = errors.New("not found")

// Labels set on every awf container.
const (
	LabelManaged    = "awf.managed"
	LabelInvocation = "awf.invocation"
	LabelRole       = "awf.role"
	LabelPID        = "awf.pid"
)

type NetworkSpec struct {
	Name    string
	Bridge  string
	Subnet  netip.Prefix
	Gateway netip.Addr
	Labels  map[string]string
}

type HealthCheck struct {
	Test     []string
	Interval time.Duration
	Timeout  time.Duration
	Retries  int
}

type ContainerSpec struct {
	Name         string
	Image        string
	Entrypoint   []string
	Cmd          []string
	Env          []string
	Labels       map[string]string
	WorkingDir   string
	Network      string
	IPv4         netip.Addr
	Binds        []string
	CapAdd       []string
	CapDrop      []string
	DNS          []string
	ExtraHosts   []string
	Sysctls      map[string]string
	ExposedPorts []uint16
	Health       *HealthCheck
}

// ContainerStatus is the part of an inspect result the orchestrator uses.
type ContainerStatus struct {
	ID       string
	Name     string
	Running  bool
	Status   string
	Health   string
	ExitCode int
	Labels   map[string]string
}

// Runtime is the container engine.
type Runtime interface {
	EnsureImage(ctx context.Context, ref string, pull bool) error
	CreateNetwork(ctx context.Context, spec NetworkSpec) (string, error)
	RemoveNetwork(ctx context.Context, name string) error
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	InspectContainer(ctx context.Context, id string) (ContainerStatus, error)
	// StreamLogs follows stdout and stderr until the container exits or ctx
	// is cancelled.
	StreamLogs(ctx context.Context, id string, stdout, stderr io.Writer) error
	WaitContainer(ctx context.Context, id string) (int, error)
	SignalContainer(ctx context.Context, id, signal string) error
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, id string) error
	ListContainers(ctx context.Context, label string) ([]ContainerStatus, error)
}
