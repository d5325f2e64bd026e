package kampe

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrCapabilityRevoked is returned when code asks again for a capability the
// sandbox has already given up.
var ErrCapabilityRevoked = errors.New("capability revoked")

const CapNetAdmin = "NET_ADMIN"

// AlwaysDropped are removed from the sandbox regardless of anything else.
var AlwaysDropped = []string{"NET_RAW", "SYS_PTRACE", "SYS_MODULE"}

// Capabilities is the capability set of one sandbox container instance.
// Granted capabilities can be revoked, and a revoked capability can never be
// granted again on the same instance.
type Capabilities struct {
	mu      sync.Mutex
	granted []string
	revoked map[string]bool
}

// NewSandboxCapabilities grants NET_ADMIN for the entrypoint's NAT setup.
func NewSandboxCapabilities() *Capabilities {
	return &Capabilities{
		granted: []string{CapNetAdmin},
		revoked: map[string]bool{},
	}
}

func (c *Capabilities) Grant(capability string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.revoked[capability] || slices.Contains(AlwaysDropped, capability) {
		return fmt.Errorf("%s: %w", capability, ErrCapabilityRevoked)
	}
	if !slices.Contains(c.granted, capability) {
		c.granted = append(c.granted, capability)
	}
	return nil
}

// Revoke drops capability for the rest of the instance's life.
func (c *Capabilities) Revoke(capability string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.granted = slices.DeleteFunc(c.granted, func(s string) bool { return s == capability })
	c.revoked[capability] = true
}

func (c *Capabilities) Has(capability string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Contains(c.granted, capability)
}

func (c *Capabilities) Revoked(capability string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.revoked[capability]
}

// Add is the CapAdd list for container creation.
func (c *Capabilities) Add() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.granted)
}

// Drop is the CapDrop list for container creation.
func (c *Capabilities) Drop() []string {
	return slices.Clone(AlwaysDropped)
}
