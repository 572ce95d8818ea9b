package ports

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned when a port is not part of the registry.
var ErrNotFound = errors.New("port not in registry")

// DefaultPorts are the candidate daemon ports, most preferred first.
var DefaultPorts = []int{62485, 65425, 55428, 49452, 35452, 25152, 5152, 1234}

// Registry is the ordered list of candidate daemon ports. The first element is
// the port the daemon is expected on. Only Reorder mutates the order, and only
// the report fallback and the supervisor call it.
type Registry struct {
	mu    sync.RWMutex
	ports []int
}

// New creates a registry. The list must be non-empty and free of duplicates.
func New(ports ...int) (*Registry, error) {
	if len(ports) == 0 {
		return nil, errors.New("empty port list")
	}
	seen := make(map[int]struct{}, len(ports))
	for _, p := range ports {
		if p <= 0 || p > 65535 {
			return nil, fmt.Errorf("invalid port %d", p)
		}
		if _, dup := seen[p]; dup {
			return nil, fmt.Errorf("duplicate port %d", p)
		}
		seen[p] = struct{}{}
	}
	return &Registry{ports: append([]int(nil), ports...)}, nil
}

// Current returns the preferred port.
func (r *Registry) Current() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ports[0]
}

// Address returns the base URL of the daemon on the preferred port.
func (r *Registry) Address() string {
	return AddressOf(r.Current())
}

// AddressOf returns the loopback base URL for port.
func AddressOf(port int) string {
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}

// Ports returns a copy of the current order.
func (r *Registry) Ports() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]int(nil), r.ports...)
}

// Next returns the port after the preferred one, wrapping around. On a
// single-port registry it returns the preferred port.
func (r *Registry) Next() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ports[1%len(r.ports)]
}

// Reorder promotes target to the front. The remaining ports keep their
// relative order.
func (r *Registry) Reorder(target int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := -1
	for idx, p := range r.ports {
		if p == target {
			i = idx
			break
		}
	}
	if i < 0 {
		return fmt.Errorf("reorder %d: %w", target, ErrNotFound)
	}
	if i == 0 {
		return nil
	}
	promoted := make([]int, 0, len(r.ports))
	promoted = append(promoted, target)
	promoted = append(promoted, r.ports[:i]...)
	promoted = append(promoted, r.ports[i+1:]...)
	r.ports = promoted
	return nil
}
