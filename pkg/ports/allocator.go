package ports

import (
	"errors"
	"fmt"
	"sync"
)

// MaxPort is the highest valid TCP port
const MaxPort = 65535

var ErrNoFreePort = errors.New("no free local port")

// PortChecker is the probe the allocator relies on; *Prober satisfies it.
type PortChecker interface {
	InUse(port int) bool
}

// Allocator hands out local ports for new tunnels. Its answers are advisory:
// another program can still take a port between the probe and the bind.
type Allocator struct {
	checker PortChecker

	mu       sync.Mutex
	reserved map[int]bool
}

func NewAllocator(checker PortChecker) *Allocator {
	return &Allocator{
		checker:  checker,
		reserved: make(map[int]bool),
	}
}

// Next returns the first port at or above start that is neither reserved
// by one of our tunnels nor accepting connections. The port is reserved
// before it is returned.
func (a *Allocator) Next(start int) (int, error) {
	if start < 1 {
		start = 1
	}
	for port := start; port <= MaxPort; port++ {
		if a.isReserved(port) {
			continue
		}
		if a.checker.InUse(port) {
			continue
		}
		a.mu.Lock()
		if a.reserved[port] {
			a.mu.Unlock()
			continue
		}
		a.reserved[port] = true
		a.mu.Unlock()
		return port, nil
	}
	return 0, fmt.Errorf("%w at or above %d", ErrNoFreePort, start)
}

func (a *Allocator) isReserved(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reserved[port]
}

// Release frees a port once its tunnel is gone.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.reserved, port)
}
