package ingress

import (
	"errors"
	"fmt"
	"sync"
)

var ErrNoAvailablePort = errors.New("no available port")

// PortPool hands out host ports from a fixed range. Allocation continues
// from the last handed out port so a just released port is not reused
// immediately by the next instance.
type PortPool struct {
	mu        sync.Mutex
	minPort   int
	maxPort   int
	usedPorts []bool
	next      int
	inUse     int
}

func NewPortPool(minPort, maxPort int) (*PortPool, error) {
	if minPort <= 0 || maxPort > 65535 || maxPort < minPort {
		return nil, fmt.Errorf("invalid port range %d-%d", minPort, maxPort)
	}

	return &PortPool{
		minPort:   minPort,
		maxPort:   maxPort,
		usedPorts: make([]bool, maxPort-minPort+1),
	}, nil
}

func (p *PortPool) Acquire() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	size := len(p.usedPorts)
	for n := 0; n < size; n++ {
		i := (p.next + n) % size
		if !p.usedPorts[i] {
			p.usedPorts[i] = true
			p.next = (i + 1) % size
			p.inUse++
			return i + p.minPort, nil
		}
	}

	return 0, ErrNoAvailablePort
}

// Reserve marks port as used. It is used to rebuild the pool from the
// registry after a restart and reports false if the port was already taken
// or is outside the range.
func (p *PortPool) Reserve(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if port < p.minPort || port > p.maxPort || p.usedPorts[port-p.minPort] {
		return false
	}

	p.usedPorts[port-p.minPort] = true
	p.inUse++
	return true
}

func (p *PortPool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if port < p.minPort || port > p.maxPort || !p.usedPorts[port-p.minPort] {
		return
	}

	p.usedPorts[port-p.minPort] = false
	p.inUse--
}

func (p *PortPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.usedPorts) - p.inUse
}
