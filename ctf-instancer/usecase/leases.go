package usecase

import (
	"sync"
)

// PortAllocator hands out host ports for sandbox ingress.
type PortAllocator interface {
	Acquire() (int, error)
	Reserve(port int) bool
	Release(port int)
}

// portLeases ties each leased port to the instance holding it, so a port
// is returned to the pool at most once however many paths tear the
// instance down.
type portLeases struct {
	mu     sync.Mutex
	pool   PortAllocator
	leases map[string]int
}

func newPortLeases(pool PortAllocator) *portLeases {
	return &portLeases{
		pool:   pool,
		leases: make(map[string]int),
	}
}

func (l *portLeases) lease(instanceID string) (int, error) {
	port, err := l.pool.Acquire()
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.leases[instanceID] = port
	return port, nil
}

func (l *portLeases) reserve(instanceID string, port int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, held := l.leases[instanceID]; held {
		return false
	}
	if !l.pool.Reserve(port) {
		return false
	}
	l.leases[instanceID] = port
	return true
}

func (l *portLeases) release(instanceID string) {
	l.mu.Lock()
	port, held := l.leases[instanceID]
	delete(l.leases, instanceID)
	l.mu.Unlock()

	if held {
		l.pool.Release(port)
	}
}

func (l *portLeases) held(instanceID string) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	port, ok := l.leases[instanceID]
	return port, ok
}

func (l *portLeases) snapshot() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]int, len(l.leases))
	for id, port := range l.leases {
		out[id] = port
	}
	return out
}

// releaseIf releases the lease only if instanceID still holds port.
func (l *portLeases) releaseIf(instanceID string, port int) bool {
	l.mu.Lock()
	current, held := l.leases[instanceID]
	if !held || current != port {
		l.mu.Unlock()
		return false
	}
	delete(l.leases, instanceID)
	l.mu.Unlock()

	l.pool.Release(port)
	return true
}
