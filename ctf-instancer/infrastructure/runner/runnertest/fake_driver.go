// Package runnertest provides an in-memory sandbox driver for tests.
package runnertest

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/wargame-ctf/instancer/ctf-instancer/domain"
)

// FakeDriver records every call. Attached streams echo their input back
// unless AttachHandler is set.
type FakeDriver struct {
	mu       sync.Mutex
	next     int
	live     map[string]domain.SandboxSpec
	creates  int
	destroys map[string]int
	exited   map[string]bool

	CreateErr     error
	DestroyErr    error
	AttachErr     error
	InspectErr    error
	CreateHook    func(ctx context.Context, spec domain.SandboxSpec) error
	DestroyHook   func(ref string)
	AttachHandler func(conn net.Conn)

	DestroyCalls atomic.Int64
}

func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		live:     make(map[string]domain.SandboxSpec),
		destroys: make(map[string]int),
		exited:   make(map[string]bool),
	}
}

func (f *FakeDriver) Create(ctx context.Context, spec domain.SandboxSpec) (*domain.Sandbox, error) {
	f.mu.Lock()
	hook := f.CreateHook
	createErr := f.CreateErr
	f.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, spec); err != nil {
			return nil, err
		}
	}
	if createErr != nil {
		return nil, createErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.creates++
	ref := fmt.Sprintf("sandbox-%d", f.next)
	f.live[ref] = spec
	return &domain.Sandbox{Ref: ref}, nil
}

func (f *FakeDriver) Destroy(ctx context.Context, ref string) error {
	f.DestroyCalls.Add(1)

	f.mu.Lock()
	hook := f.DestroyHook
	f.mu.Unlock()
	if hook != nil {
		hook(ref)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DestroyErr != nil {
		return f.DestroyErr
	}
	f.destroys[ref]++
	delete(f.live, ref)
	delete(f.exited, ref)
	return nil
}

func (f *FakeDriver) DestroyByName(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DestroyErr != nil {
		return f.DestroyErr
	}
	for ref, spec := range f.live {
		if spec.InstanceID == instanceID {
			f.destroys[ref]++
			delete(f.live, ref)
			delete(f.exited, ref)
		}
	}
	return nil
}

func (f *FakeDriver) Attach(ctx context.Context, ref string, cmd []string) (domain.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.AttachErr != nil {
		return nil, f.AttachErr
	}
	if _, ok := f.live[ref]; !ok {
		return nil, domain.ErrSandboxNotFound
	}

	client, server := net.Pipe()
	handler := f.AttachHandler
	if handler == nil {
		handler = echo
	}
	go handler(server)

	return &pipeStream{Conn: client}, nil
}

func (f *FakeDriver) Inspect(ctx context.Context, ref string) (domain.SandboxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.InspectErr != nil {
		return "", f.InspectErr
	}
	if _, ok := f.live[ref]; !ok {
		return domain.SandboxMissing, nil
	}
	if f.exited[ref] {
		return domain.SandboxExited, nil
	}
	return domain.SandboxRunning, nil
}

// Crash marks ref as exited. The sandbox still exists until destroyed.
func (f *FakeDriver) Crash(ref string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exited[ref] = true
}

// Vanish removes ref as if someone deleted it outside the driver.
func (f *FakeDriver) Vanish(ref string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, ref)
}

func (f *FakeDriver) SetDestroyErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DestroyErr = err
}

func (f *FakeDriver) SetCreateErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CreateErr = err
}

func (f *FakeDriver) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

func (f *FakeDriver) IsLive(ref string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.live[ref]
	return ok
}

func (f *FakeDriver) Creates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

// Destroys reports how many successful teardowns hit ref.
func (f *FakeDriver) Destroys(ref string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroys[ref]
}

func (f *FakeDriver) Spec(ref string) (domain.SandboxSpec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	spec, ok := f.live[ref]
	return spec, ok
}

func echo(conn net.Conn) {
	defer conn.Close()
	_, _ = io.Copy(conn, conn)
}

type pipeStream struct {
	net.Conn
}

func (p *pipeStream) CloseWrite() error {
	return p.Conn.Close()
}
