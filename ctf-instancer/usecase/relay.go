package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.jetify.com/typeid"

	"github.com/wargame-ctf/instancer/ctf-instancer/domain"
)

// CloseCode is the reason a terminal session ends, sent to the client as
// its websocket close code.
type CloseCode int

const (
	CloseNormal          CloseCode = 1000
	CloseGoingAway       CloseCode = 1001
	CloseUnauthorized    CloseCode = 4001
	CloseNotAvailable    CloseCode = 4004
	CloseServerError     CloseCode = 4005
	CloseInstanceStopped CloseCode = 4010
	CloseInstanceExpired CloseCode = 4011
)

func (c CloseCode) Reason() string {
	switch c {
	case CloseNormal:
		return "session closed"
	case CloseGoingAway:
		return "server shutting down"
	case CloseUnauthorized:
		return "unauthorized"
	case CloseNotAvailable:
		return "instance not available"
	case CloseInstanceStopped:
		return "instance stopped"
	case CloseInstanceExpired:
		return "instance expired"
	default:
		return "server error"
	}
}

// CloseCodeFor maps an Open error to the code the client is closed with.
func CloseCodeFor(err error) CloseCode {
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		return CloseUnauthorized
	case errors.Is(err, domain.ErrInstanceNotAvailable):
		return CloseNotAvailable
	default:
		return CloseServerError
	}
}

// TerminalClient is the player side of a session. ReadMessage blocks until
// input arrives or the client goes away. Close must be safe to call while a
// WriteMessage is in progress.
type TerminalClient interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte, deadline time.Time) error
	Close(code CloseCode, reason string) error
}

type RelayConfig struct {
	Shell        string
	BufferSize   int
	WriteTimeout time.Duration
}

// Relay opens terminal sessions into running sandboxes.
type Relay struct {
	repo     domain.InstanceRepository
	driver   domain.SandboxDriver
	bus      domain.EventBus
	verifier domain.TokenVerifier
	config   RelayConfig
	logger   *slog.Logger

	now func() time.Time

	mu       sync.Mutex
	shutdown bool
	closing  chan struct{}
	active   sync.WaitGroup
}

func NewRelay(
	repo domain.InstanceRepository,
	driver domain.SandboxDriver,
	bus domain.EventBus,
	verifier domain.TokenVerifier,
	config RelayConfig,
	logger *slog.Logger,
) *Relay {
	if config.Shell == "" {
		config.Shell = "/bin/sh"
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 4096
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}

	return &Relay{
		repo:     repo,
		driver:   driver,
		bus:      bus,
		verifier: verifier,
		config:   config,
		logger:   logger,
		now:      time.Now,
		closing:  make(chan struct{}),
	}
}

// Open authorizes credential against instanceID and attaches to the
// sandbox. Missing and foreign instances are both reported as unauthorized.
func (r *Relay) Open(ctx context.Context, instanceID, credential string) (*Session, error) {
	principal, err := r.verifier.Verify(credential)
	if err != nil {
		return nil, err
	}

	instance, err := r.repo.FindByID(ctx, instanceID)
	if errors.Is(err, domain.ErrInstanceNotFound) {
		return nil, fmt.Errorf("%w: no instance %s", domain.ErrUnauthorized, instanceID)
	}
	if err != nil {
		return nil, err
	}
	if instance.OwnerID != principal.UserID {
		return nil, fmt.Errorf("%w: instance %s not owned by caller", domain.ErrUnauthorized, instanceID)
	}
	if instance.State != domain.StateRunning || instance.IsExpired(r.now()) {
		return nil, domain.ErrInstanceNotAvailable
	}

	events, unsubscribe, err := r.bus.Subscribe(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to instance events: %w", err)
	}

	// A stop that landed before the subscription would otherwise be missed.
	instance, err = r.repo.FindByID(ctx, instanceID)
	if err != nil || instance.State != domain.StateRunning {
		unsubscribe()
		return nil, domain.ErrInstanceNotAvailable
	}

	stream, err := r.driver.Attach(ctx, instance.SandboxRef, strings.Fields(r.config.Shell))
	if err != nil {
		unsubscribe()
		if errors.Is(err, domain.ErrSandboxNotFound) {
			return nil, domain.ErrInstanceNotAvailable
		}
		return nil, fmt.Errorf("failed to attach terminal: %w", err)
	}

	return &Session{
		ID:          newSessionID(),
		Instance:    instance,
		relay:       r,
		stream:      stream,
		events:      events,
		unsubscribe: unsubscribe,
	}, nil
}

// Shutdown ends every open session with CloseGoingAway and waits for them
// to finish or for ctx to be done.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if !r.shutdown {
		r.shutdown = true
		close(r.closing)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.active.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// register counts a session as active unless the relay is shutting down.
func (r *Relay) register() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shutdown {
		return false
	}
	r.active.Add(1)
	return true
}

func newSessionID() string {
	id, err := typeid.WithPrefix("term")
	if err != nil {
		return fmt.Sprintf("term-%d", time.Now().UTC().UnixNano())
	}
	return id.String()
}
