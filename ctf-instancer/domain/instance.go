package domain

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

type Instance struct {
	ID          string
	OwnerID     string
	ChallengeID string
	State       State
	Endpoint    *Endpoint
	SandboxRef  string
	IngressPort int
	StopReason  StopReason
	Attempts    int
	RetryAt     time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   time.Time
}

type State string

const (
	StateProvisioning State = "provisioning"
	StateRunning      State = "running"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
	StateExpired      State = "expired"
	StateFailed       State = "failed"
)

var transitions = map[State][]State{
	StateProvisioning: {StateProvisioning, StateRunning, StateStopping, StateFailed},
	StateRunning:      {StateRunning, StateStopping},
	StateStopping:     {StateStopping, StateStopped, StateExpired, StateRunning},
}

// ValidTransition reports whether the state machine has an edge from -> to.
// Self edges are allowed for non-terminal states so bookkeeping can be
// updated under the same compare-and-swap.
func ValidTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s State) IsTerminal() bool {
	return s == StateStopped || s == StateExpired || s == StateFailed
}

// IsActive reports whether the state counts against the one instance per
// owner and challenge rule.
func (s State) IsActive() bool {
	return s == StateProvisioning || s == StateRunning
}

func (s State) Valid() bool {
	switch s {
	case StateProvisioning, StateRunning, StateStopping, StateStopped, StateExpired, StateFailed:
		return true
	}
	return false
}

type StopReason string

const (
	StopReasonNone                StopReason = ""
	StopReasonOwner               StopReason = "owner"
	StopReasonExpired             StopReason = "expired"
	StopReasonFailed              StopReason = "failed"
	StopReasonProvisioningTimeout StopReason = "provisioning_timeout"
	StopReasonSandboxGone         StopReason = "sandbox_gone"
)

type EndpointKind string

const (
	EndpointHTTP EndpointKind = "http"
	EndpointTCP  EndpointKind = "tcp"
)

type Endpoint struct {
	Kind EndpointKind
	Host string
	Port int
}

// String renders the endpoint the way players paste it: a URL for http
// challenges and a netcat command for raw tcp.
func (e Endpoint) String() string {
	switch e.Kind {
	case EndpointHTTP:
		return fmt.Sprintf("http://%s", net.JoinHostPort(e.Host, strconv.Itoa(e.Port)))
	default:
		return fmt.Sprintf("nc %s %d", e.Host, e.Port)
	}
}

func NewInstance(id, ownerID, challengeID string, now time.Time, ttl time.Duration) *Instance {
	return &Instance{
		ID:          id,
		OwnerID:     ownerID,
		ChallengeID: challengeID,
		State:       StateProvisioning,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

func (i *Instance) IsExpired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}

func (i *Instance) RetryDue(now time.Time) bool {
	return i.RetryAt.IsZero() || !now.Before(i.RetryAt)
}

// Normalize enforces that an endpoint is only carried while running.
func (i *Instance) Normalize() {
	if i.State != StateRunning {
		i.Endpoint = nil
	}
}

func (i *Instance) Clone() *Instance {
	c := *i
	if i.Endpoint != nil {
		ep := *i.Endpoint
		c.Endpoint = &ep
	}
	return &c
}

func (i *Instance) Validate() error {
	if i.ID == "" || i.OwnerID == "" || i.ChallengeID == "" {
		return fmt.Errorf("%w: id, owner and challenge are required", ErrInvalidInstance)
	}
	if !i.ExpiresAt.After(i.CreatedAt) {
		return fmt.Errorf("%w: expires_at must be after created_at", ErrInvalidInstance)
	}
	if !i.State.Valid() {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidInstance, i.State)
	}
	return nil
}

// Transitioned returns a copy of i moved from -> to with apply run on it.
// Repositories call it inside their atomic step so every backend validates
// the same state machine.
func (i *Instance) Transitioned(from, to State, apply func(*Instance)) (*Instance, error) {
	if !ValidTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if i.State != from {
		return nil, fmt.Errorf("%w: instance %s is %s, expected %s", ErrConflict, i.ID, i.State, from)
	}

	next := i.Clone()
	if apply != nil {
		apply(next)
	}
	next.State = to
	next.Normalize()
	return next, nil
}
