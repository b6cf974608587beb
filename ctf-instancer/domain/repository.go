package domain

import (
	"context"
	"time"
)

// InstanceRepository is the authoritative store of instance records.
//
// Create must enforce, atomically with the insert, that no other active
// instance exists for the same owner and challenge, and that no other
// non-terminal instance holds the same sandbox ref or ingress port.
//
// Transition is a compare-and-swap on State. apply, when non-nil, runs
// against the stored record inside the same atomic step and may change
// bookkeeping fields; it must not change State. ErrConflict is returned when
// the stored state differs from from.
//
// CountLive counts instances that still hold a sandbox (any non-terminal
// state). An empty ownerID counts across all owners.
type InstanceRepository interface {
	Create(ctx context.Context, instance *Instance) error
	FindByID(ctx context.Context, id string) (*Instance, error)
	FindByOwner(ctx context.Context, ownerID string) ([]*Instance, error)
	FindByState(ctx context.Context, state State) ([]*Instance, error)
	FindExpired(ctx context.Context, now time.Time) ([]*Instance, error)
	FindTerminalBefore(ctx context.Context, before time.Time) ([]*Instance, error)
	CountLive(ctx context.Context, ownerID string) (int, error)
	Transition(ctx context.Context, id string, from, to State, apply func(*Instance)) (*Instance, error)
	Delete(ctx context.Context, id string) error
}

type ChallengeCatalog interface {
	FindChallenge(ctx context.Context, challengeID string) (*Challenge, error)
}

type TokenVerifier interface {
	Verify(token string) (*Principal, error)
}

type Principal struct {
	UserID string
}
