package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wargame-ctf/instancer/ctf-instancer/domain"
)

// MemoryInstanceRepository keeps instances in process. It is only correct
// for a single replica; use the SQL or bolt repositories otherwise.
type MemoryInstanceRepository struct {
	mu        sync.RWMutex
	instances map[string]*domain.Instance
}

func NewMemoryInstanceRepository() *MemoryInstanceRepository {
	return &MemoryInstanceRepository{
		instances: make(map[string]*domain.Instance),
	}
}

func (r *MemoryInstanceRepository) Create(ctx context.Context, instance *domain.Instance) error {
	if err := instance.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instances[instance.ID]; exists {
		return fmt.Errorf("%w: duplicate id %s", domain.ErrAlreadyExists, instance.ID)
	}
	if err := r.checkUnique(instance); err != nil {
		return err
	}

	r.instances[instance.ID] = instance.Clone()
	return nil
}

func (r *MemoryInstanceRepository) FindByID(ctx context.Context, id string) (*domain.Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	instance, exists := r.instances[id]
	if !exists {
		return nil, domain.ErrInstanceNotFound
	}
	return instance.Clone(), nil
}

func (r *MemoryInstanceRepository) FindByOwner(ctx context.Context, ownerID string) ([]*domain.Instance, error) {
	return r.filter(func(i *domain.Instance) bool { return i.OwnerID == ownerID }), nil
}

func (r *MemoryInstanceRepository) FindByState(ctx context.Context, state domain.State) ([]*domain.Instance, error) {
	return r.filter(func(i *domain.Instance) bool { return i.State == state }), nil
}

func (r *MemoryInstanceRepository) FindExpired(ctx context.Context, now time.Time) ([]*domain.Instance, error) {
	return r.filter(func(i *domain.Instance) bool {
		return i.State == domain.StateRunning && i.IsExpired(now) && i.RetryDue(now)
	}), nil
}

func (r *MemoryInstanceRepository) FindTerminalBefore(ctx context.Context, before time.Time) ([]*domain.Instance, error) {
	return r.filter(func(i *domain.Instance) bool {
		return i.State.IsTerminal() && i.UpdatedAt.Before(before)
	}), nil
}

func (r *MemoryInstanceRepository) CountLive(ctx context.Context, ownerID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, i := range r.instances {
		if i.State.IsTerminal() {
			continue
		}
		if ownerID == "" || i.OwnerID == ownerID {
			n++
		}
	}
	return n, nil
}

func (r *MemoryInstanceRepository) Transition(ctx context.Context, id string, from, to domain.State, apply func(*domain.Instance)) (*domain.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, exists := r.instances[id]
	if !exists {
		return nil, domain.ErrInstanceNotFound
	}

	next, err := current.Transitioned(from, to, apply)
	if err != nil {
		return nil, err
	}
	if err := r.checkUnique(next); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return nil, fmt.Errorf("%w: %v", domain.ErrConflict, err)
		}
		return nil, err
	}

	r.instances[id] = next
	return next.Clone(), nil
}

func (r *MemoryInstanceRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instances[id]; !exists {
		return domain.ErrInstanceNotFound
	}
	delete(r.instances, id)
	return nil
}

// checkUnique must be called with mu held.
func (r *MemoryInstanceRepository) checkUnique(candidate *domain.Instance) error {
	if candidate.State.IsTerminal() {
		return nil
	}

	for id, other := range r.instances {
		if id == candidate.ID || other.State.IsTerminal() {
			continue
		}
		if candidate.State.IsActive() && other.State.IsActive() &&
			other.OwnerID == candidate.OwnerID && other.ChallengeID == candidate.ChallengeID {
			return domain.ErrAlreadyExists
		}
		if candidate.SandboxRef != "" && other.SandboxRef == candidate.SandboxRef {
			return fmt.Errorf("%w: sandbox ref %s held by %s", domain.ErrConflict, candidate.SandboxRef, id)
		}
		if candidate.IngressPort > 0 && other.IngressPort == candidate.IngressPort {
			return fmt.Errorf("%w: ingress port %d held by %s", domain.ErrConflict, candidate.IngressPort, id)
		}
	}
	return nil
}

func (r *MemoryInstanceRepository) filter(match func(*domain.Instance) bool) []*domain.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*domain.Instance, 0)
	for _, i := range r.instances {
		if match(i) {
			result = append(result, i.Clone())
		}
	}
	sortByCreated(result)
	return result
}

func sortByCreated(instances []*domain.Instance) {
	sort.Slice(instances, func(a, b int) bool {
		if instances[a].CreatedAt.Equal(instances[b].CreatedAt) {
			return instances[a].ID < instances[b].ID
		}
		return instances[a].CreatedAt.Before(instances[b].CreatedAt)
	})
}
