package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/wargame-ctf/instancer/ctf-instancer/domain"
)

var (
	bucketNameInstance = []byte("instance")
	bucketNameActive   = []byte("active")
	bucketNameSandbox  = []byte("sandbox")
	bucketNameIngress  = []byte("ingress")
)

// BoltInstanceRepository stores instances in a single bbolt file. Index
// buckets map each live unique key to the owning instance id and are
// rewritten in the same write transaction as the record.
type BoltInstanceRepository struct {
	db *bolt.DB
}

type boltRecord struct {
	ID           string `json:"id"`
	OwnerID      string `json:"owner_id"`
	ChallengeID  string `json:"challenge_id"`
	State        string `json:"state"`
	EndpointKind string `json:"endpoint_kind,omitempty"`
	EndpointHost string `json:"endpoint_host,omitempty"`
	EndpointPort int    `json:"endpoint_port,omitempty"`
	SandboxRef   string `json:"sandbox_ref,omitempty"`
	IngressPort  int    `json:"ingress_port,omitempty"`
	StopReason   string `json:"stop_reason,omitempty"`
	Attempts     int    `json:"attempts,omitempty"`
	RetryAt      int64  `json:"retry_at,omitempty"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
	ExpiresAt    int64  `json:"expires_at"`
}

func NewBoltInstanceRepository(path string) (*BoltInstanceRepository, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketNameInstance, bucketNameActive, bucketNameSandbox, bucketNameIngress} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BoltInstanceRepository{db: db}, nil
}

func (r *BoltInstanceRepository) Close() error {
	return r.db.Close()
}

func (r *BoltInstanceRepository) Create(ctx context.Context, instance *domain.Instance) error {
	if err := instance.Validate(); err != nil {
		return err
	}

	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNameInstance)
		if b.Get([]byte(instance.ID)) != nil {
			return fmt.Errorf("%w: duplicate id %s", domain.ErrAlreadyExists, instance.ID)
		}
		if err := addIndexes(tx, instance); err != nil {
			return err
		}
		return putRecord(b, instance)
	})
}

func (r *BoltInstanceRepository) FindByID(ctx context.Context, id string) (*domain.Instance, error) {
	var instance *domain.Instance
	err := r.db.View(func(tx *bolt.Tx) error {
		var err error
		instance, err = getRecord(tx.Bucket(bucketNameInstance), id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func (r *BoltInstanceRepository) FindByOwner(ctx context.Context, ownerID string) ([]*domain.Instance, error) {
	return r.scan(func(i *domain.Instance) bool { return i.OwnerID == ownerID })
}

func (r *BoltInstanceRepository) FindByState(ctx context.Context, state domain.State) ([]*domain.Instance, error) {
	return r.scan(func(i *domain.Instance) bool { return i.State == state })
}

func (r *BoltInstanceRepository) FindExpired(ctx context.Context, now time.Time) ([]*domain.Instance, error) {
	return r.scan(func(i *domain.Instance) bool {
		return i.State == domain.StateRunning && i.IsExpired(now) && i.RetryDue(now)
	})
}

func (r *BoltInstanceRepository) FindTerminalBefore(ctx context.Context, before time.Time) ([]*domain.Instance, error) {
	return r.scan(func(i *domain.Instance) bool {
		return i.State.IsTerminal() && i.UpdatedAt.Before(before)
	})
}

func (r *BoltInstanceRepository) CountLive(ctx context.Context, ownerID string) (int, error) {
	instances, err := r.scan(func(i *domain.Instance) bool {
		return !i.State.IsTerminal() && (ownerID == "" || i.OwnerID == ownerID)
	})
	if err != nil {
		return 0, err
	}
	return len(instances), nil
}

func (r *BoltInstanceRepository) Transition(ctx context.Context, id string, from, to domain.State, apply func(*domain.Instance)) (*domain.Instance, error) {
	var next *domain.Instance
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNameInstance)
		current, err := getRecord(b, id)
		if err != nil {
			return err
		}

		next, err = current.Transitioned(from, to, apply)
		if err != nil {
			return err
		}

		if err := removeIndexes(tx, current); err != nil {
			return err
		}
		if err := addIndexes(tx, next); err != nil {
			if errors.Is(err, domain.ErrAlreadyExists) {
				return fmt.Errorf("%w: %v", domain.ErrConflict, err)
			}
			return err
		}
		return putRecord(b, next)
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

func (r *BoltInstanceRepository) Delete(ctx context.Context, id string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNameInstance)
		current, err := getRecord(b, id)
		if err != nil {
			return err
		}
		if err := removeIndexes(tx, current); err != nil {
			return err
		}
		return b.Delete([]byte(id))
	})
}

func (r *BoltInstanceRepository) scan(match func(*domain.Instance) bool) ([]*domain.Instance, error) {
	instances := make([]*domain.Instance, 0)
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNameInstance).ForEach(func(k, v []byte) error {
			instance, err := decodeRecord(v)
			if err != nil {
				return err
			}
			if match(instance) {
				instances = append(instances, instance)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortByCreated(instances)
	return instances, nil
}

func activeKey(i *domain.Instance) []byte {
	return []byte(i.OwnerID + "\x00" + i.ChallengeID)
}

func addIndexes(tx *bolt.Tx, i *domain.Instance) error {
	if i.State.IsTerminal() {
		return nil
	}

	if i.State.IsActive() {
		if err := claim(tx.Bucket(bucketNameActive), activeKey(i), i.ID, domain.ErrAlreadyExists); err != nil {
			return err
		}
	}
	if i.SandboxRef != "" {
		if err := claim(tx.Bucket(bucketNameSandbox), []byte(i.SandboxRef), i.ID, domain.ErrConflict); err != nil {
			return err
		}
	}
	if i.IngressPort > 0 {
		if err := claim(tx.Bucket(bucketNameIngress), []byte(strconv.Itoa(i.IngressPort)), i.ID, domain.ErrConflict); err != nil {
			return err
		}
	}
	return nil
}

func removeIndexes(tx *bolt.Tx, i *domain.Instance) error {
	release := func(b *bolt.Bucket, key []byte) error {
		if string(b.Get(key)) != i.ID {
			return nil
		}
		return b.Delete(key)
	}

	if err := release(tx.Bucket(bucketNameActive), activeKey(i)); err != nil {
		return err
	}
	if i.SandboxRef != "" {
		if err := release(tx.Bucket(bucketNameSandbox), []byte(i.SandboxRef)); err != nil {
			return err
		}
	}
	if i.IngressPort > 0 {
		if err := release(tx.Bucket(bucketNameIngress), []byte(strconv.Itoa(i.IngressPort))); err != nil {
			return err
		}
	}
	return nil
}

func claim(b *bolt.Bucket, key []byte, id string, clash error) error {
	if owner := b.Get(key); owner != nil && string(owner) != id {
		return fmt.Errorf("%w: %q held by %s", clash, key, owner)
	}
	return b.Put(key, []byte(id))
}

func getRecord(b *bolt.Bucket, id string) (*domain.Instance, error) {
	v := b.Get([]byte(id))
	if v == nil {
		return nil, domain.ErrInstanceNotFound
	}
	return decodeRecord(v)
}

func putRecord(b *bolt.Bucket, i *domain.Instance) error {
	kind, host, port := endpointColumns(i.Endpoint)
	data, err := json.Marshal(boltRecord{
		ID:           i.ID,
		OwnerID:      i.OwnerID,
		ChallengeID:  i.ChallengeID,
		State:        string(i.State),
		EndpointKind: kind,
		EndpointHost: host,
		EndpointPort: port,
		SandboxRef:   i.SandboxRef,
		IngressPort:  i.IngressPort,
		StopReason:   string(i.StopReason),
		Attempts:     i.Attempts,
		RetryAt:      toMillis(i.RetryAt),
		CreatedAt:    toMillis(i.CreatedAt),
		UpdatedAt:    toMillis(i.UpdatedAt),
		ExpiresAt:    toMillis(i.ExpiresAt),
	})
	if err != nil {
		return fmt.Errorf("failed to encode instance: %w", err)
	}
	return b.Put([]byte(i.ID), data)
}

func decodeRecord(v []byte) (*domain.Instance, error) {
	var rec boltRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode instance: %w", err)
	}

	i := &domain.Instance{
		ID:          rec.ID,
		OwnerID:     rec.OwnerID,
		ChallengeID: rec.ChallengeID,
		State:       domain.State(rec.State),
		SandboxRef:  rec.SandboxRef,
		IngressPort: rec.IngressPort,
		StopReason:  domain.StopReason(rec.StopReason),
		Attempts:    rec.Attempts,
		RetryAt:     fromMillis(rec.RetryAt),
		CreatedAt:   fromMillis(rec.CreatedAt),
		UpdatedAt:   fromMillis(rec.UpdatedAt),
		ExpiresAt:   fromMillis(rec.ExpiresAt),
	}
	if rec.EndpointKind != "" {
		i.Endpoint = &domain.Endpoint{Kind: domain.EndpointKind(rec.EndpointKind), Host: rec.EndpointHost, Port: rec.EndpointPort}
	}
	i.Normalize()
	return i, nil
}
