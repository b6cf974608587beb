package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/wargame-ctf/instancer/ctf-instancer/domain"
)

// Archiver keeps an audit copy of a terminal instance before the registry
// purges it.
type Archiver interface {
	Archive(ctx context.Context, instance *domain.Instance) error
}

type ArchiveRecord struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"owner_id"`
	ChallengeID string     `json:"challenge_id"`
	State       string     `json:"state"`
	StopReason  string     `json:"stop_reason,omitempty"`
	SandboxRef  string     `json:"sandbox_ref,omitempty"`
	IngressPort int        `json:"ingress_port,omitempty"`
	Attempts    int        `json:"attempts,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	EndedAt     time.Time  `json:"ended_at"`
	ArchivedAt  *time.Time `json:"archived_at,omitempty"`
}

func NewArchiveRecord(i *domain.Instance) ArchiveRecord {
	return ArchiveRecord{
		ID:          i.ID,
		OwnerID:     i.OwnerID,
		ChallengeID: i.ChallengeID,
		State:       string(i.State),
		StopReason:  string(i.StopReason),
		SandboxRef:  i.SandboxRef,
		IngressPort: i.IngressPort,
		Attempts:    i.Attempts,
		CreatedAt:   i.CreatedAt,
		ExpiresAt:   i.ExpiresAt,
		EndedAt:     i.UpdatedAt,
	}
}

// ArchiveKey lays records out by the day the instance was created.
func ArchiveKey(prefix string, i *domain.Instance) string {
	return fmt.Sprintf("%s%s/%s.json", prefix, i.CreatedAt.UTC().Format("2006/01/02"), i.ID)
}

// NopArchiver discards records.
type NopArchiver struct{}

func (NopArchiver) Archive(ctx context.Context, instance *domain.Instance) error {
	return nil
}
