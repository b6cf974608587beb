package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wargame-ctf/instancer/ctf-instancer/domain"
)

type mockPutter struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (m *mockPutter) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.input = params
	m.body, _ = io.ReadAll(params.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Archiver_Archive(t *testing.T) {
	created := time.Date(2026, 2, 14, 9, 30, 0, 0, time.UTC)
	inst := &domain.Instance{
		ID:          "inst-1",
		OwnerID:     "alice",
		ChallengeID: "7",
		State:       domain.StateExpired,
		StopReason:  domain.StopReasonExpired,
		SandboxRef:  "cid-1",
		IngressPort: 30001,
		CreatedAt:   created,
		UpdatedAt:   created.Add(31 * time.Minute),
		ExpiresAt:   created.Add(30 * time.Minute),
	}

	putter := &mockPutter{}
	a := newS3Archiver(putter, &S3Config{Bucket: "audit", Prefix: "instances/"})
	a.now = func() time.Time { return created.Add(2 * time.Hour) }

	require.NoError(t, a.Archive(context.Background(), inst))
	assert.Equal(t, "audit", aws.ToString(putter.input.Bucket))
	assert.Equal(t, "instances/2026/02/14/inst-1.json", aws.ToString(putter.input.Key))
	assert.Equal(t, "application/json", aws.ToString(putter.input.ContentType))

	var rec ArchiveRecord
	require.NoError(t, json.Unmarshal(putter.body, &rec))
	assert.Equal(t, "expired", rec.State)
	assert.Equal(t, "expired", rec.StopReason)
	assert.Equal(t, 30001, rec.IngressPort)
	assert.True(t, rec.EndedAt.Equal(inst.UpdatedAt))
	require.NotNil(t, rec.ArchivedAt)
}

func TestS3Archiver_ArchiveError(t *testing.T) {
	a := newS3Archiver(&mockPutter{err: errors.New("access denied")}, &S3Config{Bucket: "audit"})
	err := a.Archive(context.Background(), &domain.Instance{ID: "inst-1"})
	assert.ErrorContains(t, err, "access denied")
}

func TestS3Config_Enabled(t *testing.T) {
	t.Setenv("ARCHIVE_BUCKET", "")
	assert.False(t, NewS3ConfigFromEnv().Enabled())

	t.Setenv("ARCHIVE_BUCKET", "audit")
	cfg := NewS3ConfigFromEnv()
	assert.True(t, cfg.Enabled())
	assert.Equal(t, "instances/", cfg.Prefix)
}
