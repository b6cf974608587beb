package catalog

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/wargame-ctf/instancer/ctf-instancer/domain"
)

const testCatalog = `
challenges:
  - id: "7"
    title: baby pwn
    category: pwn
    dynamic: true
    image: wargame/baby-pwn:latest
    port: 1337
    ttl: 10m
  - id: "8"
    title: cookie monster
    category: web
    dynamic: true
    image: wargame/cookie-monster:latest
  - id: "9"
    title: xor cipher
    category: crypto
`

func TestFileCatalog_FindChallenge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalog), 0o600))

	c, err := LoadFileCatalog(path)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Len())

	ctx := context.Background()
	pwn, err := c.FindChallenge(ctx, "7")
	require.NoError(t, err)
	assert.True(t, pwn.Dynamic)
	assert.Equal(t, 1337, pwn.ContainerPort())
	assert.Equal(t, 10*time.Minute, pwn.TTL)
	assert.Equal(t, domain.EndpointTCP, pwn.EndpointKind())

	web, err := c.FindChallenge(ctx, "8")
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultChallengePort, web.ContainerPort())
	assert.Equal(t, domain.EndpointHTTP, web.EndpointKind())

	static, err := c.FindChallenge(ctx, "9")
	require.NoError(t, err)
	assert.False(t, static.Dynamic)

	_, err = c.FindChallenge(ctx, "404")
	assert.ErrorIs(t, err, domain.ErrChallengeNotFound)
}

func TestParseFileCatalog_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not yaml", "challenges: [:"},
		{"missing id", "challenges:\n  - title: x\n"},
		{"duplicate", "challenges:\n  - id: a\n  - id: a\n"},
		{"dynamic without image", "challenges:\n  - id: a\n    dynamic: true\n"},
		{"negative ttl", "challenges:\n  - id: a\n    ttl: -1m\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFileCatalog([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestMySQLCatalog_FindChallenge(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "platform.db"))
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	_, err = db.ExecContext(ctx, `CREATE TABLE challenges (
		id INTEGER PRIMARY KEY,
		title TEXT NOT NULL,
		category TEXT NOT NULL,
		is_dynamic BOOLEAN NOT NULL DEFAULT 0,
		docker_image TEXT,
		docker_port INTEGER
	)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO challenges VALUES
		(7, 'baby pwn', 'pwn', 1, 'wargame/baby-pwn:latest', 9001),
		(9, 'xor cipher', 'crypto', 0, NULL, NULL)`)
	require.NoError(t, err)

	c := NewMySQLCatalog(db)

	pwn, err := c.FindChallenge(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, "7", pwn.ID)
	assert.True(t, pwn.Dynamic)
	assert.Equal(t, "wargame/baby-pwn:latest", pwn.Image)
	assert.Equal(t, 9001, pwn.Port)

	static, err := c.FindChallenge(ctx, "9")
	require.NoError(t, err)
	assert.False(t, static.Dynamic)
	assert.Empty(t, static.Image)
	assert.Zero(t, static.Port)

	_, err = c.FindChallenge(ctx, "404")
	assert.ErrorIs(t, err, domain.ErrChallengeNotFound)
}
