package repository

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wargame-ctf/instancer/ctf-instancer/domain"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type repoFactory func(t *testing.T) domain.InstanceRepository

func repositories() map[string]repoFactory {
	factories := map[string]repoFactory{
		"memory": func(t *testing.T) domain.InstanceRepository {
			return NewMemoryInstanceRepository()
		},
		"sqlite": func(t *testing.T) domain.InstanceRepository {
			cfg := &Config{Driver: DriverSQLite, SQLitePath: filepath.Join(t.TempDir(), "instancer.db")}
			db, err := Connect(cfg)
			require.NoError(t, err)
			t.Cleanup(func() { db.Close() })
			require.NoError(t, InitSchema(context.Background(), db, DriverSQLite, ""))
			return NewSQLInstanceRepository(db, DriverSQLite)
		},
		"bolt": func(t *testing.T) domain.InstanceRepository {
			repo, err := NewBoltInstanceRepository(filepath.Join(t.TempDir(), "instancer.bolt"))
			require.NoError(t, err)
			t.Cleanup(func() { repo.Close() })
			return repo
		},
	}

	if os.Getenv("TEST_MYSQL_HOST") != "" {
		factories["mysql"] = func(t *testing.T) domain.InstanceRepository {
			cfg := NewConfigFromEnv()
			cfg.Driver = DriverMySQL
			cfg.Host = os.Getenv("TEST_MYSQL_HOST")
			db, err := Connect(cfg)
			require.NoError(t, err)
			t.Cleanup(func() { db.Close() })
			ctx := context.Background()
			_, _ = db.ExecContext(ctx, "DROP TABLE IF EXISTS instances")
			require.NoError(t, InitSchema(ctx, db, DriverMySQL, ""))
			return NewSQLInstanceRepository(db, DriverMySQL)
		}
	}

	return factories
}

func eachRepository(t *testing.T, fn func(t *testing.T, repo domain.InstanceRepository)) {
	for name, factory := range repositories() {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func newTestInstance(id, owner, challenge string) *domain.Instance {
	return domain.NewInstance(id, owner, challenge, baseTime, 10*time.Minute)
}

func TestInstanceRepository_CreateAndFind(t *testing.T) {
	eachRepository(t, func(t *testing.T, repo domain.InstanceRepository) {
		ctx := context.Background()

		inst := newTestInstance("i-1", "alice", "7")
		require.NoError(t, repo.Create(ctx, inst))

		got, err := repo.FindByID(ctx, "i-1")
		require.NoError(t, err)
		assert.Equal(t, "alice", got.OwnerID)
		assert.Equal(t, "7", got.ChallengeID)
		assert.Equal(t, domain.StateProvisioning, got.State)
		assert.True(t, got.CreatedAt.Equal(baseTime))
		assert.True(t, got.ExpiresAt.Equal(baseTime.Add(10*time.Minute)))
		assert.Nil(t, got.Endpoint)

		_, err = repo.FindByID(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrInstanceNotFound)
	})
}

func TestInstanceRepository_CreateRejectsSecondActive(t *testing.T) {
	eachRepository(t, func(t *testing.T, repo domain.InstanceRepository) {
		ctx := context.Background()

		require.NoError(t, repo.Create(ctx, newTestInstance("i-1", "alice", "7")))
		err := repo.Create(ctx, newTestInstance("i-2", "alice", "7"))
		assert.ErrorIs(t, err, domain.ErrAlreadyExists)

		// other owner and other challenge are independent
		require.NoError(t, repo.Create(ctx, newTestInstance("i-3", "bob", "7")))
		require.NoError(t, repo.Create(ctx, newTestInstance("i-4", "alice", "8")))

		// a terminal instance frees the slot
		_, err = repo.Transition(ctx, "i-1", domain.StateProvisioning, domain.StateFailed, nil)
		require.NoError(t, err)
		require.NoError(t, repo.Create(ctx, newTestInstance("i-5", "alice", "7")))
	})
}

func TestInstanceRepository_ConcurrentCreate(t *testing.T) {
	eachRepository(t, func(t *testing.T, repo domain.InstanceRepository) {
		ctx := context.Background()
		const workers = 16

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			created int
			dupes   int
		)
		for n := 0; n < workers; n++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				err := repo.Create(ctx, newTestInstance(fmt.Sprintf("i-%d", n), "alice", "7"))
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					created++
				} else if assert.ErrorIs(t, err, domain.ErrAlreadyExists) {
					dupes++
				}
			}(n)
		}
		wg.Wait()

		assert.Equal(t, 1, created)
		assert.Equal(t, workers-1, dupes)
	})
}

func TestInstanceRepository_TransitionIsCompareAndSwap(t *testing.T) {
	eachRepository(t, func(t *testing.T, repo domain.InstanceRepository) {
		ctx := context.Background()
		require.NoError(t, repo.Create(ctx, newTestInstance("i-1", "alice", "7")))

		got, err := repo.Transition(ctx, "i-1", domain.StateProvisioning, domain.StateRunning, func(i *domain.Instance) {
			i.SandboxRef = "c-1"
			i.IngressPort = 30001
			i.Endpoint = &domain.Endpoint{Kind: domain.EndpointTCP, Host: "ctf.local", Port: 30001}
			i.UpdatedAt = baseTime.Add(time.Second)
		})
		require.NoError(t, err)
		assert.Equal(t, domain.StateRunning, got.State)

		stored, err := repo.FindByID(ctx, "i-1")
		require.NoError(t, err)
		require.NotNil(t, stored.Endpoint)
		assert.Equal(t, "nc ctf.local 30001", stored.Endpoint.String())
		assert.Equal(t, "c-1", stored.SandboxRef)
		assert.Equal(t, 30001, stored.IngressPort)

		_, err = repo.Transition(ctx, "i-1", domain.StateProvisioning, domain.StateFailed, nil)
		assert.ErrorIs(t, err, domain.ErrConflict)

		_, err = repo.Transition(ctx, "i-1", domain.StateRunning, domain.StateExpired, nil)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)

		_, err = repo.Transition(ctx, "missing", domain.StateRunning, domain.StateStopping, nil)
		assert.ErrorIs(t, err, domain.ErrInstanceNotFound)

		got, err = repo.Transition(ctx, "i-1", domain.StateRunning, domain.StateStopping, nil)
		require.NoError(t, err)
		assert.Nil(t, got.Endpoint)
	})
}

func TestInstanceRepository_ConcurrentTransitionHasOneWinner(t *testing.T) {
	eachRepository(t, func(t *testing.T, repo domain.InstanceRepository) {
		ctx := context.Background()
		require.NoError(t, repo.Create(ctx, newTestInstance("i-1", "alice", "7")))
		_, err := repo.Transition(ctx, "i-1", domain.StateProvisioning, domain.StateRunning, nil)
		require.NoError(t, err)

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for n := 0; n < 8; n++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := repo.Transition(ctx, "i-1", domain.StateRunning, domain.StateStopping, nil)
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, wins)
	})
}

func TestInstanceRepository_SandboxAndIngressUniqueness(t *testing.T) {
	eachRepository(t, func(t *testing.T, repo domain.InstanceRepository) {
		ctx := context.Background()
		require.NoError(t, repo.Create(ctx, newTestInstance("i-1", "alice", "7")))
		require.NoError(t, repo.Create(ctx, newTestInstance("i-2", "bob", "7")))

		_, err := repo.Transition(ctx, "i-1", domain.StateProvisioning, domain.StateProvisioning, func(i *domain.Instance) {
			i.SandboxRef = "c-1"
			i.IngressPort = 30001
		})
		require.NoError(t, err)

		_, err = repo.Transition(ctx, "i-2", domain.StateProvisioning, domain.StateProvisioning, func(i *domain.Instance) {
			i.SandboxRef = "c-1"
		})
		assert.ErrorIs(t, err, domain.ErrConflict)

		_, err = repo.Transition(ctx, "i-2", domain.StateProvisioning, domain.StateProvisioning, func(i *domain.Instance) {
			i.SandboxRef = "c-2"
			i.IngressPort = 30001
		})
		assert.ErrorIs(t, err, domain.ErrConflict)

		// once i-1 is terminal its ref and port may be reused
		_, err = repo.Transition(ctx, "i-1", domain.StateProvisioning, domain.StateFailed, nil)
		require.NoError(t, err)
		_, err = repo.Transition(ctx, "i-2", domain.StateProvisioning, domain.StateProvisioning, func(i *domain.Instance) {
			i.SandboxRef = "c-1"
			i.IngressPort = 30001
		})
		assert.NoError(t, err)
	})
}

func TestInstanceRepository_Scans(t *testing.T) {
	eachRepository(t, func(t *testing.T, repo domain.InstanceRepository) {
		ctx := context.Background()
		for _, id := range []string{"i-1", "i-2", "i-3"} {
			require.NoError(t, repo.Create(ctx, newTestInstance(id, "alice", id)))
			_, err := repo.Transition(ctx, id, domain.StateProvisioning, domain.StateRunning, nil)
			require.NoError(t, err)
		}
		_, err := repo.Transition(ctx, "i-2", domain.StateRunning, domain.StateRunning, func(i *domain.Instance) {
			i.RetryAt = baseTime.Add(time.Hour)
		})
		require.NoError(t, err)
		_, err = repo.Transition(ctx, "i-3", domain.StateRunning, domain.StateStopping, nil)
		require.NoError(t, err)
		_, err = repo.Transition(ctx, "i-3", domain.StateStopping, domain.StateStopped, func(i *domain.Instance) {
			i.UpdatedAt = baseTime.Add(time.Minute)
		})
		require.NoError(t, err)

		expired, err := repo.FindExpired(ctx, baseTime.Add(11*time.Minute))
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, "i-1", expired[0].ID)

		expired, err = repo.FindExpired(ctx, baseTime.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Len(t, expired, 2)

		expired, err = repo.FindExpired(ctx, baseTime.Add(5*time.Minute))
		require.NoError(t, err)
		assert.Empty(t, expired)

		running, err := repo.FindByState(ctx, domain.StateRunning)
		require.NoError(t, err)
		assert.Len(t, running, 2)

		owned, err := repo.FindByOwner(ctx, "alice")
		require.NoError(t, err)
		assert.Len(t, owned, 3)

		live, err := repo.CountLive(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, 2, live)
		live, err = repo.CountLive(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, 2, live)

		old, err := repo.FindTerminalBefore(ctx, baseTime.Add(2*time.Minute))
		require.NoError(t, err)
		require.Len(t, old, 1)
		assert.Equal(t, "i-3", old[0].ID)

		require.NoError(t, repo.Delete(ctx, "i-3"))
		assert.ErrorIs(t, repo.Delete(ctx, "i-3"), domain.ErrInstanceNotFound)
	})
}

func TestSplitSQL(t *testing.T) {
	statements := splitSQL("-- comment\nCREATE TABLE a (\n id INT\n);\n\nCREATE INDEX b ON a (id);\nSELECT 1")
	require.Len(t, statements, 3)
	assert.Equal(t, "CREATE TABLE a (\nid INT\n);\n", statements[0])
	assert.Equal(t, "SELECT 1\n", statements[2])
}
