package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wargame-ctf/instancer/ctf-instancer/domain"
)

type recordingArchiver struct {
	mu       sync.Mutex
	archived []string
	err      error
}

func (a *recordingArchiver) Archive(ctx context.Context, instance *domain.Instance) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.archived = append(a.archived, instance.ID)
	return nil
}

func newTestReaper(env *testEnv, archiver *recordingArchiver, configure func(*ReaperConfig)) *Reaper {
	config := ReaperConfig{
		Interval:         30 * time.Second,
		ProvisionTimeout: 2 * time.Minute,
		StopTimeout:      2 * time.Minute,
		RetainTerminal:   time.Hour,
		AlertAfter:       3,
		Concurrency:      4,
		Retry:            RetryPolicy{InitialInterval: time.Minute, Multiplier: 2, MaxInterval: 10 * time.Minute},
	}
	if configure != nil {
		configure(&config)
	}

	r := NewReaper(env.repo, env.provisioner, archiver, env.bus, config, discardLogger())
	r.now = env.clock.Now
	return r
}

func TestReaper_ExpiresDueInstances(t *testing.T) {
	env := newTestEnv(t, nil)
	reaper := newTestReaper(env, &recordingArchiver{}, nil)
	ctx := context.Background()

	old := env.start(t, "alice", "pwn")
	env.clock.Advance(10 * time.Minute)
	fresh := env.start(t, "bob", "pwn")

	ch, cancel, err := env.bus.Subscribe(ctx, old.ID)
	require.NoError(t, err)
	defer cancel()

	env.clock.Advance(20 * time.Minute)
	result, err := reaper.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Expired)
	assert.Zero(t, result.Failures)

	expired := env.state(t, old.ID)
	assert.Equal(t, domain.StateExpired, expired.State)
	assert.Nil(t, expired.Endpoint)
	assert.False(t, env.driver.IsLive(old.SandboxRef))
	assert.Equal(t, domain.StateRunning, env.state(t, fresh.ID).State)
	assert.Equal(t, 9, env.pool.Available())

	var types []domain.EventType
	for len(types) < 2 {
		select {
		case ev := <-ch:
			types = append(types, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("missing events, got %v", types)
		}
	}
	assert.Equal(t, []domain.EventType{domain.EventInstanceStopping, domain.EventInstanceExpired}, types)
}

func TestReaper_RetriesFailedTeardownWithBackoff(t *testing.T) {
	env := newTestEnv(t, nil)
	reaper := newTestReaper(env, &recordingArchiver{}, nil)
	ctx := context.Background()

	instance := env.start(t, "alice", "pwn")
	env.clock.Advance(31 * time.Minute)
	env.driver.SetDestroyErr(errors.New("daemon unreachable"))

	result, err := reaper.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failures)

	pending := env.state(t, instance.ID)
	assert.Equal(t, domain.StateRunning, pending.State)
	assert.Equal(t, 1, pending.Attempts)
	assert.Equal(t, env.clock.Now().Add(time.Minute), pending.RetryAt)

	calls := env.driver.DestroyCalls.Load()
	env.clock.Advance(30 * time.Second)
	_, err = reaper.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, calls, env.driver.DestroyCalls.Load(), "retried before retry_at")

	env.driver.SetDestroyErr(nil)
	env.clock.Advance(30 * time.Second)
	result, err = reaper.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Expired)
	assert.Equal(t, domain.StateExpired, env.state(t, instance.ID).State)
}

func TestReaper_AlertsAfterRepeatedFailures(t *testing.T) {
	env := newTestEnv(t, nil)
	reaper := newTestReaper(env, &recordingArchiver{}, func(c *ReaperConfig) {
		c.AlertAfter = 2
	})
	ctx := context.Background()

	instance := env.start(t, "alice", "pwn")
	ch, cancel, err := env.bus.Subscribe(ctx, instance.ID)
	require.NoError(t, err)
	defer cancel()

	env.driver.SetDestroyErr(errors.New("daemon unreachable"))
	env.clock.Advance(31 * time.Minute)

	for n := 0; n < 2; n++ {
		_, err := reaper.Scan(ctx)
		require.NoError(t, err)
		env.clock.Advance(time.Hour)
	}

	var alert *domain.Event
	for alert == nil {
		select {
		case ev := <-ch:
			if ev.Type == domain.EventTeardownAlert {
				alert = &ev
			}
		case <-time.After(time.Second):
			t.Fatal("alert not published")
		}
	}
	assert.Equal(t, 2, alert.Attempts)
}

func TestReaper_ReclaimsStuckProvisioning(t *testing.T) {
	env := newTestEnv(t, nil)
	reaper := newTestReaper(env, &recordingArchiver{}, nil)
	ctx := context.Background()

	stuck := domain.NewInstance("stuck", "alice", "pwn", env.clock.Now(), time.Hour)
	require.NoError(t, env.repo.Create(ctx, stuck))

	env.clock.Advance(2 * time.Minute)
	result, err := reaper.Scan(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Reclaimed, "reclaimed before timeout plus interval")

	env.clock.Advance(30 * time.Second)
	result, err = reaper.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Reclaimed)

	failed := env.state(t, "stuck")
	assert.Equal(t, domain.StateFailed, failed.State)
	assert.Equal(t, domain.StopReasonProvisioningTimeout, failed.StopReason)

	// The owner can start again right away.
	env.start(t, "alice", "pwn")
}

func TestReaper_FinishesAbandonedStop(t *testing.T) {
	env := newTestEnv(t, nil)
	reaper := newTestReaper(env, &recordingArchiver{}, nil)
	ctx := context.Background()

	instance := env.start(t, "alice", "pwn")
	_, err := env.repo.Transition(ctx, instance.ID, domain.StateRunning, domain.StateStopping, func(i *domain.Instance) {
		i.StopReason = domain.StopReasonOwner
		i.UpdatedAt = env.clock.Now()
	})
	require.NoError(t, err)

	env.clock.Advance(time.Minute)
	result, err := reaper.Scan(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Finished)

	env.clock.Advance(time.Minute)
	result, err = reaper.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Finished)
	assert.Equal(t, domain.StateStopped, env.state(t, instance.ID).State)
	assert.False(t, env.driver.IsLive(instance.SandboxRef))
}

func TestReaper_ArchivesThenPurgesTerminal(t *testing.T) {
	env := newTestEnv(t, nil)
	archiver := &recordingArchiver{}
	reaper := newTestReaper(env, archiver, nil)
	ctx := context.Background()

	instance := env.start(t, "alice", "pwn")
	require.NoError(t, env.provisioner.Stop(ctx, instance.ID))

	env.clock.Advance(30 * time.Minute)
	result, err := reaper.Scan(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Purged)

	archiver.err = errors.New("bucket unavailable")
	env.clock.Advance(31 * time.Minute)
	result, err = reaper.Scan(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Purged)
	assert.Equal(t, 1, result.Failures)
	env.state(t, instance.ID)

	archiver.err = nil
	result, err = reaper.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Purged)
	assert.Equal(t, []string{instance.ID}, archiver.archived)

	_, err = env.repo.FindByID(ctx, instance.ID)
	assert.ErrorIs(t, err, domain.ErrInstanceNotFound)
}

func TestReaper_RunStopsWithContext(t *testing.T) {
	env := newTestEnv(t, nil)
	reaper := newTestReaper(env, &recordingArchiver{}, func(c *ReaperConfig) {
		c.Interval = 10 * time.Millisecond
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reaper.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}

func TestReaper_StopsInstancesWithDeadSandboxes(t *testing.T) {
	env := newTestEnv(t, nil)
	reaper := newTestReaper(env, &recordingArchiver{}, nil)
	ctx := context.Background()

	crashed := env.start(t, "alice", "pwn")
	removed := env.start(t, "bob", "pwn")
	healthy := env.start(t, "carol", "pwn")
	env.driver.Crash(crashed.SandboxRef)
	env.driver.Vanish(removed.SandboxRef)

	result, err := reaper.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Vanished)
	assert.Zero(t, result.Failures)

	for _, id := range []string{crashed.ID, removed.ID} {
		stopped := env.state(t, id)
		assert.Equal(t, domain.StateStopped, stopped.State)
		assert.Equal(t, domain.StopReasonSandboxGone, stopped.StopReason)
	}
	assert.Equal(t, domain.StateRunning, env.state(t, healthy.ID).State)
	assert.Equal(t, 9, env.pool.Available())
}

func TestReaper_ReleasesPortsOfInstancesStoppedElsewhere(t *testing.T) {
	env := newTestEnv(t, nil)
	reaper := newTestReaper(env, &recordingArchiver{}, nil)
	ctx := context.Background()

	instance := env.start(t, "alice", "pwn")

	// Another process stops the instance, so this pool never hears of it.
	_, err := env.repo.Transition(ctx, instance.ID, domain.StateRunning, domain.StateStopping, func(i *domain.Instance) {
		i.StopReason = domain.StopReasonOwner
	})
	require.NoError(t, err)
	require.NoError(t, env.driver.Destroy(ctx, instance.SandboxRef))
	_, err = env.repo.Transition(ctx, instance.ID, domain.StateStopping, domain.StateStopped, nil)
	require.NoError(t, err)
	assert.Equal(t, 9, env.pool.Available())

	result, err := reaper.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.PortsReleased)
	assert.Equal(t, 10, env.pool.Available())

	result, err = reaper.Scan(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.PortsReleased)
}
