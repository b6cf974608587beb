package usecase

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wargame-ctf/instancer/ctf-instancer/domain"
	"github.com/wargame-ctf/instancer/ctf-instancer/infrastructure/storage"
)

type ReaperConfig struct {
	Interval         time.Duration
	ProvisionTimeout time.Duration
	StopTimeout      time.Duration
	RetainTerminal   time.Duration
	AlertAfter       int
	Concurrency      int
	Retry            RetryPolicy
}

type ScanResult struct {
	Expired   int
	Reclaimed int
	Finished  int
	Vanished  int
	Purged    int
	Failures  int

	PortsReleased int
}

func (r ScanResult) Empty() bool {
	return r == ScanResult{}
}

// Reaper periodically enforces instance lifetimes and cleans up work that
// other paths left unfinished. Nothing it does is reported to a client.
type Reaper struct {
	repo        domain.InstanceRepository
	provisioner *Provisioner
	archiver    storage.Archiver
	bus         domain.EventBus
	config      ReaperConfig
	logger      *slog.Logger

	now func() time.Time
}

func NewReaper(
	repo domain.InstanceRepository,
	provisioner *Provisioner,
	archiver storage.Archiver,
	bus domain.EventBus,
	config ReaperConfig,
	logger *slog.Logger,
) *Reaper {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.Retry == (RetryPolicy{}) {
		config.Retry = DefaultRetryPolicy()
	}

	return &Reaper{
		repo:        repo,
		provisioner: provisioner,
		archiver:    archiver,
		bus:         bus,
		config:      config,
		logger:      logger,
		now:         time.Now,
	}
}

// Run scans immediately and then every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		r.scanAndLog(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Reaper) scanAndLog(ctx context.Context) {
	result, err := r.Scan(ctx)
	if err != nil {
		r.logger.Error("reaper scan failed", slog.Any("error", err))
		return
	}
	if !result.Empty() {
		r.logger.Info("reaper scan finished",
			slog.Int("expired", result.Expired),
			slog.Int("reclaimed", result.Reclaimed),
			slog.Int("finished", result.Finished),
			slog.Int("vanished", result.Vanished),
			slog.Int("purged", result.Purged),
			slog.Int("ports_released", result.PortsReleased),
			slog.Int("failures", result.Failures),
		)
	}
}

// Scan runs one pass. Per-instance failures are logged and counted; only a
// failure to read the registry is returned.
func (r *Reaper) Scan(ctx context.Context) (ScanResult, error) {
	now := r.now()

	// Instances torn down by another process still hold ports here.
	ports, err := r.provisioner.SyncPorts(ctx)
	if err != nil {
		r.logger.Warn("failed to sync ingress ports", slog.Any("error", err))
	}

	expired, err := r.repo.FindExpired(ctx, now)
	if err != nil {
		return ScanResult{}, err
	}

	provisioning, err := r.repo.FindByState(ctx, domain.StateProvisioning)
	if err != nil {
		return ScanResult{}, err
	}
	staleAfter := r.config.ProvisionTimeout + r.config.Interval

	stopping, err := r.repo.FindByState(ctx, domain.StateStopping)
	if err != nil {
		return ScanResult{}, err
	}

	running, err := r.repo.FindByState(ctx, domain.StateRunning)
	if err != nil {
		return ScanResult{}, err
	}

	var (
		expiredCount, reclaimedCount, finishedCount, vanishedCount, failures atomic.Int64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.config.Concurrency)

	for _, instance := range expired {
		g.Go(func() error {
			if r.expire(gctx, instance) {
				expiredCount.Add(1)
			} else {
				failures.Add(1)
			}
			return nil
		})
	}

	for _, instance := range provisioning {
		if now.Sub(instance.CreatedAt) < staleAfter {
			continue
		}
		g.Go(func() error {
			if _, err := r.provisioner.ReclaimProvisioning(gctx, instance); err != nil {
				r.logger.Error("failed to reclaim provisioning instance",
					slog.String("instance_id", instance.ID),
					slog.Any("error", err),
				)
				failures.Add(1)
				return nil
			}
			reclaimedCount.Add(1)
			return nil
		})
	}

	for _, instance := range stopping {
		if !r.stopDue(instance, now) {
			continue
		}
		g.Go(func() error {
			if r.finish(gctx, instance) {
				finishedCount.Add(1)
			} else {
				failures.Add(1)
			}
			return nil
		})
	}

	for _, instance := range running {
		if instance.IsExpired(now) {
			continue
		}
		g.Go(func() error {
			refreshed, err := r.provisioner.Refresh(gctx, instance)
			if err != nil {
				r.logger.Error("failed to stop instance with a dead sandbox",
					slog.String("instance_id", instance.ID),
					slog.Any("error", err),
				)
				failures.Add(1)
				return nil
			}
			if refreshed.State != domain.StateRunning {
				vanishedCount.Add(1)
			}
			return nil
		})
	}

	_ = g.Wait()

	purged, purgeFailures, err := r.purge(ctx, now)
	if err != nil {
		return ScanResult{}, err
	}

	return ScanResult{
		Expired:   int(expiredCount.Load()),
		Reclaimed: int(reclaimedCount.Load()),
		Finished:  int(finishedCount.Load()),
		Vanished:  int(vanishedCount.Load()),
		Purged:    purged,
		Failures:  int(failures.Load()) + purgeFailures,

		PortsReleased: ports.Released,
	}, nil
}

// stopDue reports whether a stopping instance was abandoned by whoever
// started the teardown, or has a scheduled retry that is due.
func (r *Reaper) stopDue(instance *domain.Instance, now time.Time) bool {
	if !instance.RetryDue(now) {
		return false
	}
	return instance.Attempts > 0 || now.Sub(instance.UpdatedAt) >= r.config.StopTimeout
}

func (r *Reaper) expire(ctx context.Context, instance *domain.Instance) bool {
	retryAt := r.now().Add(r.config.Retry.Delay(instance.Attempts + 1))

	updated, err := r.provisioner.Expire(ctx, instance, retryAt)
	if err != nil {
		r.teardownFailed(ctx, instance, updated, err)
		return false
	}
	return true
}

func (r *Reaper) finish(ctx context.Context, instance *domain.Instance) bool {
	retryAt := r.now().Add(r.config.Retry.Delay(instance.Attempts + 1))

	updated, err := r.provisioner.FinishStopping(ctx, instance, retryAt)
	if err != nil {
		r.teardownFailed(ctx, instance, updated, err)
		return false
	}
	return true
}

func (r *Reaper) teardownFailed(ctx context.Context, instance, updated *domain.Instance, err error) {
	attempts := instance.Attempts + 1
	if updated != nil {
		attempts = updated.Attempts
	}

	log := r.logger.With(
		slog.String("instance_id", instance.ID),
		slog.String("sandbox_ref", instance.SandboxRef),
		slog.Int("attempts", attempts),
		slog.Any("error", err),
	)

	if r.config.AlertAfter <= 0 || attempts < r.config.AlertAfter || updated == nil {
		log.Warn("teardown failed, will retry")
		return
	}

	log.Error("teardown keeps failing")
	ev := domain.NewEvent(domain.EventTeardownAlert, updated, r.now())
	if err := r.bus.Publish(ctx, ev); err != nil {
		r.logger.Warn("failed to publish alert", slog.Any("error", err))
	}
}

func (r *Reaper) purge(ctx context.Context, now time.Time) (int, int, error) {
	if r.config.RetainTerminal <= 0 {
		return 0, 0, nil
	}

	done, err := r.repo.FindTerminalBefore(ctx, now.Add(-r.config.RetainTerminal))
	if err != nil {
		return 0, 0, err
	}

	purged, failures := 0, 0
	for _, instance := range done {
		if err := r.archiver.Archive(ctx, instance); err != nil {
			r.logger.Warn("failed to archive instance, keeping it",
				slog.String("instance_id", instance.ID),
				slog.Any("error", err),
			)
			failures++
			continue
		}
		if err := r.repo.Delete(ctx, instance.ID); err != nil {
			r.logger.Warn("failed to delete archived instance",
				slog.String("instance_id", instance.ID),
				slog.Any("error", err),
			)
			failures++
			continue
		}
		purged++
	}
	return purged, failures, nil
}
