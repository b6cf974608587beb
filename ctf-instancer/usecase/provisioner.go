package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wargame-ctf/instancer/ctf-instancer/domain"
	"github.com/wargame-ctf/instancer/ctf-instancer/infrastructure/ingress"
)

const maxPortClaims = 3

type ProvisionerConfig struct {
	PublicHost       string
	DefaultTTL       time.Duration
	MaxPerUser       int
	MaxInstances     int
	ProvisionTimeout time.Duration
	TeardownTimeout  time.Duration
	Retry            RetryPolicy
}

// Provisioner moves instances through their lifecycle and owns every
// sandbox it creates. The registry compare-and-swap decides which caller
// performs a teardown, so no lock is held while talking to the runtime.
type Provisioner struct {
	repo    domain.InstanceRepository
	catalog domain.ChallengeCatalog
	driver  domain.SandboxDriver
	bus     domain.EventBus
	ports   *portLeases
	config  ProvisionerConfig
	logger  *slog.Logger

	now   func() time.Time
	newID func() string
}

func NewProvisioner(
	repo domain.InstanceRepository,
	catalog domain.ChallengeCatalog,
	driver domain.SandboxDriver,
	ports PortAllocator,
	bus domain.EventBus,
	config ProvisionerConfig,
	logger *slog.Logger,
) *Provisioner {
	if config.TeardownTimeout <= 0 {
		config.TeardownTimeout = 30 * time.Second
	}
	if config.Retry == (RetryPolicy{}) {
		config.Retry = DefaultRetryPolicy()
	}

	return &Provisioner{
		repo:    repo,
		catalog: catalog,
		driver:  driver,
		bus:     bus,
		ports:   newPortLeases(ports),
		config:  config,
		logger:  logger,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

func (p *Provisioner) Start(ctx context.Context, ownerID, challengeID string) (*domain.Instance, error) {
	challenge, err := p.catalog.FindChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if !challenge.Dynamic || challenge.Image == "" {
		return nil, domain.ErrChallengeNotDynamic
	}

	if err := p.checkLimits(ctx, ownerID, challengeID); err != nil {
		return nil, err
	}

	ttl := challenge.TTL
	if ttl <= 0 {
		ttl = p.config.DefaultTTL
	}

	instance := domain.NewInstance(p.newID(), ownerID, challengeID, p.now(), ttl)
	if err := p.repo.Create(ctx, instance); err != nil {
		return nil, err
	}

	log := p.logger.With(
		slog.String("instance_id", instance.ID),
		slog.String("owner_id", ownerID),
		slog.String("challenge_id", challengeID),
	)

	port, err := p.claimPort(ctx, instance.ID)
	if err != nil {
		return nil, p.fail(ctx, log, instance, nil, err)
	}

	// The sandbox must not be abandoned half built when the caller goes
	// away, so only the provisioning timeout bounds the runtime calls.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.ProvisionTimeout)
	defer cancel()

	sandbox, err := p.driver.Create(pctx, domain.SandboxSpec{
		InstanceID:    instance.ID,
		OwnerID:       ownerID,
		ChallengeID:   challengeID,
		Image:         challenge.Image,
		ContainerPort: challenge.ContainerPort(),
		HostPort:      port,
		Writable:      challenge.EndpointKind() == domain.EndpointHTTP,
	})
	if err != nil {
		if pctx.Err() != nil {
			err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		return nil, p.fail(pctx, log, instance, nil, err)
	}

	_, err = p.repo.Transition(pctx, instance.ID, domain.StateProvisioning, domain.StateProvisioning, func(i *domain.Instance) {
		i.SandboxRef = sandbox.Ref
	})
	if err != nil {
		return nil, p.abort(pctx, log, instance, sandbox, err)
	}

	endpoint := &domain.Endpoint{
		Kind: challenge.EndpointKind(),
		Host: p.config.PublicHost,
		Port: port,
	}
	running, err := p.repo.Transition(pctx, instance.ID, domain.StateProvisioning, domain.StateRunning, func(i *domain.Instance) {
		i.Endpoint = endpoint
		i.UpdatedAt = p.now()
	})
	if err != nil {
		return nil, p.abort(pctx, log, instance, sandbox, err)
	}

	log.Info("instance running", slog.String("sandbox_ref", sandbox.Ref), slog.Int("port", port))
	p.publish(ctx, domain.EventInstanceRunning, running)
	return running, nil
}

// claimPort leases a port from the local pool and records it on the
// provisioning instance. The registry is the authority on which ports are
// held: when the pool runs dry or the registry refuses the port, the pool
// is resynced from the registry and the claim retried.
func (p *Provisioner) claimPort(ctx context.Context, instanceID string) (int, error) {
	synced := false
	for attempt := 0; attempt < maxPortClaims; attempt++ {
		port, err := p.ports.lease(instanceID)
		if errors.Is(err, ingress.ErrNoAvailablePort) && !synced {
			synced = true
			if _, err := p.SyncPorts(ctx); err != nil {
				return 0, err
			}
			continue
		}
		if err != nil {
			return 0, err
		}

		_, err = p.repo.Transition(ctx, instanceID, domain.StateProvisioning, domain.StateProvisioning, func(i *domain.Instance) {
			i.IngressPort = port
		})
		if err == nil {
			return port, nil
		}
		p.ports.release(instanceID)
		if !errors.Is(err, domain.ErrConflict) {
			return 0, err
		}

		current, ferr := p.repo.FindByID(ctx, instanceID)
		if ferr != nil {
			return 0, ferr
		}
		if current.State != domain.StateProvisioning {
			return 0, domain.ErrInstanceNotAvailable
		}

		// Another process recorded this port first.
		synced = true
		if _, err := p.SyncPorts(ctx); err != nil {
			return 0, err
		}
	}
	return 0, ingress.ErrNoAvailablePort
}

func (p *Provisioner) checkLimits(ctx context.Context, ownerID, challengeID string) error {
	owned, err := p.repo.FindByOwner(ctx, ownerID)
	if err != nil {
		return err
	}

	live := 0
	for _, i := range owned {
		if i.State.IsActive() && i.ChallengeID == challengeID {
			return domain.ErrAlreadyExists
		}
		if !i.State.IsTerminal() {
			live++
		}
	}
	if p.config.MaxPerUser > 0 && live >= p.config.MaxPerUser {
		return fmt.Errorf("%w: %d of %d instances in use", domain.ErrOwnerLimit, live, p.config.MaxPerUser)
	}

	if p.config.MaxInstances > 0 {
		total, err := p.repo.CountLive(ctx, "")
		if err != nil {
			return err
		}
		if total >= p.config.MaxInstances {
			return fmt.Errorf("%w: %d instances running", domain.ErrCapacityExceeded, total)
		}
	}
	return nil
}

// fail moves a provisioning instance to failed after cleaning up whatever
// was created, and returns cause classified for the client.
func (p *Provisioner) fail(ctx context.Context, log *slog.Logger, instance *domain.Instance, sandbox *domain.Sandbox, cause error) error {
	ctx = context.WithoutCancel(ctx)

	if err := p.destroy(ctx, instance.ID, sandbox); err != nil {
		log.Warn("failed to clean up sandbox", slog.Any("error", err))
	}
	p.ports.release(instance.ID)

	failed, err := p.repo.Transition(ctx, instance.ID, domain.StateProvisioning, domain.StateFailed, func(i *domain.Instance) {
		i.StopReason = domain.StopReasonFailed
		i.UpdatedAt = p.now()
	})
	switch {
	case err == nil:
		p.publish(ctx, domain.EventInstanceFailed, failed)
	case errors.Is(err, domain.ErrConflict):
		// A stop arrived while provisioning. The sandbox is already gone.
		p.completeStop(ctx, log, instance.ID)
	default:
		log.Error("failed to mark instance failed", slog.Any("error", err))
	}

	classified := classify(cause)
	log.Warn("provisioning failed", slog.Any("error", cause))
	return classified
}

// abort handles a lost compare-and-swap after the sandbox exists. Either a
// stop won the race, the reaper reclaimed the record, or the runtime handed
// out a ref another instance still holds.
func (p *Provisioner) abort(ctx context.Context, log *slog.Logger, instance *domain.Instance, sandbox *domain.Sandbox, cause error) error {
	ctx = context.WithoutCancel(ctx)
	if !errors.Is(cause, domain.ErrConflict) {
		return p.fail(ctx, log, instance, sandbox, cause)
	}

	current, err := p.repo.FindByID(ctx, instance.ID)
	if err != nil {
		log.Error("failed to reload instance", slog.Any("error", err))
		return p.fail(ctx, log, instance, sandbox, cause)
	}

	if current.State == domain.StateProvisioning {
		return p.fail(ctx, log, instance, sandbox, fmt.Errorf("%w: %v", domain.ErrCapacityExceeded, cause))
	}

	if err := p.destroy(ctx, instance.ID, sandbox); err != nil {
		log.Warn("failed to tear down aborted sandbox", slog.Any("error", err))
		if current.State == domain.StateStopping {
			p.recordFailedTeardown(ctx, log, instance.ID, domain.StateStopping, func(i *domain.Instance) {
				i.SandboxRef = sandbox.Ref
			})
		}
		return domain.ErrInstanceNotAvailable
	}
	p.ports.release(instance.ID)

	if current.State == domain.StateStopping {
		p.completeStop(ctx, log, instance.ID)
	}
	log.Info("provisioning aborted", slog.String("state", string(current.State)))
	return domain.ErrInstanceNotAvailable
}

// Stop stops an instance on behalf of its owner. Unknown, terminal and
// already stopping instances are left alone.
func (p *Provisioner) Stop(ctx context.Context, instanceID string) error {
	return p.stop(ctx, instanceID, domain.StopReasonOwner)
}

// StopOwned is Stop restricted to instances owned by ownerID. Instances that
// belong to someone else are treated as unknown.
func (p *Provisioner) StopOwned(ctx context.Context, ownerID, instanceID string) error {
	instance, err := p.repo.FindByID(ctx, instanceID)
	if errors.Is(err, domain.ErrInstanceNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if instance.OwnerID != ownerID {
		return nil
	}
	return p.stop(ctx, instanceID, domain.StopReasonOwner)
}

func (p *Provisioner) stop(ctx context.Context, instanceID string, reason domain.StopReason) error {
	for {
		instance, err := p.repo.FindByID(ctx, instanceID)
		if errors.Is(err, domain.ErrInstanceNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		if instance.State.IsTerminal() {
			return nil
		}
		if instance.State == domain.StateStopping {
			if reason != domain.StopReasonOwner || instance.StopReason != domain.StopReasonExpired {
				return nil
			}
			// An expiry teardown is in flight and may fail. Record the owner's
			// stop so the instance is not reverted to running.
			_, err := p.repo.Transition(ctx, instanceID, domain.StateStopping, domain.StateStopping, func(i *domain.Instance) {
				i.StopReason = domain.StopReasonOwner
			})
			if errors.Is(err, domain.ErrConflict) {
				continue
			}
			return err
		}

		stopping, err := p.repo.Transition(ctx, instanceID, instance.State, domain.StateStopping, func(i *domain.Instance) {
			i.StopReason = reason
			i.UpdatedAt = p.now()
		})
		if errors.Is(err, domain.ErrConflict) {
			continue
		}
		if err != nil {
			return err
		}

		p.publish(ctx, domain.EventInstanceStopping, stopping)

		// Start still owns a provisioning sandbox and finishes the teardown
		// when its own compare-and-swap fails.
		if instance.State == domain.StateProvisioning {
			return nil
		}

		log := p.logger.With(slog.String("instance_id", instanceID))
		if err := p.teardown(ctx, stopping); err != nil {
			log.Warn("teardown failed, reaper will retry", slog.Any("error", err))
			p.recordFailedTeardown(ctx, log, instanceID, domain.StateStopping, nil)
			return nil
		}
		p.completeStop(ctx, log, instanceID)
		return nil
	}
}

// Expire tears down a running instance whose lifetime has ended. When the
// teardown fails the instance goes back to running with retryAt recorded so
// the next scan retries it.
func (p *Provisioner) Expire(ctx context.Context, instance *domain.Instance, retryAt time.Time) (*domain.Instance, error) {
	endpoint := instance.Endpoint
	stopping, err := p.repo.Transition(ctx, instance.ID, domain.StateRunning, domain.StateStopping, func(i *domain.Instance) {
		i.StopReason = domain.StopReasonExpired
		i.UpdatedAt = p.now()
	})
	if errors.Is(err, domain.ErrConflict) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.publish(ctx, domain.EventInstanceStopping, stopping)

	log := p.logger.With(slog.String("instance_id", instance.ID))
	if teardownErr := p.teardown(ctx, stopping); teardownErr != nil {
		ownerStopped := false
		reverted, err := p.repo.Transition(ctx, instance.ID, domain.StateStopping, domain.StateRunning, func(i *domain.Instance) {
			ownerStopped = i.StopReason == domain.StopReasonOwner
			i.Endpoint = endpoint
			i.StopReason = domain.StopReasonNone
			i.Attempts++
			i.RetryAt = retryAt
		})
		if err == nil && ownerStopped {
			// The owner asked to stop while the teardown ran. Put the
			// instance back in stopping for the next retry.
			return p.holdOwnerStop(ctx, log, reverted, teardownErr)
		}
		if err == nil {
			return reverted, teardownErr
		}
		// The owner started a new instance of the same challenge meanwhile,
		// so this one can only move forward.
		log.Warn("cannot revert expired instance to running", slog.Any("error", err))
		pending, err := p.repo.Transition(ctx, instance.ID, domain.StateStopping, domain.StateStopping, func(i *domain.Instance) {
			i.Attempts++
			i.RetryAt = retryAt
		})
		if err != nil {
			return nil, errors.Join(teardownErr, err)
		}
		return pending, teardownErr
	}

	expired, err := p.repo.Transition(ctx, instance.ID, domain.StateStopping, domain.StateExpired, func(i *domain.Instance) {
		i.StopReason = domain.StopReasonExpired
		i.RetryAt = time.Time{}
		i.UpdatedAt = p.now()
	})
	if err != nil {
		return nil, err
	}
	log.Info("instance expired")
	p.publish(ctx, domain.EventInstanceExpired, expired)
	return expired, nil
}

func (p *Provisioner) holdOwnerStop(ctx context.Context, log *slog.Logger, reverted *domain.Instance, teardownErr error) (*domain.Instance, error) {
	pending, err := p.repo.Transition(ctx, reverted.ID, domain.StateRunning, domain.StateStopping, func(i *domain.Instance) {
		i.StopReason = domain.StopReasonOwner
		i.UpdatedAt = p.now()
	})
	if errors.Is(err, domain.ErrConflict) {
		// Someone else moved it on already.
		return nil, teardownErr
	}
	if err != nil {
		log.Error("failed to keep owner stop", slog.Any("error", err))
		return reverted, errors.Join(teardownErr, err)
	}
	p.publish(ctx, domain.EventInstanceStopping, pending)
	return pending, teardownErr
}

// FinishStopping retries the teardown of an instance stuck in stopping.
func (p *Provisioner) FinishStopping(ctx context.Context, instance *domain.Instance, retryAt time.Time) (*domain.Instance, error) {
	if teardownErr := p.teardown(ctx, instance); teardownErr != nil {
		pending, err := p.repo.Transition(ctx, instance.ID, domain.StateStopping, domain.StateStopping, func(i *domain.Instance) {
			i.Attempts++
			i.RetryAt = retryAt
		})
		if errors.Is(err, domain.ErrConflict) {
			return nil, nil
		}
		if err != nil {
			return nil, errors.Join(teardownErr, err)
		}
		return pending, teardownErr
	}

	to, eventType := domain.StateStopped, domain.EventInstanceStopped
	if instance.StopReason == domain.StopReasonExpired {
		to, eventType = domain.StateExpired, domain.EventInstanceExpired
	}

	finished, err := p.repo.Transition(ctx, instance.ID, domain.StateStopping, to, func(i *domain.Instance) {
		i.RetryAt = time.Time{}
		i.UpdatedAt = p.now()
	})
	if errors.Is(err, domain.ErrConflict) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.publish(ctx, eventType, finished)
	return finished, nil
}

// ReclaimProvisioning fails an instance whose provisioning never finished,
// then removes anything the runtime may still hold for it.
func (p *Provisioner) ReclaimProvisioning(ctx context.Context, instance *domain.Instance) (*domain.Instance, error) {
	failed, err := p.repo.Transition(ctx, instance.ID, domain.StateProvisioning, domain.StateFailed, func(i *domain.Instance) {
		i.StopReason = domain.StopReasonProvisioningTimeout
		i.UpdatedAt = p.now()
	})
	if errors.Is(err, domain.ErrConflict) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.publish(ctx, domain.EventInstanceFailed, failed)

	if err := p.teardown(ctx, failed); err != nil {
		p.logger.Warn("failed to clean up reclaimed sandbox",
			slog.String("instance_id", instance.ID),
			slog.Any("error", err),
		)
	}
	return failed, nil
}

// Refresh checks that a running instance still has a live sandbox. An
// instance whose sandbox exited or was removed outside the service is
// stopped, which returns its port. Inspection errors leave the record as is.
func (p *Provisioner) Refresh(ctx context.Context, instance *domain.Instance) (*domain.Instance, error) {
	if instance.State != domain.StateRunning || instance.SandboxRef == "" {
		return instance, nil
	}

	log := p.logger.With(slog.String("instance_id", instance.ID), slog.String("sandbox_ref", instance.SandboxRef))

	ictx, cancel := context.WithTimeout(ctx, p.config.TeardownTimeout)
	status, err := p.driver.Inspect(ictx, instance.SandboxRef)
	cancel()
	if err != nil {
		log.Warn("failed to inspect sandbox", slog.Any("error", err))
		return instance, nil
	}
	if status == domain.SandboxRunning {
		return instance, nil
	}

	log.Warn("sandbox is no longer running, stopping instance", slog.String("status", string(status)))
	if err := p.stop(ctx, instance.ID, domain.StopReasonSandboxGone); err != nil {
		return nil, err
	}
	return p.repo.FindByID(ctx, instance.ID)
}

// PortSync counts the pool changes made by SyncPorts.
type PortSync struct {
	Reserved int
	Released int
}

// SyncPorts reconciles the local port pool with the registry. Ports leased
// here for instances the registry no longer holds live are released, and
// ports recorded on live instances this process does not know about are
// reserved. Leases taken while the registry is read are left alone.
func (p *Provisioner) SyncPorts(ctx context.Context) (PortSync, error) {
	before := p.ports.snapshot()

	live := make(map[string]*domain.Instance)
	for _, state := range []domain.State{domain.StateProvisioning, domain.StateRunning, domain.StateStopping} {
		instances, err := p.repo.FindByState(ctx, state)
		if err != nil {
			return PortSync{}, err
		}
		for _, i := range instances {
			live[i.ID] = i
		}
	}

	var res PortSync
	for id, port := range before {
		if _, ok := live[id]; ok {
			continue
		}
		// A revert to running can slip between the per-state reads.
		current, err := p.repo.FindByID(ctx, id)
		if err != nil && !errors.Is(err, domain.ErrInstanceNotFound) {
			return res, err
		}
		if err == nil && !current.State.IsTerminal() {
			continue
		}
		if p.ports.releaseIf(id, port) {
			res.Released++
		}
	}

	for id, i := range live {
		if i.IngressPort == 0 {
			continue
		}
		if _, known := before[id]; known {
			continue
		}
		if _, held := p.ports.held(id); held {
			continue
		}
		if !p.ports.reserve(id, i.IngressPort) {
			p.logger.Debug("ingress port not reservable",
				slog.String("instance_id", id),
				slog.Int("port", i.IngressPort),
			)
			continue
		}
		res.Reserved++
	}
	return res, nil
}

// RecoverPorts reserves the ingress ports recorded on live instances. It is
// run once at startup, before the gateway accepts requests.
func (p *Provisioner) RecoverPorts(ctx context.Context) (int, error) {
	res, err := p.SyncPorts(ctx)
	return res.Reserved, err
}

// teardown destroys the sandbox of instance and returns its port to the
// pool. A sandbox that is already gone counts as destroyed.
func (p *Provisioner) teardown(ctx context.Context, instance *domain.Instance) error {
	var sandbox *domain.Sandbox
	if instance.SandboxRef != "" {
		sandbox = &domain.Sandbox{Ref: instance.SandboxRef}
	}
	if err := p.destroy(ctx, instance.ID, sandbox); err != nil {
		return err
	}
	p.ports.release(instance.ID)
	return nil
}

func (p *Provisioner) destroy(ctx context.Context, instanceID string, sandbox *domain.Sandbox) error {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.TeardownTimeout)
	defer cancel()

	var err error
	if sandbox != nil {
		err = p.driver.Destroy(tctx, sandbox.Ref)
	} else {
		err = p.driver.DestroyByName(tctx, instanceID)
	}
	if errors.Is(err, domain.ErrSandboxNotFound) {
		return nil
	}
	return err
}

func (p *Provisioner) completeStop(ctx context.Context, log *slog.Logger, instanceID string) {
	stopped, err := p.repo.Transition(ctx, instanceID, domain.StateStopping, domain.StateStopped, func(i *domain.Instance) {
		i.RetryAt = time.Time{}
		i.UpdatedAt = p.now()
	})
	if errors.Is(err, domain.ErrConflict) {
		return
	}
	if err != nil {
		log.Error("failed to mark instance stopped", slog.Any("error", err))
		return
	}
	log.Info("instance stopped", slog.String("reason", string(stopped.StopReason)))
	p.publish(ctx, domain.EventInstanceStopped, stopped)
}

func (p *Provisioner) recordFailedTeardown(ctx context.Context, log *slog.Logger, instanceID string, state domain.State, apply func(*domain.Instance)) {
	_, err := p.repo.Transition(ctx, instanceID, state, state, func(i *domain.Instance) {
		if apply != nil {
			apply(i)
		}
		i.Attempts++
		i.RetryAt = p.now().Add(p.config.Retry.Delay(i.Attempts))
	})
	if err != nil {
		log.Error("failed to record teardown failure", slog.Any("error", err))
	}
}

func (p *Provisioner) publish(ctx context.Context, t domain.EventType, instance *domain.Instance) {
	ev := domain.NewEvent(t, instance, p.now())
	if err := p.bus.Publish(context.WithoutCancel(ctx), ev); err != nil {
		p.logger.Warn("failed to publish event",
			slog.String("instance_id", instance.ID),
			slog.String("type", string(t)),
			slog.Any("error", err),
		)
	}
}

// classify maps a provisioning error to the two outcomes a client can act
// on: retry later, or give up.
func classify(err error) error {
	switch {
	case errors.Is(err, domain.ErrCapacityExceeded), errors.Is(err, domain.ErrProvisioningFailed),
		errors.Is(err, domain.ErrInstanceNotAvailable):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ingress.ErrNoAvailablePort):
		return fmt.Errorf("%w: %v", domain.ErrCapacityExceeded, err)
	default:
		return fmt.Errorf("%w: %v", domain.ErrProvisioningFailed, err)
	}
}
