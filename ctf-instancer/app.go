package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/wargame-ctf/instancer/ctf-instancer/config"
	"github.com/wargame-ctf/instancer/ctf-instancer/domain"
	"github.com/wargame-ctf/instancer/ctf-instancer/infrastructure/auth"
	"github.com/wargame-ctf/instancer/ctf-instancer/infrastructure/catalog"
	"github.com/wargame-ctf/instancer/ctf-instancer/infrastructure/events"
	"github.com/wargame-ctf/instancer/ctf-instancer/infrastructure/ingress"
	"github.com/wargame-ctf/instancer/ctf-instancer/infrastructure/ratelimit"
	"github.com/wargame-ctf/instancer/ctf-instancer/infrastructure/redisclient"
	"github.com/wargame-ctf/instancer/ctf-instancer/infrastructure/repository"
	"github.com/wargame-ctf/instancer/ctf-instancer/infrastructure/runner"
	"github.com/wargame-ctf/instancer/ctf-instancer/infrastructure/storage"
	"github.com/wargame-ctf/instancer/ctf-instancer/interface/handler"
	"github.com/wargame-ctf/instancer/ctf-instancer/usecase"
	"github.com/wargame-ctf/instancer/lib/logger"
)

const serviceName = "ctf-instancer"

// app holds the wired components shared by every command.
type app struct {
	config *config.Config
	logger *slog.Logger

	db          *sql.DB
	redis       *redis.Client
	repo        domain.InstanceRepository
	bus         domain.EventBus
	limiter     ratelimit.Limiter
	verifier    *auth.JWTVerifier
	provisioner *usecase.Provisioner
	reaper      *usecase.Reaper
	relay       *usecase.Relay

	closers []func() error
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.NewConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &app{
		config: cfg,
		logger: logger.New(serviceName, cfg.LogLevel),
	}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.config

	repo, err := a.openRegistry(ctx)
	if err != nil {
		return err
	}
	a.repo = repo

	challenges, err := a.openCatalog(ctx)
	if err != nil {
		return err
	}

	if err := a.openRedis(); err != nil {
		return err
	}

	archiver, err := a.openArchiver(ctx)
	if err != nil {
		return err
	}

	a.verifier, err = auth.NewJWTVerifier(cfg.JWTSecret)
	if err != nil {
		return err
	}

	runnerConfig := runner.DefaultConfig()
	runnerConfig.RegistryURL = cfg.Runner.RegistryURL
	runnerConfig.PullPolicy = cfg.Runner.PullPolicy
	runnerConfig.MemoryLimit = cfg.Runner.MemoryLimit
	runnerConfig.CPULimit = cfg.Runner.CPULimit
	runnerConfig.Network = cfg.Runner.Network
	driver, err := runner.NewDockerDriver(runnerConfig, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create docker driver: %w", err)
	}

	ports, err := ingress.NewPortPool(cfg.Provisioner.PortRangeStart, cfg.Provisioner.PortRangeEnd)
	if err != nil {
		return err
	}

	retry := usecase.RetryPolicy{
		InitialInterval: cfg.Reaper.Interval,
		Multiplier:      2,
		MaxInterval:     cfg.Reaper.MaxBackoff,
	}

	a.provisioner = usecase.NewProvisioner(a.repo, challenges, driver, ports, a.bus, usecase.ProvisionerConfig{
		PublicHost:       cfg.PublicHost,
		DefaultTTL:       cfg.Provisioner.InstanceTTL,
		MaxPerUser:       cfg.Provisioner.MaxPerUser,
		MaxInstances:     cfg.Provisioner.MaxInstances,
		ProvisionTimeout: cfg.Provisioner.ProvisionTimeout,
		TeardownTimeout:  cfg.Reaper.TeardownTimeout,
		Retry:            retry,
	}, a.logger)

	recovered, err := a.provisioner.RecoverPorts(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover ingress ports: %w", err)
	}
	if recovered > 0 {
		a.logger.Info("recovered ingress ports", slog.Int("count", recovered))
	}

	a.reaper = usecase.NewReaper(a.repo, a.provisioner, archiver, a.bus, usecase.ReaperConfig{
		Interval:         cfg.Reaper.Interval,
		ProvisionTimeout: cfg.Provisioner.ProvisionTimeout,
		StopTimeout:      cfg.Reaper.StopTimeout,
		RetainTerminal:   cfg.Reaper.RetainTerminal,
		AlertAfter:       cfg.Reaper.AlertAfter,
		Concurrency:      cfg.Reaper.Concurrency,
		Retry:            retry,
	}, a.logger)

	a.relay = usecase.NewRelay(a.repo, driver, a.bus, a.verifier, usecase.RelayConfig{
		Shell:        cfg.Terminal.Shell,
		BufferSize:   cfg.Terminal.BufferSize,
		WriteTimeout: cfg.Terminal.WriteTimeout,
	}, a.logger)

	return nil
}

func (a *app) openDB() (*sql.DB, *repository.Config, error) {
	dbConfig := repository.NewConfigFromEnv()
	if a.db != nil {
		return a.db, dbConfig, nil
	}

	db, err := repository.Connect(dbConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.db = db
	a.closers = append(a.closers, db.Close)
	return db, dbConfig, nil
}

func (a *app) openRegistry(ctx context.Context) (domain.InstanceRepository, error) {
	switch a.config.RegistryBackend {
	case config.RegistrySQL:
		db, dbConfig, err := a.openDB()
		if err != nil {
			return nil, err
		}
		if err := repository.InitSchema(ctx, db, dbConfig.Driver, dbConfig.SchemaPath); err != nil {
			return nil, err
		}
		return repository.NewSQLInstanceRepository(db, dbConfig.Driver), nil
	case config.RegistryBolt:
		repo, err := repository.NewBoltInstanceRepository(a.config.BoltPath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, repo.Close)
		return repo, nil
	default:
		a.logger.Warn("instance registry is in memory, records are lost on restart")
		return repository.NewMemoryInstanceRepository(), nil
	}
}

func (a *app) openCatalog(ctx context.Context) (domain.ChallengeCatalog, error) {
	if a.config.CatalogPath != "" {
		c, err := catalog.LoadFileCatalog(a.config.CatalogPath)
		if err != nil {
			return nil, err
		}
		a.logger.Info("loaded challenge catalog", slog.String("path", a.config.CatalogPath), slog.Int("challenges", c.Len()))
		return c, nil
	}

	db, _, err := a.openDB()
	if err != nil {
		return nil, err
	}
	return catalog.NewMySQLCatalog(db), nil
}

func (a *app) openRedis() error {
	redisConfig := redisclient.NewConfigFromEnv()
	limits := ratelimit.Config{
		MaxRequests: a.config.RateLimit.MaxRequests,
		Window:      a.config.RateLimit.Window,
	}

	if !redisConfig.Enabled() {
		a.bus = events.NewLocalBus()
		if limits.Enabled() {
			a.limiter = ratelimit.NewLocalLimiter(limits)
		} else {
			a.limiter = ratelimit.Unlimited{}
		}
		return nil
	}

	client, err := redisclient.Connect(redisConfig)
	if err != nil {
		return err
	}
	a.redis = client
	a.closers = append(a.closers, client.Close)

	a.bus = events.NewRedisBus(client)
	if limits.Enabled() {
		a.limiter = ratelimit.NewRedisLimiter(client, limits)
	} else {
		a.limiter = ratelimit.Unlimited{}
	}
	return nil
}

func (a *app) openArchiver(ctx context.Context) (storage.Archiver, error) {
	s3Config := storage.NewS3ConfigFromEnv()
	if !s3Config.Enabled() {
		return storage.NopArchiver{}, nil
	}

	archiver, client, err := storage.NewS3Archiver(s3Config)
	if err != nil {
		return nil, err
	}
	if err := storage.EnsureBucketExists(ctx, client, s3Config.Bucket); err != nil {
		return nil, err
	}
	return archiver, nil
}

func (a *app) healthChecks() []handler.HealthCheck {
	var checks []handler.HealthCheck
	if a.db != nil {
		checks = append(checks, handler.HealthCheck{Name: "database", Check: a.db.PingContext})
	}
	if a.redis != nil {
		checks = append(checks, handler.HealthCheck{Name: "redis", Check: func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}})
	}
	return checks
}

func (a *app) Close() error {
	var errs []error
	for n := len(a.closers) - 1; n >= 0; n-- {
		errs = append(errs, a.closers[n]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
