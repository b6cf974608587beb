package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/wargame-ctf/instancer/ctf-instancer/infrastructure/ratelimit"
	"github.com/wargame-ctf/instancer/ctf-instancer/infrastructure/repository"
	"github.com/wargame-ctf/instancer/ctf-instancer/interface/handler"
	"github.com/wargame-ctf/instancer/lib/logger"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway, terminal relay and expiry reaper",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			return serve(ctx, a)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	cfg := a.config

	router := handler.NewRouter(handler.RouterConfig{
		Instances:     a.provisioner,
		Terminals:     a.relay,
		Repository:    a.repo,
		Verifier:      a.verifier,
		CreateLimiter: a.limiter,
		HealthChecks:  a.healthChecks(),
		CORSOrigins:   cfg.CORSOrigins,
		BufferSize:    cfg.Terminal.BufferSize,
		Logger:        a.logger,
	})
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler:           h2c.NewHandler(router, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	loggingInterceptor := logger.NewLoggingInterceptor(a.logger)
	opsServer := grpc.NewServer(
		grpc.UnaryInterceptor(loggingInterceptor.Unary()),
		grpc.StreamInterceptor(loggingInterceptor.Stream()),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(opsServer, healthServer)
	reflection.Register(opsServer)
	healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.OpsGRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen on ops port: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.reaper.Run(gctx)
	})

	g.Go(func() error {
		a.logger.Info("ops server listening", slog.String("port", cfg.OpsGRPCPort))
		return opsServer.Serve(lis)
	})

	g.Go(func() error {
		a.logger.Info("gateway listening", slog.String("port", cfg.HTTPPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	})

	if local, ok := a.limiter.(*ratelimit.LocalLimiter); ok {
		g.Go(func() error {
			pruneLimiter(gctx, local, cfg.RateLimit.Window)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down gracefully")
		healthServer.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := a.relay.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("terminal sessions did not drain", slog.Any("error", err))
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("http shutdown incomplete", slog.Any("error", err))
		}
		opsServer.GracefulStop()
		return nil
	})

	return g.Wait()
}

func pruneLimiter(ctx context.Context, limiter *ratelimit.LocalLimiter, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Prune()
		}
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the instance registry schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			dbConfig := repository.NewConfigFromEnv()
			db, err := repository.Connect(dbConfig)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer db.Close()

			if err := repository.InitSchema(cmd.Context(), db, dbConfig.Driver, dbConfig.SchemaPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema applied (%s)\n", dbConfig.Driver)
			return nil
		},
	}
}

func newReapCommand() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Run the expiry reaper without the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if !once {
				return a.reaper.Run(ctx)
			}

			res, err := a.reaper.Scan(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired=%d reclaimed=%d finished=%d purged=%d failures=%d\n",
				res.Expired, res.Reclaimed, res.Finished, res.Purged, res.Failures)
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single scan and exit")

	return cmd
}
