package handler

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/wargame-ctf/instancer/ctf-instancer/domain"
	"github.com/wargame-ctf/instancer/ctf-instancer/infrastructure/ratelimit"
	"github.com/wargame-ctf/instancer/ctf-instancer/interface/middleware"
	"github.com/wargame-ctf/instancer/lib/logger"
)

const (
	healthPath   = "/api/v1/health"
	terminalPath = "/ws/terminal/:id"
)

type RouterConfig struct {
	Instances     InstanceService
	Terminals     TerminalService
	Repository    domain.InstanceRepository
	Verifier      domain.TokenVerifier
	CreateLimiter ratelimit.Limiter
	HealthChecks  []HealthCheck
	CORSOrigins   []string
	BufferSize    int
	Logger        *slog.Logger
}

func NewRouter(cfg RouterConfig) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = ErrorHandler(cfg.Logger)

	e.Use(echomw.Recover())
	e.Use(logger.RequestLogger(cfg.Logger))
	if len(cfg.CORSOrigins) > 0 {
		e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
			AllowOrigins: cfg.CORSOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType},
		}))
	}
	// The terminal authenticates with its query token after the upgrade.
	e.Use(middleware.NewAuthMiddleware(cfg.Verifier, healthPath, terminalPath).Handle)

	instances := NewInstanceHandler(cfg.Instances, cfg.Repository)
	terminals := NewTerminalHandler(cfg.Terminals, cfg.CORSOrigins, cfg.BufferSize, cfg.Logger)
	health := NewHealthHandler(cfg.HealthChecks...)

	limiter := cfg.CreateLimiter
	if limiter == nil {
		limiter = ratelimit.Unlimited{}
	}

	api := e.Group("/api/v1")
	api.GET("/health", health.Check)
	api.POST("/containers", instances.CreateInstance, middleware.RateLimit(limiter, "create", cfg.Logger))
	api.GET("/containers", instances.ListInstances)
	api.GET("/containers/:id", instances.GetInstance)
	api.DELETE("/containers/:id", instances.DeleteInstance)

	e.GET(terminalPath, terminals.Connect)

	return e
}
