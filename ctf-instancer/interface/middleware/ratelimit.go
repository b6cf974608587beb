package middleware

import (
	"log/slog"

	"github.com/labstack/echo/v4"

	"github.com/wargame-ctf/instancer/ctf-instancer/domain"
	"github.com/wargame-ctf/instancer/ctf-instancer/infrastructure/ratelimit"
)

// RateLimit limits each authenticated user on the routes it wraps. A
// limiter backend error lets the request through.
func RateLimit(limiter ratelimit.Limiter, scope string, logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := UserID(c)
			if userID == "" {
				return next(c)
			}

			allowed, retryAfter, err := limiter.Allow(c.Request().Context(), scope+":"+userID)
			if err != nil {
				logger.Warn("rate limiter unavailable", slog.String("scope", scope), slog.Any("error", err))
				return next(c)
			}
			if !allowed {
				return &domain.RetryAfterError{Err: domain.ErrRateLimited, After: retryAfter}
			}
			return next(c)
		}
	}
}
