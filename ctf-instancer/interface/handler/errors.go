package handler

import (
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/wargame-ctf/instancer/ctf-instancer/domain"
)

const defaultRetryAfter = 30 * time.Second

var errInvalidRequest = errors.New("invalid request")

type errorResponse struct {
	Detail    string `json:"detail"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

type errorMapping struct {
	err       error
	status    int
	code      string
	detail    string
	retryable bool
}

var errorMappings = []errorMapping{
	{domain.ErrUnauthorized, http.StatusUnauthorized, "unauthorized", "authentication required", false},
	{domain.ErrAlreadyExists, http.StatusConflict, "already_exists", "an instance of this challenge is already running", false},
	{domain.ErrCapacityExceeded, http.StatusServiceUnavailable, "capacity_exceeded", "no capacity to start an instance, try again later", true},
	{domain.ErrProvisioningFailed, http.StatusInternalServerError, "provisioning_failed", "failed to start the instance, contact an admin", false},
	{domain.ErrChallengeNotFound, http.StatusNotFound, "challenge_not_found", "challenge not found", false},
	{domain.ErrChallengeNotDynamic, http.StatusBadRequest, "challenge_not_dynamic", "challenge has no instance to start", false},
	{domain.ErrOwnerLimit, http.StatusBadRequest, "instance_limit", "too many instances running, stop one first", false},
	{domain.ErrRateLimited, http.StatusTooManyRequests, "rate_limited", "too many requests, slow down", true},
	{domain.ErrInstanceNotFound, http.StatusNotFound, "not_found", "instance not found", false},
	{domain.ErrInstanceNotAvailable, http.StatusNotFound, "not_found", "instance not found", false},
	{errInvalidRequest, http.StatusBadRequest, "invalid_request", "invalid request", false},
}

// ErrorHandler renders every error returned by a handler or middleware as
// {"detail", "code", "retryable"}.
func ErrorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status, body := mapError(err)
		if status >= http.StatusInternalServerError {
			logger.Error("request failed",
				slog.String("method", c.Request().Method),
				slog.String("path", c.Path()),
				slog.Int("status", status),
				slog.Any("error", err),
			)
		}

		if body.Retryable {
			after := defaultRetryAfter
			var hint *domain.RetryAfterError
			if errors.As(err, &hint) && hint.After > 0 {
				after = hint.After
			}
			c.Response().Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(after.Seconds()))))
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, body)
		}
		if err != nil {
			logger.Warn("failed to write error response", slog.Any("error", err))
		}
	}
}

func mapError(err error) (int, errorResponse) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.status, errorResponse{Detail: m.detail, Code: m.code, Retryable: m.retryable}
		}
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		detail := http.StatusText(he.Code)
		if msg, ok := he.Message.(string); ok && msg != "" {
			detail = msg
		}
		code := strings.ToLower(strings.ReplaceAll(http.StatusText(he.Code), " ", "_"))
		return he.Code, errorResponse{Detail: detail, Code: code}
	}

	return http.StatusInternalServerError, errorResponse{Detail: "internal server error", Code: "internal"}
}
