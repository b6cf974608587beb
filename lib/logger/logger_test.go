package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	return record
}

func TestNew_TagsService(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "ctf-instancer", slog.LevelInfo)

	l.Debug("hidden")
	assert.Zero(t, buf.Len())

	l.Info("hello")
	record := decode(t, &buf)
	assert.Equal(t, "ctf-instancer", record["service"])
	assert.Equal(t, "hello", record["msg"])
}

func TestLoggingInterceptor_Unary(t *testing.T) {
	var buf bytes.Buffer
	interceptor := NewLoggingInterceptor(NewWithWriter(&buf, "ctf-instancer", slog.LevelInfo))

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(
		"x-forwarded-for", "203.0.113.7",
		"user-agent", "grpc-health-probe",
	))
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	_, err := interceptor.Unary()(ctx, nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.Unavailable, "draining")
	})
	require.Error(t, err)

	record := decode(t, &buf)
	assert.Equal(t, "/grpc.health.v1.Health/Check", record["method"])
	assert.Equal(t, "203.0.113.7", record["client_ip"])
	assert.Equal(t, "grpc-health-probe", record["user_agent"])
	assert.Equal(t, codes.Unavailable.String(), record["status_code"])
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	e.Use(RequestLogger(NewWithWriter(&buf, "ctf-instancer", slog.LevelInfo)))
	e.GET("/api/v1/containers/:id", func(c echo.Context) error {
		return errors.New("boom")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/containers/abc", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	record := decode(t, &buf)
	assert.Equal(t, "ERROR", record["level"])
	assert.Equal(t, "/api/v1/containers/:id", record["route"])
	assert.Equal(t, float64(http.StatusInternalServerError), record["status_code"])
	assert.Equal(t, "boom", record["error"])
}
