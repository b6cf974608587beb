package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/wargame-ctf/instancer/ctf-instancer/domain"
	"github.com/wargame-ctf/instancer/ctf-instancer/interface/middleware"
)

type InstanceService interface {
	Start(ctx context.Context, ownerID, challengeID string) (*domain.Instance, error)
	StopOwned(ctx context.Context, ownerID, instanceID string) error
	Refresh(ctx context.Context, instance *domain.Instance) (*domain.Instance, error)
}

type InstanceHandler struct {
	service InstanceService
	repo    domain.InstanceRepository
}

func NewInstanceHandler(service InstanceService, repo domain.InstanceRepository) *InstanceHandler {
	return &InstanceHandler{
		service: service,
		repo:    repo,
	}
}

// flexibleID accepts both "7" and 7, since the platform numbers its
// challenges.
type flexibleID string

func (id *flexibleID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = flexibleID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if _, err := n.Int64(); err != nil {
		return fmt.Errorf("challenge id must be an integer or a string")
	}
	*id = flexibleID(n.String())
	return nil
}

type createInstanceRequest struct {
	ChallengeID flexibleID `json:"challenge_id"`
}

type endpointResponse struct {
	Kind string `json:"kind"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

type instanceResponse struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	ChallengeID    string            `json:"challenge_id"`
	Port           int               `json:"port,omitempty"`
	Status         string            `json:"status"`
	ConnectionInfo string            `json:"connection_info,omitempty"`
	Endpoint       *endpointResponse `json:"endpoint,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
}

// visible reports whether clients may see the instance at all. Instances
// that never became reachable are reported as absent.
func visible(i *domain.Instance) bool {
	return i.State != domain.StateProvisioning && i.State != domain.StateFailed
}

func clientStatus(s domain.State) string {
	switch s {
	case domain.StateRunning:
		return "running"
	case domain.StateExpired:
		return "expired"
	default:
		return "stopped"
	}
}

func toInstanceResponse(i *domain.Instance) instanceResponse {
	res := instanceResponse{
		ID:          i.ID,
		UserID:      i.OwnerID,
		ChallengeID: i.ChallengeID,
		Status:      clientStatus(i.State),
		CreatedAt:   i.CreatedAt,
		ExpiresAt:   i.ExpiresAt,
	}
	// Connection details are only meaningful while the sandbox exists.
	if i.Endpoint != nil && i.State == domain.StateRunning {
		res.Port = i.Endpoint.Port
		res.ConnectionInfo = i.Endpoint.String()
		res.Endpoint = &endpointResponse{
			Kind: string(i.Endpoint.Kind),
			Host: i.Endpoint.Host,
			Port: i.Endpoint.Port,
		}
	}
	return res
}

func (h *InstanceHandler) CreateInstance(c echo.Context) error {
	var req createInstanceRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return fmt.Errorf("%w: %v", errInvalidRequest, err)
	}
	if req.ChallengeID == "" {
		return fmt.Errorf("%w: challenge_id is required", errInvalidRequest)
	}

	instance, err := h.service.Start(c.Request().Context(), middleware.UserID(c), string(req.ChallengeID))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, toInstanceResponse(instance))
}

func (h *InstanceHandler) ListInstances(c echo.Context) error {
	all := false
	if v := c.QueryParam("all"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: all must be a boolean", errInvalidRequest)
		}
		all = parsed
	}

	instances, err := h.repo.FindByOwner(c.Request().Context(), middleware.UserID(c))
	if err != nil {
		return err
	}

	res := make([]instanceResponse, 0, len(instances))
	for _, i := range instances {
		if !visible(i) || (!all && i.State != domain.StateRunning) {
			continue
		}
		res = append(res, toInstanceResponse(i))
	}

	return c.JSON(http.StatusOK, res)
}

func (h *InstanceHandler) GetInstance(c echo.Context) error {
	instance, err := h.repo.FindByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if instance.OwnerID != middleware.UserID(c) || !visible(instance) {
		return domain.ErrInstanceNotFound
	}

	instance, err = h.service.Refresh(c.Request().Context(), instance)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, toInstanceResponse(instance))
}

func (h *InstanceHandler) DeleteInstance(c echo.Context) error {
	err := h.service.StopOwned(c.Request().Context(), middleware.UserID(c), c.Param("id"))
	if err != nil && !errors.Is(err, domain.ErrInstanceNotFound) {
		return err
	}

	return c.NoContent(http.StatusNoContent)
}
