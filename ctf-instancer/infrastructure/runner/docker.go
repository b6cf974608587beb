package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/wargame-ctf/instancer/ctf-instancer/domain"
)

const (
	ContainerNamePrefix = "wg-"

	LabelManaged     = "wargame.managed"
	LabelInstanceID  = "wargame.instance_id"
	LabelUserID      = "wargame.user_id"
	LabelChallengeID = "wargame.challenge_id"
)

const (
	PullMissing = "missing"
	PullAlways  = "always"
	PullNever   = "never"
)

type Config struct {
	RegistryURL string
	PullPolicy  string
	MemoryLimit string
	CPULimit    float64
	PidsLimit   int64
	Network     string
	BindIP      string
	StopTimeout int
}

func DefaultConfig() Config {
	return Config{
		PullPolicy:  PullMissing,
		MemoryLimit: "128m",
		CPULimit:    0.5,
		PidsLimit:   128,
		BindIP:      "0.0.0.0",
		StopTimeout: 5,
	}
}

// dockerAPI is the subset of the docker client the driver uses.
type dockerAPI interface {
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
}

type DockerDriver struct {
	docker dockerAPI
	config Config
	memory int64
	logger *slog.Logger
}

func NewDockerDriver(config Config, logger *slog.Logger) (*DockerDriver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newDockerDriver(cli, config, logger)
}

func newDockerDriver(docker dockerAPI, config Config, logger *slog.Logger) (*DockerDriver, error) {
	memory, err := units.RAMInBytes(config.MemoryLimit)
	if err != nil {
		return nil, fmt.Errorf("invalid memory limit %q: %w", config.MemoryLimit, err)
	}
	if config.PullPolicy == "" {
		config.PullPolicy = PullMissing
	}
	if config.BindIP == "" {
		config.BindIP = "0.0.0.0"
	}

	return &DockerDriver{
		docker: docker,
		config: config,
		memory: memory,
		logger: logger.With(slog.String("component", "runner")),
	}, nil
}

func ContainerName(instanceID string) string {
	return ContainerNamePrefix + instanceID
}

func (d *DockerDriver) Create(ctx context.Context, spec domain.SandboxSpec) (*domain.Sandbox, error) {
	imageName := d.imageRef(spec.Image)
	if err := d.ensureImage(ctx, imageName); err != nil {
		return nil, err
	}

	containerPort, err := nat.NewPort("tcp", strconv.Itoa(spec.ContainerPort))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid container port %d", domain.ErrProvisioningFailed, spec.ContainerPort)
	}

	containerConfig := &container.Config{
		Image: imageName,
		ExposedPorts: nat.PortSet{
			containerPort: struct{}{},
		},
		Labels: map[string]string{
			LabelManaged:     "true",
			LabelInstanceID:  spec.InstanceID,
			LabelUserID:      spec.OwnerID,
			LabelChallengeID: spec.ChallengeID,
		},
	}
	hostConfig := d.hostConfig(spec, containerPort)

	name := ContainerName(spec.InstanceID)
	resp, err := d.docker.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if errdefs.IsConflict(err) {
		// a container left behind by an earlier attempt for this instance
		if rmErr := d.remove(ctx, name); rmErr != nil {
			return nil, classify("remove stale container", rmErr)
		}
		resp, err = d.docker.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	}
	if err != nil {
		return nil, classify("create container", err)
	}

	if err := d.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if rmErr := d.remove(context.WithoutCancel(ctx), resp.ID); rmErr != nil {
			d.logger.Warn("failed to remove container after start failure",
				slog.String("container_id", resp.ID), slog.Any("error", rmErr))
		}
		return nil, classify("start container", err)
	}

	d.logger.Info("started sandbox container",
		slog.String("instance_id", spec.InstanceID),
		slog.String("container_id", resp.ID),
		slog.Int("host_port", spec.HostPort),
	)

	return &domain.Sandbox{Ref: resp.ID}, nil
}

func (d *DockerDriver) hostConfig(spec domain.SandboxSpec, containerPort nat.Port) *container.HostConfig {
	tmpfs := "size=16m,noexec"
	if spec.Writable {
		tmpfs = "size=32m"
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			containerPort: []nat.PortBinding{
				{
					HostIP:   d.config.BindIP,
					HostPort: strconv.Itoa(spec.HostPort),
				},
			},
		},
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{"/tmp": tmpfs},
		CapDrop:        []string{"ALL"},
		CapAdd:         []string{"SETUID", "SETGID"},
		SecurityOpt:    []string{"no-new-privileges:true"},
		Resources: container.Resources{
			Memory:   d.memory,
			NanoCPUs: int64(d.config.CPULimit * 1e9),
		},
		AutoRemove: false,
	}
	if d.config.PidsLimit > 0 {
		pids := d.config.PidsLimit
		hostConfig.Resources.PidsLimit = &pids
	}
	if d.config.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(d.config.Network)
	}

	return hostConfig
}

func (d *DockerDriver) Destroy(ctx context.Context, ref string) error {
	timeout := d.config.StopTimeout
	if err := d.docker.ContainerStop(ctx, ref, container.StopOptions{Timeout: &timeout}); err != nil && !errdefs.IsNotFound(err) {
		d.logger.Warn("failed to stop container, forcing removal", slog.String("container_id", ref), slog.Any("error", err))
	}

	if err := d.remove(ctx, ref); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", ref, err)
	}
	return nil
}

func (d *DockerDriver) DestroyByName(ctx context.Context, instanceID string) error {
	if err := d.remove(ctx, ContainerName(instanceID)); err != nil {
		return fmt.Errorf("failed to remove container for %s: %w", instanceID, err)
	}
	return nil
}

func (d *DockerDriver) Attach(ctx context.Context, ref string, cmd []string) (domain.Stream, error) {
	exec, err := d.docker.ContainerExecCreate(ctx, ref, container.ExecOptions{
		Cmd:          cmd,
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Env:          []string{"TERM=xterm-256color"},
	})
	if err != nil {
		if errdefs.IsNotFound(err) || errdefs.IsConflict(err) {
			return nil, fmt.Errorf("%w: %v", domain.ErrSandboxNotFound, err)
		}
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	hijacked, err := d.docker.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec: %w", err)
	}

	return &hijackedStream{resp: hijacked}, nil
}

// Inspect reports whether the sandbox container is still running.
func (d *DockerDriver) Inspect(ctx context.Context, ref string) (domain.SandboxStatus, error) {
	info, err := d.docker.ContainerInspect(ctx, ref)
	if errdefs.IsNotFound(err) {
		return domain.SandboxMissing, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to inspect container %s: %w", ref, err)
	}
	if info.ContainerJSONBase == nil || info.State == nil || !info.State.Running {
		return domain.SandboxExited, nil
	}
	return domain.SandboxRunning, nil
}

// remove force-removes a container, treating an already gone container as
// success.
func (d *DockerDriver) remove(ctx context.Context, ref string) error {
	err := d.docker.ContainerRemove(ctx, ref, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err == nil || errdefs.IsNotFound(err) {
		return nil
	}
	if errdefs.IsConflict(err) && strings.Contains(err.Error(), "already in progress") {
		return nil
	}
	return err
}

func (d *DockerDriver) imageRef(name string) string {
	if d.config.RegistryURL == "" {
		return name
	}
	return fmt.Sprintf("%s/%s", strings.TrimSuffix(d.config.RegistryURL, "/"), name)
}

func (d *DockerDriver) ensureImage(ctx context.Context, imageName string) error {
	switch d.config.PullPolicy {
	case PullNever:
		return nil
	case PullMissing:
		_, _, err := d.docker.ImageInspectWithRaw(ctx, imageName)
		if err == nil {
			return nil
		}
		if !errdefs.IsNotFound(err) {
			return classify("inspect image", err)
		}
	}

	return d.pullImage(ctx, imageName)
}

func (d *DockerDriver) pullImage(ctx context.Context, imageName string) error {
	reader, err := d.docker.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return classify("pull image", err)
	}
	defer reader.Close()

	decoder := json.NewDecoder(reader)
	for {
		var message struct {
			Status string `json:"status,omitempty"`
			Error  string `json:"error,omitempty"`
		}

		if err := decoder.Decode(&message); err == io.EOF {
			break
		} else if err != nil {
			return classify("decode pull output", err)
		}

		if message.Error != "" {
			return fmt.Errorf("%w: pull %s: %s", domain.ErrProvisioningFailed, imageName, message.Error)
		}

		d.logger.Debug("pull progress", slog.String("image", imageName), slog.String("status", message.Status))
	}

	return nil
}

// classify tags err as transient capacity trouble or as a broken challenge.
func classify(op string, err error) error {
	if isTransient(err) {
		return fmt.Errorf("%s: %w: %v", op, domain.ErrCapacityExceeded, err)
	}
	return fmt.Errorf("%s: %w: %v", op, domain.ErrProvisioningFailed, err)
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if errdefs.IsUnavailable(err) || errdefs.IsDeadline(err) || client.IsErrConnectionFailed(err) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, s := range []string{"port is already allocated", "address already in use", "no space left", "cannot allocate memory", "too many open files"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

type hijackedStream struct {
	resp types.HijackedResponse
}

func (s *hijackedStream) Read(p []byte) (int, error) {
	return s.resp.Reader.Read(p)
}

func (s *hijackedStream) Write(p []byte) (int, error) {
	return s.resp.Conn.Write(p)
}

func (s *hijackedStream) CloseWrite() error {
	return s.resp.CloseWrite()
}

func (s *hijackedStream) Close() error {
	s.resp.Close()
	return nil
}
