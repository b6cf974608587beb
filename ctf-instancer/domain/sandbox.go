package domain

import (
	"context"
	"io"
)

type SandboxSpec struct {
	InstanceID    string
	OwnerID       string
	ChallengeID   string
	Image         string
	ContainerPort int
	HostPort      int
	Writable      bool
}

type Sandbox struct {
	Ref string
}

type SandboxStatus string

const (
	SandboxRunning SandboxStatus = "running"
	SandboxExited  SandboxStatus = "exited"
	SandboxMissing SandboxStatus = "missing"
)

// Stream is an attached interactive process inside a sandbox.
type Stream interface {
	io.ReadWriteCloser
	// CloseWrite signals end of input to the sandbox process.
	CloseWrite() error
}

// SandboxDriver creates and destroys isolated environments. Destroy must
// treat a sandbox that no longer exists as success.
type SandboxDriver interface {
	Create(ctx context.Context, spec SandboxSpec) (*Sandbox, error)
	Destroy(ctx context.Context, ref string) error
	DestroyByName(ctx context.Context, instanceID string) error
	Attach(ctx context.Context, ref string, cmd []string) (Stream, error)
	// Inspect reports SandboxMissing, not an error, for a sandbox that no
	// longer exists.
	Inspect(ctx context.Context, ref string) (SandboxStatus, error)
}
