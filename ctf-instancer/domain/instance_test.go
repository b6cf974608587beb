package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateProvisioning, StateRunning, true},
		{StateProvisioning, StateFailed, true},
		{StateProvisioning, StateStopping, true},
		{StateProvisioning, StateStopped, false},
		{StateRunning, StateStopping, true},
		{StateRunning, StateExpired, false},
		{StateRunning, StateProvisioning, false},
		{StateStopping, StateStopped, true},
		{StateStopping, StateExpired, true},
		{StateStopping, StateRunning, true},
		{StateStopped, StateRunning, false},
		{StateExpired, StateStopping, false},
		{StateFailed, StateFailed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, ValidTransition(tt.from, tt.to))
		})
	}
}

func TestEndpoint_String(t *testing.T) {
	assert.Equal(t, "http://ctf.example.com:30001", Endpoint{Kind: EndpointHTTP, Host: "ctf.example.com", Port: 30001}.String())
	assert.Equal(t, "nc ctf.example.com 30002", Endpoint{Kind: EndpointTCP, Host: "ctf.example.com", Port: 30002}.String())
}

func TestInstance_Lifetime(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	inst := NewInstance("i-1", "alice", "7", now, 600*time.Second)

	assert.Equal(t, StateProvisioning, inst.State)
	assert.NoError(t, inst.Validate())
	assert.False(t, inst.IsExpired(now.Add(599*time.Second)))
	assert.True(t, inst.IsExpired(now.Add(600*time.Second)))
	assert.True(t, inst.RetryDue(now))

	inst.RetryAt = now.Add(time.Minute)
	assert.False(t, inst.RetryDue(now))
	assert.True(t, inst.RetryDue(now.Add(time.Minute)))
}

func TestInstance_ValidateRejectsZeroTTL(t *testing.T) {
	now := time.Now()
	inst := NewInstance("i-1", "alice", "7", now, 0)
	assert.ErrorIs(t, inst.Validate(), ErrInvalidInstance)
}

func TestInstance_NormalizeAndClone(t *testing.T) {
	inst := &Instance{State: StateStopping, Endpoint: &Endpoint{Kind: EndpointTCP, Host: "h", Port: 1}}
	inst.Normalize()
	assert.Nil(t, inst.Endpoint)

	inst.State = StateRunning
	inst.Endpoint = &Endpoint{Kind: EndpointTCP, Host: "h", Port: 1}
	c := inst.Clone()
	c.Endpoint.Port = 2
	assert.Equal(t, 1, inst.Endpoint.Port)
}

func TestChallenge_Defaults(t *testing.T) {
	c := &Challenge{Category: "web"}
	assert.Equal(t, EndpointHTTP, c.EndpointKind())
	assert.Equal(t, DefaultChallengePort, c.ContainerPort())

	c = &Challenge{Category: "pwn", Port: 1337}
	assert.Equal(t, EndpointTCP, c.EndpointKind())
	assert.Equal(t, 1337, c.ContainerPort())
}

func TestInstance_Transitioned(t *testing.T) {
	inst := &Instance{ID: "i-1", State: StateProvisioning}

	next, err := inst.Transitioned(StateProvisioning, StateRunning, func(i *Instance) {
		i.Endpoint = &Endpoint{Kind: EndpointTCP, Host: "h", Port: 30000}
		i.State = StateFailed
	})
	assert.NoError(t, err)
	assert.Equal(t, StateRunning, next.State)
	assert.NotNil(t, next.Endpoint)
	assert.Equal(t, StateProvisioning, inst.State)

	_, err = inst.Transitioned(StateRunning, StateStopping, nil)
	assert.ErrorIs(t, err, ErrConflict)

	_, err = inst.Transitioned(StateProvisioning, StateExpired, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}
