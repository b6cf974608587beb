package domain

import (
	"context"
	"time"
)

type EventType string

const (
	EventInstanceRunning  EventType = "instance.running"
	EventInstanceStopping EventType = "instance.stopping"
	EventInstanceStopped  EventType = "instance.stopped"
	EventInstanceExpired  EventType = "instance.expired"
	EventInstanceFailed   EventType = "instance.failed"
	EventTeardownAlert    EventType = "instance.teardown_alert"
)

type Event struct {
	Type       EventType  `json:"type"`
	InstanceID string     `json:"instance_id"`
	OwnerID    string     `json:"owner_id"`
	State      State      `json:"state"`
	Reason     StopReason `json:"reason,omitempty"`
	Attempts   int        `json:"attempts,omitempty"`
	At         time.Time  `json:"at"`
}

func NewEvent(t EventType, inst *Instance, at time.Time) Event {
	return Event{
		Type:       t,
		InstanceID: inst.ID,
		OwnerID:    inst.OwnerID,
		State:      inst.State,
		Reason:     inst.StopReason,
		Attempts:   inst.Attempts,
		At:         at,
	}
}

// EventBus fans instance lifecycle events out to interested sessions.
// Subscribe returns a channel that receives events for one instance and a
// cancel func that must be called to release it.
type EventBus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context, instanceID string) (<-chan Event, func(), error)
}
