package core

import (
	"context"
	"io"
	"time"
)

// Cache is a shared key/value store with expiry.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// KnownSet remembers keys that need no further work in this process.
type KnownSet interface {
	Contains(key string) bool
	Add(key string)
	Remove(key string)
}

// Event is a domain event handed to the message bus.
type Event struct {
	Type       string      `json:"type"`
	Subject    string      `json:"subject"`
	OccurredAt time.Time   `json:"occurred_at"`
	Data       interface{} `json:"data,omitempty"`
}

// Domain event types.
const (
	EventDeviceRegistered       = "device.registered"
	EventDeploymentCreated      = "deployment.created"
	EventDeploymentUpdated      = "deployment.updated"
	EventDeploymentDeleted      = "deployment.deleted"
	EventComplaintCreated       = "complaint.created"
	EventPasswordResetRequested = "password_reset.requested"
)

// EventPublisher sends domain events. Publishing is best effort; callers log
// failures and never fail the originating request.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// AudioStore keeps uploaded recording files.
type AudioStore interface {
	// Save writes src under a name derived from original and returns the stored name.
	Save(ctx context.Context, original string, src io.Reader) (string, error)
	// Path resolves a stored name to a readable path, or ErrAudioNotFound.
	Path(name string) (string, error)
	// Remove deletes a stored file. A missing file is not an error.
	Remove(name string) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error { return nil }

type nopKnownSet struct{}

func (nopKnownSet) Contains(string) bool { return false }
func (nopKnownSet) Add(string)           {}
func (nopKnownSet) Remove(string)        {}
