// Package notify defines the user-facing notification domain types. Rendering
// (popups, sounds) happens in the probe contexts; the daemon only records and
// forwards notification intents.
package notify

import (
	"context"
	"time"
)

// Level represents the severity of a notification.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notification is a single notification event published to probe contexts.
type Notification struct {
	ID        int64     `json:"id"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	TaskID    string    `json:"task_id,omitempty"`
	Sound     bool      `json:"sound,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists the bounded notification log.
type Store interface {
	Save(ctx context.Context, n Notification) (int64, error)
	List(ctx context.Context) ([]Notification, error)
	Clear(ctx context.Context) error
	Count(ctx context.Context) (int64, error)
}
