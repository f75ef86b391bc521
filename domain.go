package app

import (
	"bytes"
	"context"
	"encoding/json"
	"time"
)

// Status is the workflow state of a task.
type Status string

// The statuses a task can be in.
const (
	StatusTodo       Status = "TODO"
	StatusInProgress Status = "IN_PROGRESS"
	StatusDone       Status = "DONE"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone:
		return true
	}
	return false
}

// Priority is the optional importance of a task.
type Priority string

// The priorities a task can have.
const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Task represents a to-do item owned by a single user.
type Task struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description *string   `json:"description,omitempty"`
	Status      Status    `json:"status"`
	Completed   bool      `json:"completed"`
	Priority    *Priority `json:"priority,omitempty"`
	UserID      string    `json:"userId"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// TaskInput holds the fields accepted when creating a task.
type TaskInput struct {
	Title       string    `json:"title"`
	Description *string   `json:"description,omitempty"`
	Status      *Status   `json:"status,omitempty"`
	Priority    *Priority `json:"priority,omitempty"`
}

// TaskPatch holds the fields of a partial update. Nil fields are left
// untouched. An explicit JSON null for description or priority clears the
// column and is recorded in ClearDescription or ClearPriority.
type TaskPatch struct {
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	Status      *Status   `json:"status,omitempty"`
	Priority    *Priority `json:"priority,omitempty"`
	Completed   *bool     `json:"completed,omitempty"`

	ClearDescription bool `json:"-"`
	ClearPriority    bool `json:"-"`
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Status == nil &&
		p.Priority == nil && p.Completed == nil &&
		!p.ClearDescription && !p.ClearPriority
}

// UnmarshalJSON decodes a patch, telling an absent field from a null one.
func (p *TaskPatch) UnmarshalJSON(b []byte) error {
	type plain TaskPatch
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	var v plain
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*p = TaskPatch(v)
	p.ClearDescription = isNull(raw["description"])
	p.ClearPriority = isNull(raw["priority"])
	return nil
}

// MarshalJSON writes cleared fields as null.
func (p TaskPatch) MarshalJSON() ([]byte, error) {
	type plain TaskPatch
	b, err := json.Marshal(plain(p))
	if err != nil || (!p.ClearDescription && !p.ClearPriority) {
		return b, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	if p.ClearDescription {
		m["description"] = json.RawMessage("null")
	}
	if p.ClearPriority {
		m["priority"] = json.RawMessage("null")
	}
	return json.Marshal(m)
}

func isNull(v json.RawMessage) bool {
	return v != nil && bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

// Stats summarises a user's tasks.
type Stats struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Pending   int `json:"pending"`
}

// TaskStore represents the actions that can be taken about tasks. Every
// method is scoped by the owning user's id.
type TaskStore interface {
	CreateTask(ctx context.Context, t *Task) error
	FindTask(ctx context.Context, userID, id string) (Task, error)
	FindTasks(ctx context.Context, userID string) ([]Task, error)
	UpdateTask(ctx context.Context, userID, id string, patch TaskPatch, now time.Time) (Task, error)
	ToggleTask(ctx context.Context, userID, id string, now time.Time) (Task, error)
	DeleteTask(ctx context.Context, userID, id string) error
	TaskStats(ctx context.Context, userID string) (Stats, error)
}

// UserStore represents the actions that can be taken about users.
type UserStore interface {
	Authenticate(ctx context.Context, email, password string) (*User, error)
	Create(ctx context.Context, user *User, password string) error
	ByEmail(ctx context.Context, email string) (*User, error)
	ByID(ctx context.Context, id string) (*User, error)
}

// User represents a user in our system.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Cache is a key/value store with per-entry expiry.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// The events pushed to realtime subscribers.
const (
	EventTaskCreated = "taskCreated"
	EventTaskUpdated = "taskUpdated"
	EventTaskDeleted = "taskDeleted"
)

// Event describes a change to a task. Task is set for created and updated
// events, TaskID for deleted events.
type Event struct {
	Type    string
	OwnerID string
	Task    *Task
	TaskID  string
}

// Broadcaster pushes task events to connected clients.
type Broadcaster interface {
	Publish(ev Event)
}
