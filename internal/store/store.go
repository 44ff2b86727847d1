// ABOUTME: Store interface and record types for the broker's namespaced persistence.
// ABOUTME: Every record is scoped to the namespace the dispatcher injects.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalid is returned when record fields fail validation.
var ErrInvalid = errors.New("invalid record")

// Task statuses.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
)

// Task is a namespaced todo item.
type Task struct {
	ID        string
	Namespace string
	Title     string
	Status    string
	Due       *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Event is a namespaced calendar entry.
type Event struct {
	ID        string
	Namespace string
	Title     string
	At        time.Time
	CreatedAt time.Time
}

// Note is a namespaced key-value document.
type Note struct {
	Namespace string
	Key       string
	Value     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Article is a namespaced free-form document with tags.
type Article struct {
	ID        string
	Namespace string
	Title     string
	Body      string
	Tags      []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store is the persistence surface the service dispatcher calls into.
// Implementations must be safe for concurrent use.
type Store interface {
	// Tasks
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, namespace, id string) (*Task, error)
	ListTasks(ctx context.Context, namespace, status string) ([]*Task, error)
	UpdateTask(ctx context.Context, task *Task) error
	DeleteTask(ctx context.Context, namespace, id string) error
	UpcomingTasks(ctx context.Context, namespace string, within time.Duration) ([]*Task, error)

	// Events
	CreateEvent(ctx context.Context, event *Event) error
	GetEvent(ctx context.Context, namespace, id string) (*Event, error)
	ListEvents(ctx context.Context, namespace string) ([]*Event, error)
	DeleteEvent(ctx context.Context, namespace, id string) error
	UpcomingEvents(ctx context.Context, namespace string, within time.Duration) ([]*Event, error)

	// Notes
	SetNote(ctx context.Context, namespace, key, value string) error
	GetNote(ctx context.Context, namespace, key string) (*Note, error)
	ListNotes(ctx context.Context, namespace string) ([]*Note, error)
	DeleteNote(ctx context.Context, namespace, key string) error

	// Articles
	CreateArticle(ctx context.Context, article *Article) error
	GetArticle(ctx context.Context, namespace, id string) (*Article, error)
	ListArticles(ctx context.Context, namespace, tag string) ([]*Article, error)
	UpdateArticle(ctx context.Context, article *Article) error
	DeleteArticle(ctx context.Context, namespace, id string) error
	AddTag(ctx context.Context, namespace, id, tag string) error
	RemoveTag(ctx context.Context, namespace, id, tag string) error
	ListTags(ctx context.Context, namespace string) ([]string, error)

	// Settings (global, not namespaced)
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	AllSettings(ctx context.Context) (map[string]string, error)

	Close() error
}
