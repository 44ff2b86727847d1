// ABOUTME: Tests for the SQLite store implementation.
// ABOUTME: Covers namespaced CRUD for tasks, events, notes, articles, and settings.

package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestTaskCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := &Task{Namespace: "notes", Title: "write report"}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if task.ID == "" {
		t.Fatal("CreateTask did not assign an id")
	}
	if task.Status != TaskPending {
		t.Errorf("default status = %q, want %q", task.Status, TaskPending)
	}

	got, err := s.GetTask(ctx, "notes", task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Title != "write report" {
		t.Errorf("title = %q", got.Title)
	}

	got.Status = TaskCompleted
	if err := s.UpdateTask(ctx, got); err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}
	updated, _ := s.GetTask(ctx, "notes", task.ID)
	if updated.Status != TaskCompleted {
		t.Errorf("status after update = %q", updated.Status)
	}

	if err := s.DeleteTask(ctx, "notes", task.ID); err != nil {
		t.Fatalf("DeleteTask failed: %v", err)
	}
	if _, err := s.GetTask(ctx, "notes", task.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTask after delete = %v, want ErrNotFound", err)
	}
}

func TestTaskValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateTask(ctx, &Task{Namespace: "notes"}); !errors.Is(err, ErrInvalid) {
		t.Errorf("empty title: err = %v, want ErrInvalid", err)
	}
	if err := s.CreateTask(ctx, &Task{Namespace: "notes", Title: "x", Status: "bogus"}); !errors.Is(err, ErrInvalid) {
		t.Errorf("bad status: err = %v, want ErrInvalid", err)
	}
}

func TestTaskNamespaceIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := &Task{Namespace: "notes", Title: "private"}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	if _, err := s.GetTask(ctx, "calendar", task.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-namespace GetTask = %v, want ErrNotFound", err)
	}
	if err := s.DeleteTask(ctx, "calendar", task.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-namespace DeleteTask = %v, want ErrNotFound", err)
	}
	other, err := s.ListTasks(ctx, "calendar", "")
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("calendar namespace sees %d foreign tasks", len(other))
	}
}

func TestUpcomingTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	soon := time.Now().Add(24 * time.Hour)
	far := time.Now().Add(30 * 24 * time.Hour)

	for _, tc := range []struct {
		title  string
		due    *time.Time
		status string
	}{
		{"due soon", &soon, TaskPending},
		{"due far", &far, TaskPending},
		{"no due date", nil, TaskPending},
		{"done and due", &soon, TaskCompleted},
	} {
		task := &Task{Namespace: "notes", Title: tc.title, Due: tc.due, Status: tc.status}
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask %q failed: %v", tc.title, err)
		}
	}

	upcoming, err := s.UpcomingTasks(ctx, "notes", 7*24*time.Hour)
	if err != nil {
		t.Fatalf("UpcomingTasks failed: %v", err)
	}
	if len(upcoming) != 1 || upcoming[0].Title != "due soon" {
		t.Errorf("upcoming = %+v, want only the pending task due soon", upcoming)
	}
}

func TestEventCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateEvent(ctx, &Event{Namespace: "calendar", Title: "no time"}); !errors.Is(err, ErrInvalid) {
		t.Errorf("missing time: err = %v, want ErrInvalid", err)
	}

	event := &Event{Namespace: "calendar", Title: "standup", At: time.Now().Add(time.Hour)}
	if err := s.CreateEvent(ctx, event); err != nil {
		t.Fatalf("CreateEvent failed: %v", err)
	}

	got, err := s.GetEvent(ctx, "calendar", event.ID)
	if err != nil {
		t.Fatalf("GetEvent failed: %v", err)
	}
	if got.Title != "standup" {
		t.Errorf("title = %q", got.Title)
	}

	upcoming, err := s.UpcomingEvents(ctx, "calendar", 24*time.Hour)
	if err != nil {
		t.Fatalf("UpcomingEvents failed: %v", err)
	}
	if len(upcoming) != 1 {
		t.Errorf("upcoming = %d events, want 1", len(upcoming))
	}

	if err := s.DeleteEvent(ctx, "calendar", event.ID); err != nil {
		t.Fatalf("DeleteEvent failed: %v", err)
	}
	if _, err := s.GetEvent(ctx, "calendar", event.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetEvent after delete = %v, want ErrNotFound", err)
	}
}

func TestNotesUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetNote(ctx, "notes", "mood", "curious"); err != nil {
		t.Fatalf("SetNote failed: %v", err)
	}
	if err := s.SetNote(ctx, "notes", "mood", "focused"); err != nil {
		t.Fatalf("SetNote overwrite failed: %v", err)
	}

	note, err := s.GetNote(ctx, "notes", "mood")
	if err != nil {
		t.Fatalf("GetNote failed: %v", err)
	}
	if note.Value != "focused" {
		t.Errorf("value = %q, want overwrite to win", note.Value)
	}

	// Same key in another namespace is independent.
	if err := s.SetNote(ctx, "calendar", "mood", "busy"); err != nil {
		t.Fatalf("SetNote failed: %v", err)
	}
	other, _ := s.GetNote(ctx, "calendar", "mood")
	if other.Value != "busy" {
		t.Errorf("namespaces share note values: %q", other.Value)
	}

	if err := s.DeleteNote(ctx, "notes", "mood"); err != nil {
		t.Fatalf("DeleteNote failed: %v", err)
	}
	if _, err := s.GetNote(ctx, "notes", "mood"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetNote after delete = %v, want ErrNotFound", err)
	}
}

func TestArticlesAndTags(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	article := &Article{
		Namespace: "notes",
		Title:     "On brokers",
		Body:      "message passing considered useful",
		Tags:      []string{"design", "messaging"},
	}
	if err := s.CreateArticle(ctx, article); err != nil {
		t.Fatalf("CreateArticle failed: %v", err)
	}

	got, err := s.GetArticle(ctx, "notes", article.ID)
	if err != nil {
		t.Fatalf("GetArticle failed: %v", err)
	}
	if len(got.Tags) != 2 {
		t.Errorf("tags = %v, want 2", got.Tags)
	}

	if err := s.AddTag(ctx, "notes", article.ID, "golang"); err != nil {
		t.Fatalf("AddTag failed: %v", err)
	}
	if err := s.RemoveTag(ctx, "notes", article.ID, "design"); err != nil {
		t.Fatalf("RemoveTag failed: %v", err)
	}

	byTag, err := s.ListArticles(ctx, "notes", "golang")
	if err != nil {
		t.Fatalf("ListArticles by tag failed: %v", err)
	}
	if len(byTag) != 1 {
		t.Errorf("ListArticles(golang) = %d, want 1", len(byTag))
	}
	none, _ := s.ListArticles(ctx, "notes", "design")
	if len(none) != 0 {
		t.Errorf("removed tag still matches %d articles", len(none))
	}

	tags, err := s.ListTags(ctx, "notes")
	if err != nil {
		t.Fatalf("ListTags failed: %v", err)
	}
	if len(tags) != 2 {
		t.Errorf("tags = %v, want [golang messaging]", tags)
	}

	// Deleting the article cascades over its tags.
	if err := s.DeleteArticle(ctx, "notes", article.ID); err != nil {
		t.Fatalf("DeleteArticle failed: %v", err)
	}
	tags, _ = s.ListTags(ctx, "notes")
	if len(tags) != 0 {
		t.Errorf("tags survive article deletion: %v", tags)
	}
}

func TestSettings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetSetting(ctx, "model"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unset setting = %v, want ErrNotFound", err)
	}

	if err := s.SetSetting(ctx, "model", "gemma3:1b"); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}
	if err := s.SetSetting(ctx, "model", "gemma3:4b"); err != nil {
		t.Fatalf("SetSetting overwrite failed: %v", err)
	}

	value, err := s.GetSetting(ctx, "model")
	if err != nil {
		t.Fatalf("GetSetting failed: %v", err)
	}
	if value != "gemma3:4b" {
		t.Errorf("value = %q", value)
	}

	all, err := s.AllSettings(ctx)
	if err != nil {
		t.Fatalf("AllSettings failed: %v", err)
	}
	if all["model"] != "gemma3:4b" {
		t.Errorf("AllSettings = %v", all)
	}
}
