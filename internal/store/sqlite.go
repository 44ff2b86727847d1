// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite.
// ABOUTME: Namespaced tables with automatic schema creation, WAL mode, and foreign keys.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path. The
// schema is created automatically; parent directories are created if
// needed. Use ":memory:" for an ephemeral store in tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// In-memory databases vanish when their sole connection closes.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			namespace TEXT NOT NULL,
			title TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			due TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_namespace ON tasks(namespace);

		CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			namespace TEXT NOT NULL,
			title TEXT NOT NULL,
			at TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_namespace ON events(namespace);

		CREATE TABLE IF NOT EXISTS notes (
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (namespace, key)
		);

		CREATE TABLE IF NOT EXISTS articles (
			id TEXT PRIMARY KEY,
			namespace TEXT NOT NULL,
			title TEXT NOT NULL,
			body TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_articles_namespace ON articles(namespace);

		CREATE TABLE IF NOT EXISTS article_tags (
			article_id TEXT NOT NULL REFERENCES articles(id) ON DELETE CASCADE,
			tag TEXT NOT NULL,
			PRIMARY KEY (article_id, tag)
		);

		CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// ── Tasks ───────────────────────────────────────────────────────────

// CreateTask inserts a task, assigning an ID and timestamps if unset.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *Task) error {
	if task.Title == "" {
		return fmt.Errorf("%w: task title is required", ErrInvalid)
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = TaskPending
	}
	switch task.Status {
	case TaskPending, TaskInProgress, TaskCompleted:
	default:
		return fmt.Errorf("%w: unknown task status %q", ErrInvalid, task.Status)
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	var due any
	if task.Due != nil {
		due = formatTime(*task.Due)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, namespace, title, status, due, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Namespace, task.Title, task.Status, due,
		formatTime(task.CreatedAt), formatTime(task.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	return nil
}

// GetTask fetches one task within the namespace.
func (s *SQLiteStore) GetTask(ctx context.Context, namespace, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, namespace, title, status, due, created_at, updated_at
		FROM tasks WHERE namespace = ? AND id = ?`, namespace, id)
	return scanTask(row)
}

// ListTasks returns the namespace's tasks, optionally filtered by status,
// newest first.
func (s *SQLiteStore) ListTasks(ctx context.Context, namespace, status string) ([]*Task, error) {
	query := `
		SELECT id, namespace, title, status, due, created_at, updated_at
		FROM tasks WHERE namespace = ?`
	args := []any{namespace}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// UpdateTask rewrites the mutable fields of a task.
func (s *SQLiteStore) UpdateTask(ctx context.Context, task *Task) error {
	task.UpdatedAt = time.Now().UTC()
	var due any
	if task.Due != nil {
		due = formatTime(*task.Due)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET title = ?, status = ?, due = ?, updated_at = ?
		WHERE namespace = ? AND id = ?`,
		task.Title, task.Status, due, formatTime(task.UpdatedAt),
		task.Namespace, task.ID,
	)
	if err != nil {
		return fmt.Errorf("updating task: %w", err)
	}
	return requireRow(res)
}

// DeleteTask removes one task within the namespace.
func (s *SQLiteStore) DeleteTask(ctx context.Context, namespace, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE namespace = ? AND id = ?`, namespace, id)
	if err != nil {
		return fmt.Errorf("deleting task: %w", err)
	}
	return requireRow(res)
}

// UpcomingTasks returns non-completed tasks due within the horizon,
// soonest first.
func (s *SQLiteStore) UpcomingTasks(ctx context.Context, namespace string, within time.Duration) ([]*Task, error) {
	horizon := formatTime(time.Now().Add(within))
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, namespace, title, status, due, created_at, updated_at
		FROM tasks
		WHERE namespace = ? AND status != ? AND due IS NOT NULL AND due <= ?
		ORDER BY due ASC`,
		namespace, TaskCompleted, horizon)
	if err != nil {
		return nil, fmt.Errorf("listing upcoming tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var task Task
	var due sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&task.ID, &task.Namespace, &task.Title, &task.Status,
		&due, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning task: %w", err)
	}
	if due.Valid {
		t, err := parseTime(due.String)
		if err != nil {
			return nil, fmt.Errorf("parsing task due: %w", err)
		}
		task.Due = &t
	}
	if task.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing task created_at: %w", err)
	}
	if task.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing task updated_at: %w", err)
	}
	return &task, nil
}

func collectTasks(rows *sql.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// ── Events ──────────────────────────────────────────────────────────

// CreateEvent inserts an event, assigning an ID if unset.
func (s *SQLiteStore) CreateEvent(ctx context.Context, event *Event) error {
	if event.Title == "" {
		return fmt.Errorf("%w: event title is required", ErrInvalid)
	}
	if event.At.IsZero() {
		return fmt.Errorf("%w: event time is required", ErrInvalid)
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, namespace, title, at, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		event.ID, event.Namespace, event.Title,
		formatTime(event.At), formatTime(event.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// GetEvent fetches one event within the namespace.
func (s *SQLiteStore) GetEvent(ctx context.Context, namespace, id string) (*Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, namespace, title, at, created_at
		FROM events WHERE namespace = ? AND id = ?`, namespace, id)
	return scanEvent(row)
}

// ListEvents returns the namespace's events in chronological order.
func (s *SQLiteStore) ListEvents(ctx context.Context, namespace string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, namespace, title, at, created_at
		FROM events WHERE namespace = ? ORDER BY at ASC`, namespace)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// DeleteEvent removes one event within the namespace.
func (s *SQLiteStore) DeleteEvent(ctx context.Context, namespace, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE namespace = ? AND id = ?`, namespace, id)
	if err != nil {
		return fmt.Errorf("deleting event: %w", err)
	}
	return requireRow(res)
}

// UpcomingEvents returns events within the horizon, soonest first.
func (s *SQLiteStore) UpcomingEvents(ctx context.Context, namespace string, within time.Duration) ([]*Event, error) {
	now := time.Now()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, namespace, title, at, created_at
		FROM events WHERE namespace = ? AND at >= ? AND at <= ?
		ORDER BY at ASC`,
		namespace, formatTime(now), formatTime(now.Add(within)))
	if err != nil {
		return nil, fmt.Errorf("listing upcoming events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

func scanEvent(row rowScanner) (*Event, error) {
	var event Event
	var at, createdAt string
	err := row.Scan(&event.ID, &event.Namespace, &event.Title, &at, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning event: %w", err)
	}
	if event.At, err = parseTime(at); err != nil {
		return nil, fmt.Errorf("parsing event time: %w", err)
	}
	if event.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing event created_at: %w", err)
	}
	return &event, nil
}

func collectEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// ── Notes ───────────────────────────────────────────────────────────

// SetNote creates or overwrites the note at (namespace, key).
func (s *SQLiteStore) SetNote(ctx context.Context, namespace, key, value string) error {
	if key == "" {
		return fmt.Errorf("%w: note key is required", ErrInvalid)
	}
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notes (namespace, key, value, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (namespace, key)
		DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, value, now, now,
	)
	if err != nil {
		return fmt.Errorf("setting note: %w", err)
	}
	return nil
}

// GetNote fetches the note at (namespace, key).
func (s *SQLiteStore) GetNote(ctx context.Context, namespace, key string) (*Note, error) {
	var note Note
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT namespace, key, value, created_at, updated_at
		FROM notes WHERE namespace = ? AND key = ?`, namespace, key).
		Scan(&note.Namespace, &note.Key, &note.Value, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting note: %w", err)
	}
	if note.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing note created_at: %w", err)
	}
	if note.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing note updated_at: %w", err)
	}
	return &note, nil
}

// ListNotes returns the namespace's notes ordered by key.
func (s *SQLiteStore) ListNotes(ctx context.Context, namespace string) ([]*Note, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT namespace, key, value, created_at, updated_at
		FROM notes WHERE namespace = ? ORDER BY key ASC`, namespace)
	if err != nil {
		return nil, fmt.Errorf("listing notes: %w", err)
	}
	defer rows.Close()

	var notes []*Note
	for rows.Next() {
		var note Note
		var createdAt, updatedAt string
		if err := rows.Scan(&note.Namespace, &note.Key, &note.Value, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning note: %w", err)
		}
		if note.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing note created_at: %w", err)
		}
		if note.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parsing note updated_at: %w", err)
		}
		notes = append(notes, &note)
	}
	return notes, rows.Err()
}

// DeleteNote removes the note at (namespace, key).
func (s *SQLiteStore) DeleteNote(ctx context.Context, namespace, key string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM notes WHERE namespace = ? AND key = ?`, namespace, key)
	if err != nil {
		return fmt.Errorf("deleting note: %w", err)
	}
	return requireRow(res)
}

// ── Articles ────────────────────────────────────────────────────────

// CreateArticle inserts an article with its tags.
func (s *SQLiteStore) CreateArticle(ctx context.Context, article *Article) error {
	if article.Title == "" {
		return fmt.Errorf("%w: article title is required", ErrInvalid)
	}
	if article.ID == "" {
		article.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if article.CreatedAt.IsZero() {
		article.CreatedAt = now
	}
	article.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO articles (id, namespace, title, body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		article.ID, article.Namespace, article.Title, article.Body,
		formatTime(article.CreatedAt), formatTime(article.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting article: %w", err)
	}
	for _, tag := range article.Tags {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO article_tags (article_id, tag) VALUES (?, ?)`,
			article.ID, tag); err != nil {
			return fmt.Errorf("inserting article tag: %w", err)
		}
	}
	return tx.Commit()
}

// GetArticle fetches one article with its tags.
func (s *SQLiteStore) GetArticle(ctx context.Context, namespace, id string) (*Article, error) {
	var article Article
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, namespace, title, body, created_at, updated_at
		FROM articles WHERE namespace = ? AND id = ?`, namespace, id).
		Scan(&article.ID, &article.Namespace, &article.Title, &article.Body,
			&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting article: %w", err)
	}
	if article.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing article created_at: %w", err)
	}
	if article.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing article updated_at: %w", err)
	}
	if article.Tags, err = s.tagsFor(ctx, article.ID); err != nil {
		return nil, err
	}
	return &article, nil
}

// ListArticles returns the namespace's articles, optionally filtered by
// tag, newest first.
func (s *SQLiteStore) ListArticles(ctx context.Context, namespace, tag string) ([]*Article, error) {
	query := `
		SELECT a.id, a.namespace, a.title, a.body, a.created_at, a.updated_at
		FROM articles a`
	args := []any{}
	if tag != "" {
		query += ` JOIN article_tags t ON t.article_id = a.id AND t.tag = ?`
		args = append(args, tag)
	}
	query += ` WHERE a.namespace = ? ORDER BY a.created_at DESC`
	args = append(args, namespace)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing articles: %w", err)
	}
	defer rows.Close()

	var articles []*Article
	for rows.Next() {
		var article Article
		var createdAt, updatedAt string
		if err := rows.Scan(&article.ID, &article.Namespace, &article.Title,
			&article.Body, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning article: %w", err)
		}
		if article.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing article created_at: %w", err)
		}
		if article.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parsing article updated_at: %w", err)
		}
		articles = append(articles, &article)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, article := range articles {
		if article.Tags, err = s.tagsFor(ctx, article.ID); err != nil {
			return nil, err
		}
	}
	return articles, nil
}

// UpdateArticle rewrites the title and body of an article.
func (s *SQLiteStore) UpdateArticle(ctx context.Context, article *Article) error {
	article.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE articles SET title = ?, body = ?, updated_at = ?
		WHERE namespace = ? AND id = ?`,
		article.Title, article.Body, formatTime(article.UpdatedAt),
		article.Namespace, article.ID,
	)
	if err != nil {
		return fmt.Errorf("updating article: %w", err)
	}
	return requireRow(res)
}

// DeleteArticle removes one article; tags cascade.
func (s *SQLiteStore) DeleteArticle(ctx context.Context, namespace, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM articles WHERE namespace = ? AND id = ?`, namespace, id)
	if err != nil {
		return fmt.Errorf("deleting article: %w", err)
	}
	return requireRow(res)
}

// AddTag attaches a tag to an article in the namespace.
func (s *SQLiteStore) AddTag(ctx context.Context, namespace, id, tag string) error {
	if tag == "" {
		return fmt.Errorf("%w: tag is required", ErrInvalid)
	}
	if _, err := s.GetArticle(ctx, namespace, id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO article_tags (article_id, tag) VALUES (?, ?)`, id, tag)
	if err != nil {
		return fmt.Errorf("adding tag: %w", err)
	}
	return nil
}

// RemoveTag detaches a tag from an article in the namespace.
func (s *SQLiteStore) RemoveTag(ctx context.Context, namespace, id, tag string) error {
	if _, err := s.GetArticle(ctx, namespace, id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM article_tags WHERE article_id = ? AND tag = ?`, id, tag)
	if err != nil {
		return fmt.Errorf("removing tag: %w", err)
	}
	return nil
}

// ListTags returns the distinct tags used within the namespace.
func (s *SQLiteStore) ListTags(ctx context.Context, namespace string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT t.tag FROM article_tags t
		JOIN articles a ON a.id = t.article_id
		WHERE a.namespace = ? ORDER BY t.tag ASC`, namespace)
	if err != nil {
		return nil, fmt.Errorf("listing tags: %w", err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("scanning tag: %w", err)
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

func (s *SQLiteStore) tagsFor(ctx context.Context, articleID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tag FROM article_tags WHERE article_id = ? ORDER BY tag ASC`, articleID)
	if err != nil {
		return nil, fmt.Errorf("loading article tags: %w", err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("scanning article tag: %w", err)
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// ── Settings ────────────────────────────────────────────────────────

// GetSetting returns the value for key, or ErrNotFound.
func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("getting setting: %w", err)
	}
	return value, nil
}

// SetSetting creates or overwrites a setting.
func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	if key == "" {
		return fmt.Errorf("%w: setting key is required", ErrInvalid)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("setting %q: %w", key, err)
	}
	return nil
}

// AllSettings returns every stored setting.
func (s *SQLiteStore) AllSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scanning setting: %w", err)
		}
		settings[key] = value
	}
	return settings, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
