// ABOUTME: Service dispatcher translating service.request envelopes into collaborator calls.
// ABOUTME: Injects the caller's namespace into every storage call and maps failures to stable codes.

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/mist-broker/internal/protocol"
	"github.com/2389/mist-broker/internal/queue"
	"github.com/2389/mist-broker/internal/store"
)

// Stable error codes carried in service.error payloads.
const (
	CodeUnsupportedOperation = "unsupported_operation"
	CodeNotFound             = "not_found"
	CodeInvalidParams        = "invalid_params"
	CodeCollaboratorFailure  = "collaborator_failure"
	CodeCancelled            = "cancelled"
)

// Caller identifies the agent a service.request came from. Namespace is
// the agent's declared name, stable across connection epochs, so an
// agent's records survive a reconnect.
type Caller struct {
	Identity   string
	Namespace  string
	Privileged bool
}

// Sender delivers reply envelopes back to the caller's channel. The
// router's Channel satisfies this.
type Sender interface {
	Send(env *protocol.Envelope) error
}

// Dispatcher routes service.request envelopes to the storage and
// inference collaborators.
type Dispatcher struct {
	store  store.Store
	queue  *queue.Queue
	logger *slog.Logger
}

// NewDispatcher builds a dispatcher over the given collaborators.
func NewDispatcher(s store.Store, q *queue.Queue, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:  s,
		queue:  q,
		logger: logger.With("component", "service"),
	}
}

// Dispatch handles one service.request. Every request produces at least
// one reply envelope on snd: a service.response, a service.error, or —
// for streaming inference — response.chunk envelopes ending in
// response.end. Inference requests return immediately; their replies are
// delivered when the queue resolves the ticket.
func (d *Dispatcher) Dispatch(ctx context.Context, caller Caller, env *protocol.Envelope, snd Sender) {
	name, _ := env.Payload["service"].(string)
	action, _ := env.Payload["action"].(string)
	params, _ := env.Payload["params"].(map[string]any)
	if params == nil {
		params = map[string]any{}
	}

	if name == "llm" {
		d.dispatchLLM(ctx, caller, env, action, params, snd)
		return
	}

	result, err := d.call(ctx, caller, name, action, params)
	if err != nil {
		d.sendError(env, snd, err)
		return
	}
	d.send(snd, protocol.Reply(env, protocol.BrokerID, protocol.TypeServiceResponse,
		map[string]any{"result": result}))
}

func (d *Dispatcher) call(ctx context.Context, caller Caller, name, action string, params map[string]any) (any, error) {
	switch name {
	case "tasks":
		return d.callTasks(ctx, caller.Namespace, action, params)
	case "events":
		return d.callEvents(ctx, caller.Namespace, action, params)
	case "notes":
		return d.callNotes(ctx, caller.Namespace, action, params)
	case "articles":
		return d.callArticles(ctx, caller.Namespace, action, params)
	case "settings":
		return d.callSettings(ctx, action, params)
	default:
		return nil, &serviceError{
			code: CodeUnsupportedOperation,
			msg:  fmt.Sprintf("unknown service: %s", name),
		}
	}
}

// dispatchLLM submits an inference request to the priority queue.
// Privileged callers schedule at admin priority. The reply is produced
// asynchronously when the ticket resolves; if the caller disconnected in
// the meantime the send fails on a closed channel and the result is
// discarded.
func (d *Dispatcher) dispatchLLM(ctx context.Context, caller Caller, env *protocol.Envelope, action string, params map[string]any, snd Sender) {
	if action != "chat" {
		d.sendError(env, snd, &serviceError{
			code: CodeUnsupportedOperation,
			msg:  fmt.Sprintf("unknown llm action: %s", action),
		})
		return
	}
	prompt, _ := params["prompt"].(string)
	if prompt == "" {
		d.sendError(env, snd, &serviceError{
			code: CodeInvalidParams,
			msg:  "llm.chat requires a prompt",
		})
		return
	}
	system, _ := params["system"].(string)
	model, _ := params["model"].(string)
	command, _ := params["command"].(string)
	stream, _ := params["stream"].(bool)
	temperature := 0.3
	if t, ok := params["temperature"].(float64); ok {
		temperature = t
	}

	req := queue.Request{
		Prompt:      prompt,
		System:      system,
		Model:       resolveModel(ctx, d.store, model, command),
		Command:     command,
		Temperature: temperature,
		Stream:      stream,
	}
	if stream {
		req.OnChunk = func(text string) {
			d.send(snd, protocol.Reply(env, protocol.BrokerID, protocol.TypeResponseChunk,
				map[string]any{"text": text}))
		}
	}

	priority := queue.PriorityAgent
	if caller.Privileged {
		priority = queue.PriorityAdmin
	}
	ticket := d.queue.Submit(caller.Identity, priority, req)

	go func() {
		result, err := ticket.Wait(context.Background())
		switch {
		case errors.Is(err, queue.ErrCancelled):
			// Owner is gone; nothing to deliver.
			d.logger.Debug("inference request cancelled", "identity", caller.Identity)
		case err != nil:
			d.sendError(env, snd, &serviceError{
				code: CodeCollaboratorFailure,
				msg:  err.Error(),
			})
		case stream:
			d.send(snd, protocol.Reply(env, protocol.BrokerID, protocol.TypeResponseEnd,
				map[string]any{"text": result.Text}))
		default:
			d.send(snd, protocol.Reply(env, protocol.BrokerID, protocol.TypeServiceResponse,
				map[string]any{"result": result.Text}))
		}
	}()
}

// ── Tasks ───────────────────────────────────────────────────────────

func (d *Dispatcher) callTasks(ctx context.Context, ns, action string, params map[string]any) (any, error) {
	switch action {
	case "list":
		status, _ := params["status"].(string)
		tasks, err := d.store.ListTasks(ctx, ns, status)
		if err != nil {
			return nil, storeFailure(err)
		}
		return tasksToMaps(tasks), nil
	case "create":
		task := &store.Task{Namespace: ns}
		task.Title, _ = params["title"].(string)
		task.Status, _ = params["status"].(string)
		due, err := optionalTime(params, "due")
		if err != nil {
			return nil, err
		}
		task.Due = due
		if err := d.store.CreateTask(ctx, task); err != nil {
			return nil, storeFailure(err)
		}
		return map[string]any{"task_id": task.ID}, nil
	case "get":
		id, err := requireString(params, "id")
		if err != nil {
			return nil, err
		}
		task, err := d.store.GetTask(ctx, ns, id)
		if err != nil {
			return nil, storeFailure(err)
		}
		return taskToMap(task), nil
	case "update":
		id, err := requireString(params, "id")
		if err != nil {
			return nil, err
		}
		task, err := d.store.GetTask(ctx, ns, id)
		if err != nil {
			return nil, storeFailure(err)
		}
		if title, ok := params["title"].(string); ok {
			task.Title = title
		}
		if status, ok := params["status"].(string); ok {
			task.Status = status
		}
		if _, ok := params["due"]; ok {
			due, err := optionalTime(params, "due")
			if err != nil {
				return nil, err
			}
			task.Due = due
		}
		if err := d.store.UpdateTask(ctx, task); err != nil {
			return nil, storeFailure(err)
		}
		return taskToMap(task), nil
	case "delete":
		id, err := requireString(params, "id")
		if err != nil {
			return nil, err
		}
		if err := d.store.DeleteTask(ctx, ns, id); err != nil {
			return nil, storeFailure(err)
		}
		return true, nil
	case "upcoming":
		days := intParam(params, "days", 7)
		tasks, err := d.store.UpcomingTasks(ctx, ns, time.Duration(days)*24*time.Hour)
		if err != nil {
			return nil, storeFailure(err)
		}
		return tasksToMaps(tasks), nil
	default:
		return nil, &serviceError{
			code: CodeUnsupportedOperation,
			msg:  fmt.Sprintf("unknown tasks action: %s", action),
		}
	}
}

// ── Events ──────────────────────────────────────────────────────────

func (d *Dispatcher) callEvents(ctx context.Context, ns, action string, params map[string]any) (any, error) {
	switch action {
	case "list":
		events, err := d.store.ListEvents(ctx, ns)
		if err != nil {
			return nil, storeFailure(err)
		}
		return eventsToMaps(events), nil
	case "create":
		event := &store.Event{Namespace: ns}
		event.Title, _ = params["title"].(string)
		at, err := optionalTime(params, "at")
		if err != nil {
			return nil, err
		}
		if at != nil {
			event.At = *at
		}
		if err := d.store.CreateEvent(ctx, event); err != nil {
			return nil, storeFailure(err)
		}
		return map[string]any{"event_id": event.ID}, nil
	case "get":
		id, err := requireString(params, "id")
		if err != nil {
			return nil, err
		}
		event, err := d.store.GetEvent(ctx, ns, id)
		if err != nil {
			return nil, storeFailure(err)
		}
		return eventToMap(event), nil
	case "delete":
		id, err := requireString(params, "id")
		if err != nil {
			return nil, err
		}
		if err := d.store.DeleteEvent(ctx, ns, id); err != nil {
			return nil, storeFailure(err)
		}
		return true, nil
	case "upcoming":
		days := intParam(params, "days", 3)
		events, err := d.store.UpcomingEvents(ctx, ns, time.Duration(days)*24*time.Hour)
		if err != nil {
			return nil, storeFailure(err)
		}
		return eventsToMaps(events), nil
	default:
		return nil, &serviceError{
			code: CodeUnsupportedOperation,
			msg:  fmt.Sprintf("unknown events action: %s", action),
		}
	}
}

// ── Notes ───────────────────────────────────────────────────────────

func (d *Dispatcher) callNotes(ctx context.Context, ns, action string, params map[string]any) (any, error) {
	switch action {
	case "set":
		key, err := requireString(params, "key")
		if err != nil {
			return nil, err
		}
		value, _ := params["value"].(string)
		if err := d.store.SetNote(ctx, ns, key, value); err != nil {
			return nil, storeFailure(err)
		}
		return true, nil
	case "get":
		key, err := requireString(params, "key")
		if err != nil {
			return nil, err
		}
		note, err := d.store.GetNote(ctx, ns, key)
		if err != nil {
			return nil, storeFailure(err)
		}
		return noteToMap(note), nil
	case "list":
		notes, err := d.store.ListNotes(ctx, ns)
		if err != nil {
			return nil, storeFailure(err)
		}
		rows := make([]map[string]any, 0, len(notes))
		for _, note := range notes {
			rows = append(rows, noteToMap(note))
		}
		return rows, nil
	case "delete":
		key, err := requireString(params, "key")
		if err != nil {
			return nil, err
		}
		if err := d.store.DeleteNote(ctx, ns, key); err != nil {
			return nil, storeFailure(err)
		}
		return true, nil
	default:
		return nil, &serviceError{
			code: CodeUnsupportedOperation,
			msg:  fmt.Sprintf("unknown notes action: %s", action),
		}
	}
}

// ── Articles ────────────────────────────────────────────────────────

func (d *Dispatcher) callArticles(ctx context.Context, ns, action string, params map[string]any) (any, error) {
	switch action {
	case "list":
		tag, _ := params["tag"].(string)
		articles, err := d.store.ListArticles(ctx, ns, tag)
		if err != nil {
			return nil, storeFailure(err)
		}
		rows := make([]map[string]any, 0, len(articles))
		for _, article := range articles {
			rows = append(rows, articleToMap(article))
		}
		return rows, nil
	case "create":
		article := &store.Article{Namespace: ns}
		article.Title, _ = params["title"].(string)
		article.Body, _ = params["body"].(string)
		if tags, ok := params["tags"].([]any); ok {
			for _, t := range tags {
				if tag, ok := t.(string); ok {
					article.Tags = append(article.Tags, tag)
				}
			}
		}
		if err := d.store.CreateArticle(ctx, article); err != nil {
			return nil, storeFailure(err)
		}
		return map[string]any{"article_id": article.ID}, nil
	case "get":
		id, err := requireString(params, "id")
		if err != nil {
			return nil, err
		}
		article, err := d.store.GetArticle(ctx, ns, id)
		if err != nil {
			return nil, storeFailure(err)
		}
		return articleToMap(article), nil
	case "update":
		id, err := requireString(params, "id")
		if err != nil {
			return nil, err
		}
		article, err := d.store.GetArticle(ctx, ns, id)
		if err != nil {
			return nil, storeFailure(err)
		}
		if title, ok := params["title"].(string); ok {
			article.Title = title
		}
		if body, ok := params["body"].(string); ok {
			article.Body = body
		}
		if err := d.store.UpdateArticle(ctx, article); err != nil {
			return nil, storeFailure(err)
		}
		return articleToMap(article), nil
	case "delete":
		id, err := requireString(params, "id")
		if err != nil {
			return nil, err
		}
		if err := d.store.DeleteArticle(ctx, ns, id); err != nil {
			return nil, storeFailure(err)
		}
		return true, nil
	case "add_tag":
		id, err := requireString(params, "id")
		if err != nil {
			return nil, err
		}
		tag, err := requireString(params, "tag")
		if err != nil {
			return nil, err
		}
		if err := d.store.AddTag(ctx, ns, id, tag); err != nil {
			return nil, storeFailure(err)
		}
		return true, nil
	case "remove_tag":
		id, err := requireString(params, "id")
		if err != nil {
			return nil, err
		}
		tag, err := requireString(params, "tag")
		if err != nil {
			return nil, err
		}
		if err := d.store.RemoveTag(ctx, ns, id, tag); err != nil {
			return nil, storeFailure(err)
		}
		return true, nil
	case "list_tags":
		tags, err := d.store.ListTags(ctx, ns)
		if err != nil {
			return nil, storeFailure(err)
		}
		return tags, nil
	default:
		return nil, &serviceError{
			code: CodeUnsupportedOperation,
			msg:  fmt.Sprintf("unknown articles action: %s", action),
		}
	}
}

// ── Settings ────────────────────────────────────────────────────────

func (d *Dispatcher) callSettings(ctx context.Context, action string, params map[string]any) (any, error) {
	switch action {
	case "get":
		key, err := requireString(params, "key")
		if err != nil {
			return nil, err
		}
		if !isValidSettingKey(key) {
			return nil, &serviceError{
				code: CodeInvalidParams,
				msg:  fmt.Sprintf("unknown setting key: %s", key),
			}
		}
		value, err := settingOrEmpty(ctx, d.store, key)
		if err != nil {
			return nil, storeFailure(err)
		}
		return value, nil
	case "set":
		key, err := requireString(params, "key")
		if err != nil {
			return nil, err
		}
		if !isValidSettingKey(key) {
			return nil, &serviceError{
				code: CodeInvalidParams,
				msg:  fmt.Sprintf("unknown setting key: %s", key),
			}
		}
		value, _ := params["value"].(string)
		if err := d.store.SetSetting(ctx, key, value); err != nil {
			return nil, storeFailure(err)
		}
		return true, nil
	case "load_all":
		settings, err := d.store.AllSettings(ctx)
		if err != nil {
			return nil, storeFailure(err)
		}
		return settings, nil
	case "get_model":
		command, _ := params["command"].(string)
		return resolveModel(ctx, d.store, "", command), nil
	case "is_valid_key":
		key, err := requireString(params, "key")
		if err != nil {
			return nil, err
		}
		return isValidSettingKey(key), nil
	default:
		return nil, &serviceError{
			code: CodeUnsupportedOperation,
			msg:  fmt.Sprintf("unknown settings action: %s", action),
		}
	}
}

// ── Error handling ──────────────────────────────────────────────────

// serviceError carries a stable code plus a human-readable message into
// a service.error envelope.
type serviceError struct {
	code string
	msg  string
}

func (e *serviceError) Error() string { return e.msg }

// storeFailure maps storage collaborator errors onto stable codes. The
// router never sees a raw collaborator fault.
func storeFailure(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return &serviceError{code: CodeNotFound, msg: err.Error()}
	case errors.Is(err, store.ErrInvalid):
		return &serviceError{code: CodeInvalidParams, msg: err.Error()}
	default:
		return &serviceError{code: CodeCollaboratorFailure, msg: err.Error()}
	}
}

func (d *Dispatcher) sendError(env *protocol.Envelope, snd Sender, err error) {
	code := CodeCollaboratorFailure
	var se *serviceError
	if errors.As(err, &se) {
		code = se.code
	}
	d.send(snd, protocol.Reply(env, protocol.BrokerID, protocol.TypeServiceError,
		map[string]any{"code": code, "error": err.Error()}))
}

func (d *Dispatcher) send(snd Sender, env *protocol.Envelope) {
	if err := snd.Send(env); err != nil {
		d.logger.Debug("dropping reply for closed channel", "type", env.Type, "error", err)
	}
}

// ── Param helpers ───────────────────────────────────────────────────

func requireString(params map[string]any, key string) (string, error) {
	v, ok := params[key].(string)
	if !ok || v == "" {
		return "", &serviceError{
			code: CodeInvalidParams,
			msg:  fmt.Sprintf("missing required param: %s", key),
		}
	}
	return v, nil
}

func intParam(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}

func optionalTime(params map[string]any, key string) (*time.Time, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return nil, nil
	}
	s, ok := raw.(string)
	if !ok {
		return nil, &serviceError{
			code: CodeInvalidParams,
			msg:  fmt.Sprintf("param %s must be an RFC 3339 timestamp", key),
		}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, &serviceError{
			code: CodeInvalidParams,
			msg:  fmt.Sprintf("param %s: %v", key, err),
		}
	}
	return &t, nil
}

// ── Serialization ───────────────────────────────────────────────────

func taskToMap(task *store.Task) map[string]any {
	row := map[string]any{
		"id":         task.ID,
		"title":      task.Title,
		"status":     task.Status,
		"created_at": task.CreatedAt.Format(time.RFC3339),
		"updated_at": task.UpdatedAt.Format(time.RFC3339),
	}
	if task.Due != nil {
		row["due"] = task.Due.Format(time.RFC3339)
	}
	return row
}

func tasksToMaps(tasks []*store.Task) []map[string]any {
	rows := make([]map[string]any, 0, len(tasks))
	for _, task := range tasks {
		rows = append(rows, taskToMap(task))
	}
	return rows
}

func eventToMap(event *store.Event) map[string]any {
	return map[string]any{
		"id":         event.ID,
		"title":      event.Title,
		"at":         event.At.Format(time.RFC3339),
		"created_at": event.CreatedAt.Format(time.RFC3339),
	}
}

func eventsToMaps(events []*store.Event) []map[string]any {
	rows := make([]map[string]any, 0, len(events))
	for _, event := range events {
		rows = append(rows, eventToMap(event))
	}
	return rows
}

func noteToMap(note *store.Note) map[string]any {
	return map[string]any{
		"key":        note.Key,
		"value":      note.Value,
		"created_at": note.CreatedAt.Format(time.RFC3339),
		"updated_at": note.UpdatedAt.Format(time.RFC3339),
	}
}

func articleToMap(article *store.Article) map[string]any {
	tags := article.Tags
	if tags == nil {
		tags = []string{}
	}
	return map[string]any{
		"id":         article.ID,
		"title":      article.Title,
		"body":       article.Body,
		"tags":       tags,
		"created_at": article.CreatedAt.Format(time.RFC3339),
		"updated_at": article.UpdatedAt.Format(time.RFC3339),
	}
}
