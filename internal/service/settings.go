// ABOUTME: Setting key validation and model resolution chain for the settings service.
// ABOUTME: Per-command model overrides take precedence over the global model setting.

package service

import (
	"context"
	"errors"

	"github.com/2389/mist-broker/internal/store"
)

// Commands that can carry per-command model overrides (model_<command>).
var modelCommands = []string{
	"reflect", "recall", "sync", "resynth", "synthesis",
	"aggregate", "extract", "persona", "profile", "review",
}

var validSettingKeys = map[string]bool{
	"agency_mode":         true,
	"context_tasks_days":  true,
	"context_events_days": true,
	"model":               true,
}

func init() {
	for _, cmd := range modelCommands {
		validSettingKeys["model_"+cmd] = true
	}
}

// isValidSettingKey reports whether key is a recognised setting name.
func isValidSettingKey(key string) bool {
	return validSettingKeys[key]
}

// resolveModel walks the override chain for an inference call:
// explicit request model, then model_<command>, then the global model
// setting. An empty return lets the client fall back to its default.
func resolveModel(ctx context.Context, s store.Store, explicit, command string) string {
	if explicit != "" {
		return explicit
	}
	if command != "" {
		if v, err := s.GetSetting(ctx, "model_"+command); err == nil && v != "" {
			return v
		}
	}
	if v, err := s.GetSetting(ctx, "model"); err == nil && v != "" {
		return v
	}
	return ""
}

func settingOrEmpty(ctx context.Context, s store.Store, key string) (string, error) {
	v, err := s.GetSetting(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	return v, err
}
