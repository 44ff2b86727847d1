// ABOUTME: Manifest types describing an agent's declared name, commands, and panels.
// ABOUTME: Unknown manifest fields are preserved opaquely and round-tripped.

package registry

// Command describes one command an agent handles.
type Command struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Usage       string `json:"usage,omitempty"`
}

// Panel describes one UI panel or widget an agent contributes.
type Panel struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

// Manifest kinds. UI-class connections register like agents but are
// excluded from the catalog and from broadcast fan-out.
const (
	KindAgent = "agent"
	KindUI    = "ui"
)

// Manifest is an agent's self-declared description, carried in the
// agent.register payload.
type Manifest struct {
	Name        string
	Description string
	Kind        string
	Commands    []Command
	Panels      []Panel

	// Extra holds manifest fields the broker does not interpret. They
	// are round-tripped into catalog entries untouched.
	Extra map[string]any
}

var knownManifestKeys = map[string]bool{
	"name":        true,
	"description": true,
	"kind":        true,
	"commands":    true,
	"panels":      true,
}

// ManifestFromPayload builds a Manifest from a registration payload.
// Missing fields default to empty; a missing name falls back to "agent".
func ManifestFromPayload(payload map[string]any) Manifest {
	m := Manifest{Name: "agent", Kind: KindAgent}
	if name, ok := payload["name"].(string); ok && name != "" {
		m.Name = name
	}
	if desc, ok := payload["description"].(string); ok {
		m.Description = desc
	}
	if kind, ok := payload["kind"].(string); ok && kind == KindUI {
		m.Kind = KindUI
	}
	m.Commands = decodeCommands(payload["commands"])
	m.Panels = decodePanels(payload["panels"])
	for k, v := range payload {
		if !knownManifestKeys[k] {
			if m.Extra == nil {
				m.Extra = map[string]any{}
			}
			m.Extra[k] = v
		}
	}
	return m
}

func decodeCommands(raw any) []Command {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	cmds := make([]Command, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			cmds = append(cmds, Command{Name: v})
		case map[string]any:
			var c Command
			c.Name, _ = v["name"].(string)
			c.Description, _ = v["description"].(string)
			c.Usage, _ = v["usage"].(string)
			if c.Name != "" {
				cmds = append(cmds, c)
			}
		}
	}
	return cmds
}

func decodePanels(raw any) []Panel {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	panels := make([]Panel, 0, len(items))
	for _, item := range items {
		v, ok := item.(map[string]any)
		if !ok {
			continue
		}
		var p Panel
		p.ID, _ = v["id"].(string)
		p.Title, _ = v["title"].(string)
		p.Kind, _ = v["kind"].(string)
		if p.ID != "" {
			panels = append(panels, p)
		}
	}
	return panels
}

// CatalogEntry is one agent's row in an agent.catalog payload.
func (m Manifest) CatalogEntry(identity string) map[string]any {
	commands := make([]map[string]any, 0, len(m.Commands))
	for _, c := range m.Commands {
		entry := map[string]any{"name": c.Name}
		if c.Description != "" {
			entry["description"] = c.Description
		}
		if c.Usage != "" {
			entry["usage"] = c.Usage
		}
		commands = append(commands, entry)
	}
	panels := make([]map[string]any, 0, len(m.Panels))
	for _, p := range m.Panels {
		entry := map[string]any{"id": p.ID}
		if p.Title != "" {
			entry["title"] = p.Title
		}
		if p.Kind != "" {
			entry["kind"] = p.Kind
		}
		panels = append(panels, entry)
	}
	row := map[string]any{
		"identity":    identity,
		"name":        m.Name,
		"description": m.Description,
		"commands":    commands,
		"panels":      panels,
	}
	for k, v := range m.Extra {
		row[k] = v
	}
	return row
}
