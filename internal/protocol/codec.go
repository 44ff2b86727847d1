// ABOUTME: Line-oriented JSON codec for envelopes.
// ABOUTME: Encode produces one newline-terminated record; Decode validates required fields.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed indicates a record that could not be decoded into a valid
// envelope. Codec-level failures are connection-fatal.
var ErrMalformed = errors.New("malformed envelope")

// Encode serializes env to a single JSON line terminated by '\n'.
// JSON string escaping guarantees no raw line boundary inside a field.
func Encode(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return append(data, '\n'), nil
}

// Decode parses one line (with or without the trailing newline) into an
// Envelope. Returns an error wrapping ErrMalformed when the record is not
// a JSON object or is missing type, id, from, or to. Unknown message
// types are accepted and passed through.
func Decode(line []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrMalformed, err)
	}
	for _, f := range []struct{ name, value string }{
		{"type", env.Type},
		{"id", env.ID},
		{"from", env.From},
		{"to", env.To},
	} {
		if f.value == "" {
			return nil, fmt.Errorf("%w: missing required field %q", ErrMalformed, f.name)
		}
	}
	if env.Payload == nil {
		env.Payload = map[string]any{}
	}
	return &env, nil
}
