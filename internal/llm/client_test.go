// ABOUTME: Tests for the inference backend client against a stubbed OpenAI-compatible endpoint.
// ABOUTME: Covers blocking and streaming completions plus model fallback.

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/2389/mist-broker/internal/queue"
)

// stubBackend records chat completion requests and replies with canned
// content, in both blocking and SSE form.
type stubBackend struct {
	mu       sync.Mutex
	models   []string
	response string
}

func (s *stubBackend) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.models = append(s.models, body.Model)
		s.mu.Unlock()

		if body.Stream {
			w.Header().Set("Content-Type", "text/event-stream")
			for _, c := range s.response {
				chunk := map[string]any{
					"id":      "chatcmpl-test",
					"object":  "chat.completion.chunk",
					"model":   body.Model,
					"choices": []any{map[string]any{"index": 0, "delta": map[string]any{"content": string(c)}}},
				}
				data, _ := json.Marshal(chunk)
				fmt.Fprintf(w, "data: %s\n\n", data)
			}
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-test",
			"object": "chat.completion",
			"model":  body.Model,
			"choices": []any{map[string]any{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": s.response},
				"finish_reason": "stop",
			}},
		})
	}
}

func (s *stubBackend) lastModel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.models) == 0 {
		return ""
	}
	return s.models[len(s.models)-1]
}

func newStubClient(t *testing.T, response string) (*Client, *stubBackend) {
	t.Helper()
	backend := &stubBackend{response: response}
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "", "", 0, nil), backend
}

func TestRunBlocking(t *testing.T) {
	client, backend := newStubClient(t, "the sky is blue")

	res, err := client.Run(context.Background(), queue.Request{Prompt: "why is the sky blue"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Text != "the sky is blue" {
		t.Errorf("text = %q", res.Text)
	}
	if backend.lastModel() != DefaultModel {
		t.Errorf("model = %q, want default %q", backend.lastModel(), DefaultModel)
	}
}

func TestRunUsesRequestModel(t *testing.T) {
	client, backend := newStubClient(t, "ok")

	_, err := client.Run(context.Background(), queue.Request{Prompt: "hi", Model: "gemma3:4b"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if backend.lastModel() != "gemma3:4b" {
		t.Errorf("model = %q, request model must win", backend.lastModel())
	}
}

func TestRunStreaming(t *testing.T) {
	client, _ := newStubClient(t, "abc")

	var chunks []string
	res, err := client.Run(context.Background(), queue.Request{
		Prompt: "spell abc",
		Stream: true,
		OnChunk: func(text string) {
			chunks = append(chunks, text)
		},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Text != "abc" {
		t.Errorf("full text = %q", res.Text)
	}
	if len(chunks) != 3 {
		t.Errorf("chunks = %v, want one per delta", chunks)
	}
}

func TestRunBackendDown(t *testing.T) {
	// Nothing listens here.
	client := NewClient("http://127.0.0.1:1/v1", "", "", 0, nil)

	if _, err := client.Run(context.Background(), queue.Request{Prompt: "hi"}); err == nil {
		t.Error("expected error when the backend is unreachable")
	}
}
