// ABOUTME: Inference backend client speaking the OpenAI chat completions API.
// ABOUTME: Points at a local OpenAI-compatible endpoint (Ollama /v1) by default.

package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/2389/mist-broker/internal/queue"
)

// DefaultBaseURL is Ollama's OpenAI-compatible endpoint.
const DefaultBaseURL = "http://127.0.0.1:11434/v1"

// DefaultModel is used when neither the request nor settings name one.
const DefaultModel = "gemma3:1b"

// Client calls the inference backend. It implements queue.Runner so the
// priority queue is the only path to the backend.
type Client struct {
	api     openai.Client
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewClient builds a client for the given endpoint. An empty baseURL
// selects DefaultBaseURL; an empty defaultModel selects DefaultModel.
// A zero timeout means requests wait indefinitely for the backend.
func NewClient(baseURL, apiKey, defaultModel string, timeout time.Duration, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if apiKey == "" {
		// Local backends ignore the key but the SDK requires one.
		apiKey = "local"
	}
	if defaultModel == "" {
		defaultModel = DefaultModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	api := openai.NewClient(
		option.WithBaseURL(baseURL),
		option.WithAPIKey(apiKey),
	)
	return &Client{
		api:     api,
		model:   defaultModel,
		timeout: timeout,
		logger:  logger.With("component", "llm"),
	}
}

// Run executes one inference call. Streaming requests invoke
// req.OnChunk per text delta and still return the full text.
func (c *Client) Run(ctx context.Context, req queue.Request) (queue.Result, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	model := req.Model
	if model == "" {
		model = c.model
	}

	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Messages:    messages,
		Model:       model,
		Temperature: openai.Float(req.Temperature),
	}

	start := time.Now()
	c.logger.Debug("inference call", "model", model, "stream", req.Stream)

	var text string
	var err error
	if req.Stream && req.OnChunk != nil {
		text, err = c.runStreaming(ctx, params, req.OnChunk)
	} else {
		text, err = c.runBlocking(ctx, params)
	}
	if err != nil {
		return queue.Result{}, err
	}

	c.logger.Debug("inference done",
		"model", model,
		"elapsed", time.Since(start),
		"chars", len(text),
	)
	return queue.Result{Text: text}, nil
}

func (c *Client) runBlocking(ctx context.Context, params openai.ChatCompletionNewParams) (string, error) {
	resp, err := c.api.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("inference backend: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("inference backend: no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *Client) runStreaming(ctx context.Context, params openai.ChatCompletionNewParams, onChunk func(string)) (string, error) {
	stream := c.api.Chat.Completions.NewStreaming(ctx, params)
	var full strings.Builder
	for stream.Next() {
		ck := stream.Current()
		for _, choice := range ck.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			full.WriteString(choice.Delta.Content)
			onChunk(choice.Delta.Content)
		}
	}
	if err := stream.Err(); err != nil {
		return "", fmt.Errorf("inference backend stream: %w", err)
	}
	return full.String(), nil
}
