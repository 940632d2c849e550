package model

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

var (
	// ErrTimeout is returned when the model does not answer within the
	// configured deadline.
	ErrTimeout = errors.New("model backend timed out")
	// ErrUnavailable is returned when the backend cannot be reached or
	// answers with an error status.
	ErrUnavailable = errors.New("model backend unavailable")
)

// Backend produces a completion for a system+user prompt pair. Implemented
// by the Ollama client; tests substitute their own.
type Backend interface {
	Chat(ctx context.Context, modelName, system, user string) (string, error)
}

// OllamaClient talks to a local Ollama instance over its REST API.
type OllamaClient struct {
	client  *resty.Client
	timeout time.Duration
}

// NewOllamaClient creates a client for the Ollama instance at host. Every
// chat call is bounded by timeout.
func NewOllamaClient(host string, timeout time.Duration) *OllamaClient {
	client := resty.New()
	client.SetBaseURL(host)
	client.SetTimeout(timeout)

	return &OllamaClient{
		client:  client,
		timeout: timeout,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	Stream    bool          `json:"stream"`
	KeepAlive int           `json:"keep_alive"`
}

type chatResponse struct {
	Message chatMessage `json:"message"`
}

// Chat sends one completion request and returns the raw response text.
func (c *OllamaClient) Chat(ctx context.Context, modelName, system, user string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var result chatResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(chatRequest{
			Model: modelName,
			Messages: []chatMessage{
				{Role: "system", Content: system},
				{Role: "user", Content: user},
			},
			Stream:    false,
			KeepAlive: 0,
		}).
		SetResult(&result).
		Post("/api/chat")
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode(), resp.String())
	}
	return result.Message.Content, nil
}

// ListModels returns the model names available on the Ollama instance.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	var result struct {
		Models []struct {
			Model string `json:"model"`
		} `json:"models"`
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/api/tags")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode())
	}
	names := make([]string, 0, len(result.Models))
	for _, m := range result.Models {
		names = append(names, m.Model)
	}
	return names, nil
}
