// Package llm wraps the OpenAI Chat Completions API behind the narrow
// surface the engagement engine needs: one system+user exchange in, one
// text completion out. The concrete client is injectable so tests run
// against scripted fakes.
package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"korkibot/app/pkg/retry"
)

// ChatClient captures the subset of the go-openai client used here.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type Config struct {
	Model       string
	Timeout     time.Duration
	MaxAttempts int
	Backoff     []time.Duration
}

type Client struct {
	chat ChatClient
	cfg  Config
}

func New(chat ChatClient, cfg Config) (*Client, error) {
	if chat == nil {
		return nil, errors.New("llm: chat client is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("llm: model is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = []time.Duration{time.Second, 3 * time.Second}
	}
	return &Client{chat: chat, cfg: cfg}, nil
}

// NewFromAPIKey builds a client over the default go-openai HTTP transport.
func NewFromAPIKey(apiKey string, cfg Config) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("llm: api key is required")
	}
	return New(openai.NewClient(apiKey), cfg)
}

// Complete sends one system+user exchange and returns the model's text. Calls
// retry on transient failure with the configured backoff schedule.
func (c *Client) Complete(ctx context.Context, system string, user string) (string, error) {
	var out string
	err := retry.Do(ctx, retry.Policy{Attempts: c.cfg.MaxAttempts, Backoff: c.cfg.Backoff}, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		resp, err := c.chat.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
			Model: c.cfg.Model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: system},
				{Role: openai.ChatMessageRoleUser, Content: user},
			},
		})
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return errors.New("llm: empty completion")
		}
		out = strings.TrimSpace(resp.Choices[0].Message.Content)
		return nil
	})
	if err != nil {
		return "", err
	}
	return out, nil
}
