// Package advisor wraps an OpenAI-compatible chat-completions endpoint with
// vision input. Every call is single-shot; failures surface as
// errclass.ErrAIUnavailable so callers can degrade instead of aborting.
package advisor

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-logr/logr"
	openai "github.com/sashabaranov/go-openai"

	"github.com/snapverify-project/snapverify/pkg/config"
	"github.com/snapverify-project/snapverify/pkg/errclass"
	"github.com/snapverify-project/snapverify/pkg/metrics"
)

// Image is a PNG screenshot attached to a request.
type Image struct {
	Label string
	PNG   []byte
}

func (img Image) dataURL() string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(img.PNG)
}

// ProviderError is a non-2xx answer from the chat endpoint. Type and Message
// come from the {"error":{"type","message"}} body when the provider sends one.
type ProviderError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("advisor: HTTP %d: %s: %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("advisor: HTTP %d: %s", e.StatusCode, e.Message)
}

// Client is a stateless advisor; one instance is shared across runs.
type Client struct {
	api         *openai.Client
	model       string
	maxTokens   int
	timeout     time.Duration
	summaryTemp float64
	commandTemp float64
	log         logr.Logger
	metrics     *metrics.Registry
}

// NewClient creates an advisor from the advisor section of the configuration.
// reg may be nil.
func NewClient(cfg config.AdvisorConfig, log logr.Logger, reg *metrics.Registry) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &Client{
		api:         openai.NewClientWithConfig(oc),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.RequestTimeout,
		summaryTemp: cfg.SummaryTemperature,
		commandTemp: cfg.CommandTemperature,
		log:         log.WithName("advisor"),
		metrics:     reg,
	}
}

func userContent(text string, images ...Image) []openai.ChatMessagePart {
	parts := []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: text}}
	for _, img := range images {
		if len(img.PNG) == 0 {
			continue
		}
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: img.dataURL(), Detail: openai.ImageURLDetailHigh},
		})
	}
	return parts
}

// complete runs one chat completion and returns the trimmed text of the first choice.
func (c *Client) complete(ctx context.Context, op string, temperature float64, system string, user []openai.ChatMessagePart) (text string, err error) {
	defer func() {
		c.metrics.RecordAdvisorCall(op, err)
		if err != nil {
			c.log.Info("advisor call failed", "op", op, "error", err.Error())
		}
	}()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req := openai.ChatCompletionRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: float32(temperature),
	}
	if system != "" {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: user})

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", errclass.ErrAIUnavailable.Wrap(providerError(err))
	}
	if len(resp.Choices) == 0 {
		return "", errclass.ErrAIUnavailable.WithMessage("response has no choices")
	}
	text = strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", errclass.ErrAIUnavailable.WithMessage("empty response")
	}
	return text, nil
}

// providerError converts an HTTP failure reported by the SDK into a
// ProviderError. Transport errors are returned unchanged.
func providerError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{StatusCode: apiErr.HTTPStatusCode, Type: apiErr.Type, Message: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := http.StatusText(reqErr.HTTPStatusCode)
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return &ProviderError{StatusCode: reqErr.HTTPStatusCode, Message: msg}
	}
	return err
}

// Ping checks that the endpoint answers and accepts the key.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if _, err := c.api.ListModels(ctx); err != nil {
		return errclass.ErrAIUnavailable.Wrap(providerError(err))
	}
	return nil
}
