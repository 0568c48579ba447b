package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/runcore-io/runcore/pkg/models"
)

// anthropicMaxTokens is the completion budget for Claude calls. The API
// requires an explicit value.
const anthropicMaxTokens = 4096

// AnthropicClient adapts the official Anthropic SDK to the Client capability.
type AnthropicClient struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicClient creates a Claude-backed client.
func NewAnthropicClient(apiKey, defaultModel string) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: API key cannot be empty")
	}
	if defaultModel == "" {
		defaultModel = "claude-3-5-sonnet-20241022"
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicClient{client: &client, model: defaultModel}, nil
}

// Provider implements Client.
func (c *AnthropicClient) Provider() string { return "anthropic" }

// DefaultModel implements Client.
func (c *AnthropicClient) DefaultModel() string { return c.model }

func (c *AnthropicClient) resolveModel(model string) string {
	if model != "" {
		return model
	}
	return c.model
}

// buildAnthropicParams converts core messages into SDK params. System
// messages fold into the top-level system prompt; Claude rejects them in
// the message list.
func (c *AnthropicClient) buildAnthropicParams(model, system string, msgs []models.Message, temperature *float64) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: anthropicMaxTokens,
	}

	var systemParts []string
	if system != "" {
		systemParts = append(systemParts, system)
	}
	for _, m := range msgs {
		switch m.Role {
		case "system":
			systemParts = append(systemParts, m.Content)
		case "assistant":
			params.Messages = append(params.Messages,
				anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages,
				anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	if len(systemParts) > 0 {
		params.System = []anthropic.TextBlockParam{{Text: strings.Join(systemParts, "\n\n")}}
	}
	if temperature != nil {
		params.Temperature = anthropic.Float(*temperature)
	}
	return params
}

func anthropicUsage(model string, usage anthropic.Usage) models.LLMUsage {
	return models.LLMUsage{
		Provider:         "anthropic",
		Model:            model,
		PromptTokens:     int(usage.InputTokens),
		CompletionTokens: int(usage.OutputTokens),
	}.Normalize()
}

// messageText concatenates the text blocks of a response.
func messageText(message *anthropic.Message) string {
	var sb strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

// GenerateText implements Client.
func (c *AnthropicClient) GenerateText(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	model := c.resolveModel(req.Model)
	params := c.buildAnthropicParams(model, req.System, req.Messages, req.Temperature)

	message, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, &InvocationError{Provider: "anthropic", Op: "message", Err: err}
	}

	return &GenerateResult{
		Text:  messageText(message),
		Usage: anthropicUsage(model, message.Usage),
	}, nil
}

// GenerateStructured implements Client. Claude has no native JSON-schema
// response format, so the schema is injected as an instruction and the
// response is validated as JSON.
func (c *AnthropicClient) GenerateStructured(ctx context.Context, req StructuredRequest) (*StructuredResult, error) {
	model := c.resolveModel(req.Model)

	instruction := fmt.Sprintf(
		"Respond with a single JSON object that conforms to this JSON Schema. "+
			"Output the JSON only, no prose and no code fences.\n\n%s", string(req.Schema))
	msgs := append(append([]models.Message{}, req.Messages...),
		models.Message{Role: "user", Content: instruction})

	params := c.buildAnthropicParams(model, "", msgs, req.Temperature)
	message, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, &InvocationError{Provider: "anthropic", Op: "structured message", Err: err}
	}

	text := strings.TrimSpace(messageText(message))
	if !json.Valid([]byte(text)) {
		return nil, &InvocationError{Provider: "anthropic", Op: "structured message",
			Err: fmt.Errorf("response is not valid JSON")}
	}

	return &StructuredResult{
		Object: json.RawMessage(text),
		Usage:  anthropicUsage(model, message.Usage),
	}, nil
}

// CreateChatStream implements Client.
func (c *AnthropicClient) CreateChatStream(ctx context.Context, req StreamRequest) (io.ReadCloser, error) {
	model := c.resolveModel(req.Model)
	params := c.buildAnthropicParams(model, req.System, req.Messages, req.Temperature)

	streamCtx, cancel := context.WithCancel(ctx)
	stream := c.client.Messages.NewStreaming(streamCtx, params)

	pr, pw := io.Pipe()
	go func() {
		defer cancel()
		message := anthropic.Message{}
		for stream.Next() {
			event := stream.Current()
			if err := message.Accumulate(event); err != nil {
				pw.CloseWithError(&InvocationError{Provider: "anthropic", Op: "chat stream", Err: err})
				return
			}
			switch variant := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				if delta, ok := variant.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
					if _, err := pw.Write([]byte(delta.Text)); err != nil {
						_ = stream.Close()
						return
					}
				}
			}
		}
		if err := stream.Err(); err != nil {
			pw.CloseWithError(&InvocationError{Provider: "anthropic", Op: "chat stream", Err: err})
			return
		}
		if req.OnFinish != nil {
			req.OnFinish(anthropicUsage(model, message.Usage))
		}
		pw.Close()
	}()

	return &cancelReadCloser{ReadCloser: pr, cancel: cancel}, nil
}
