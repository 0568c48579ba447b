package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/runcore-io/runcore/pkg/models"
)

// OpenAIClient adapts the official OpenAI SDK to the Client capability.
// Safe for concurrent use; the underlying SDK client handles its own
// connection management.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient creates an OpenAI-backed client.
func NewOpenAIClient(apiKey, defaultModel string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, errors.New("openai: API key cannot be empty")
	}
	if defaultModel == "" {
		defaultModel = "gpt-4o"
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAIClient{client: &client, model: defaultModel}, nil
}

// Provider implements Client.
func (c *OpenAIClient) Provider() string { return "openai" }

// DefaultModel implements Client.
func (c *OpenAIClient) DefaultModel() string { return c.model }

func (c *OpenAIClient) resolveModel(model string) string {
	if model != "" {
		return model
	}
	return c.model
}

// buildMessages converts core messages (plus an optional system prompt) into
// SDK message params.
func buildOpenAIMessages(system string, msgs []models.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.SystemMessage(system))
	}
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func openAIUsage(model string, usage openai.CompletionUsage) models.LLMUsage {
	return models.LLMUsage{
		Provider:         "openai",
		Model:            model,
		PromptTokens:     int(usage.PromptTokens),
		CompletionTokens: int(usage.CompletionTokens),
		TotalTokens:      int(usage.TotalTokens),
	}.Normalize()
}

// GenerateText implements Client.
func (c *OpenAIClient) GenerateText(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	model := c.resolveModel(req.Model)
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: buildOpenAIMessages(req.System, req.Messages),
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, &InvocationError{Provider: "openai", Op: "chat completion", Err: err}
	}
	if len(completion.Choices) == 0 {
		return nil, &InvocationError{Provider: "openai", Op: "chat completion", Err: errors.New("empty choices")}
	}

	return &GenerateResult{
		Text:  completion.Choices[0].Message.Content,
		Usage: openAIUsage(model, completion.Usage),
	}, nil
}

// GenerateStructured implements Client using the JSON-schema response format.
func (c *OpenAIClient) GenerateStructured(ctx context.Context, req StructuredRequest) (*StructuredResult, error) {
	model := c.resolveModel(req.Model)

	var schema map[string]any
	if err := json.Unmarshal(req.Schema, &schema); err != nil {
		return nil, fmt.Errorf("openai: invalid schema: %w", err)
	}
	name := req.SchemaName
	if name == "" {
		name = "response"
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: buildOpenAIMessages("", req.Messages),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   name,
					Schema: schema,
					Strict: openai.Bool(true),
				},
			},
		},
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, &InvocationError{Provider: "openai", Op: "structured completion", Err: err}
	}
	if len(completion.Choices) == 0 {
		return nil, &InvocationError{Provider: "openai", Op: "structured completion", Err: errors.New("empty choices")}
	}

	content := completion.Choices[0].Message.Content
	if !json.Valid([]byte(content)) {
		return nil, &InvocationError{Provider: "openai", Op: "structured completion",
			Err: fmt.Errorf("response is not valid JSON")}
	}

	return &StructuredResult{
		Object: json.RawMessage(content),
		Usage:  openAIUsage(model, completion.Usage),
	}, nil
}

// CreateChatStream implements Client. Deltas are piped as raw bytes; the
// final usage chunk (requested via IncludeUsage) fires OnFinish before EOF.
func (c *OpenAIClient) CreateChatStream(ctx context.Context, req StreamRequest) (io.ReadCloser, error) {
	model := c.resolveModel(req.Model)
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: buildOpenAIMessages(req.System, req.Messages),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream := c.client.Chat.Completions.NewStreaming(streamCtx, params)

	pr, pw := io.Pipe()
	go func() {
		defer cancel()
		var finished bool
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) > 0 {
				delta := chunk.Choices[0].Delta.Content
				if delta != "" {
					if _, err := pw.Write([]byte(delta)); err != nil {
						_ = stream.Close()
						return
					}
				}
			}
			// The usage-only chunk arrives last, after the final choice.
			if chunk.Usage.TotalTokens > 0 && req.OnFinish != nil && !finished {
				finished = true
				req.OnFinish(openAIUsage(model, chunk.Usage))
			}
		}
		if err := stream.Err(); err != nil {
			pw.CloseWithError(&InvocationError{Provider: "openai", Op: "chat stream", Err: err})
			return
		}
		pw.Close()
	}()

	return &cancelReadCloser{ReadCloser: pr, cancel: cancel}, nil
}

// cancelReadCloser propagates Close to the upstream stream context.
type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	c.cancel()
	return c.ReadCloser.Close()
}
