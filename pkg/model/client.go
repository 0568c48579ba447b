// Package model defines the client capability the gateway invokes for every
// LLM call, plus adapters for the official OpenAI and Anthropic SDKs and a
// deterministic stub for tests.
package model

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/runcore-io/runcore/pkg/models"
)

// GenerateRequest is a plain-text completion request.
type GenerateRequest struct {
	Messages    []models.Message
	Model       string // empty = client default
	System      string
	Temperature *float64
}

// GenerateResult carries the model's text plus raw usage.
type GenerateResult struct {
	Text  string
	Usage models.LLMUsage
}

// StructuredRequest constrains the model output to a JSON schema.
type StructuredRequest struct {
	Messages    []models.Message
	SchemaName  string
	Schema      json.RawMessage // JSON Schema document
	Model       string
	Temperature *float64
}

// StructuredResult carries the schema-conforming object plus raw usage.
type StructuredResult struct {
	Object json.RawMessage
	Usage  models.LLMUsage
}

// StreamRequest opens a streaming completion. OnFinish, when set, is invoked
// once with the final usage after the upstream stream completes; if the
// stream is cancelled or errors first, OnFinish never fires and the caller
// falls back to its own estimate.
type StreamRequest struct {
	Messages    []models.Message
	System      string
	Model       string
	Temperature *float64
	OnFinish    func(models.LLMUsage)
}

// Client is the model capability injected into the gateway. Implementations
// must support cooperative cancellation through ctx on every method.
type Client interface {
	Provider() string
	DefaultModel() string
	GenerateText(ctx context.Context, req GenerateRequest) (*GenerateResult, error)
	GenerateStructured(ctx context.Context, req StructuredRequest) (*StructuredResult, error)
	CreateChatStream(ctx context.Context, req StreamRequest) (io.ReadCloser, error)
}

// InvocationError wraps an upstream provider failure (I/O, timeout, protocol).
type InvocationError struct {
	Provider string
	Op       string
	Err      error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Provider, e.Op, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }
