// Package gateway is the single choke point for model calls. Every
// invocation runs the same pipeline: estimate usage, budget preflight,
// pricing admission, model call, usage normalization, pricing resolution,
// ledger append, session post-commit.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/runcore-io/runcore/pkg/budget"
	"github.com/runcore-io/runcore/pkg/ledger"
	"github.com/runcore-io/runcore/pkg/masking"
	"github.com/runcore-io/runcore/pkg/metrics"
	"github.com/runcore-io/runcore/pkg/model"
	"github.com/runcore-io/runcore/pkg/models"
	"github.com/runcore-io/runcore/pkg/pricing"
)

// completionEstimateTokens is the default completion-side estimate used for
// admission. The estimate targets admission, not accuracy.
const completionEstimateTokens = 500

// TextRequest is a plain-text generation request.
type TextRequest struct {
	Messages    []models.Message
	System      string
	Model       string
	Temperature *float64
}

// TextResult is the outcome of GenerateText.
type TextResult struct {
	Text  string
	Usage models.LLMUsage
}

// StructuredRequest constrains the output to a JSON schema.
type StructuredRequest struct {
	Messages    []models.Message
	SchemaName  string
	Schema      json.RawMessage
	Model       string
	Temperature *float64
}

// StructuredResult is the outcome of GenerateStructured.
type StructuredResult struct {
	Object json.RawMessage
	Usage  models.LLMUsage
}

// StreamRequest opens a streaming generation.
type StreamRequest struct {
	Messages    []models.Message
	System      string
	Model       string
	Temperature *float64
}

// Gateway mediates all model calls through budget and cost accounting.
type Gateway struct {
	client   model.Client
	ledger   *ledger.Ledger
	budget   *budget.Manager
	resolver *pricing.Resolver
	redactor *masking.Redactor
	metrics  *metrics.Metrics
}

// New creates a gateway. redactor and m may be nil; no-op implementations
// are substituted.
func New(client model.Client, l *ledger.Ledger, b *budget.Manager, r *pricing.Resolver, redactor *masking.Redactor, m *metrics.Metrics) *Gateway {
	if redactor == nil {
		redactor = masking.NewRedactor(nil)
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Gateway{client: client, ledger: l, budget: b, resolver: r, redactor: redactor, metrics: m}
}

// estimateUsage builds the admission-time usage estimate:
// ceil(totalMessageChars/4) prompt tokens plus a flat completion allowance.
func (g *Gateway) estimateUsage(system string, msgs []models.Message, modelName string) models.LLMUsage {
	chars := len(system)
	for _, m := range msgs {
		chars += len(m.Content)
	}
	return models.LLMUsage{
		Provider:         g.client.Provider(),
		Model:            modelName,
		PromptTokens:     int(math.Ceil(float64(chars) / 4)),
		CompletionTokens: completionEstimateTokens,
	}.Normalize()
}

// idempotencyKey materializes the deduplication key for a call. A key
// provided on the context wins; otherwise the key is derived from the
// estimated usage so a retried identical call maps to the same event.
func idempotencyKey(callCtx models.CallContext, estimated models.LLMUsage) string {
	if callCtx.IdempotencyKey != "" {
		return callCtx.IdempotencyKey
	}
	taskID := callCtx.TaskID
	if taskID == "" {
		taskID = "none"
	}
	return fmt.Sprintf("llm:%s:%s:%s:%s:%s:%s:%d:%d:%d",
		callCtx.RunID, callCtx.SessionID, callCtx.Phase, taskID,
		estimated.Provider, estimated.Model,
		estimated.PromptTokens, estimated.CompletionTokens, estimated.TotalTokens)
}

// admit runs the admission half of the pipeline: estimate, preflight, pricing
// admission, idempotency key materialization. A non-nil error means the
// model must not be called and no event may be written.
func (g *Gateway) admit(ctx context.Context, callCtx models.CallContext, system string, msgs []models.Message, modelName string) (models.LLMUsage, string, error) {
	if modelName == "" {
		modelName = g.client.DefaultModel()
	}
	estimated := g.estimateUsage(system, msgs, modelName)

	if err := g.budget.Preflight(ctx, callCtx, estimated); err != nil {
		switch err.(type) {
		case *budget.ExceededError:
			g.metrics.BudgetDenials.WithLabelValues("run").Inc()
		case *budget.SessionExceededError:
			g.metrics.BudgetDenials.WithLabelValues("session").Inc()
		}
		slog.Warn("Gateway preflight denied",
			"run_id", callCtx.RunID, "session_id", callCtx.SessionID,
			"phase", callCtx.Phase, "error", err)
		return models.LLMUsage{}, "", err
	}

	if admission := g.resolver.Resolve(estimated, nil); admission.ShouldBlock {
		g.metrics.UnknownPricing.Inc()
		slog.Warn("Gateway blocked call with unknown pricing",
			"run_id", callCtx.RunID, "provider", estimated.Provider, "model", estimated.Model)
		return models.LLMUsage{}, "", &UnknownPricingError{Provider: estimated.Provider, Model: estimated.Model}
	}

	return estimated, idempotencyKey(callCtx, estimated), nil
}

// normalizeActual fills provider/model defaults and clamps the raw usage.
func (g *Gateway) normalizeActual(usage models.LLMUsage) models.LLMUsage {
	if usage.Provider == "" {
		usage.Provider = g.client.Provider()
	}
	if usage.Model == "" {
		usage.Model = g.client.DefaultModel()
	}
	return usage.Normalize()
}

// commit runs the settlement half: resolve actual pricing, append the cost event, and
// advance the session accumulator iff the append was new. Once the model has
// been called the event is persisted even when pricing is unknown in
// fail-closed mode; auditability beats purity at this stage.
func (g *Gateway) commit(ctx context.Context, callCtx models.CallContext, idemKey string, usage models.LLMUsage) error {
	resolution := g.resolver.Resolve(usage, usage.Raw)
	if resolution.ShouldBlock {
		slog.Warn("Pricing unknown after model call, persisting event anyway",
			"run_id", callCtx.RunID, "provider", usage.Provider, "model", usage.Model)
		g.metrics.UnknownPricing.Inc()
	}

	event := models.CostEvent{
		EventID:           uuid.New().String(),
		IdempotencyKey:    idemKey,
		RunID:             callCtx.RunID,
		SessionID:         callCtx.SessionID,
		TaskID:            callCtx.TaskID,
		AgentType:         callCtx.AgentType,
		Phase:             callCtx.Phase,
		Provider:          usage.Provider,
		Model:             usage.Model,
		PromptTokens:      usage.PromptTokens,
		CompletionTokens:  usage.CompletionTokens,
		TotalTokens:       usage.TotalTokens,
		ProviderCostUsd:   resolution.ProviderCostUsd,
		CalculatedCostUsd: resolution.CalculatedCostUsd,
		PricingSource:     resolution.Source,
		CreatedAt:         time.Now().UTC(),
	}

	appended, err := g.ledger.Append(ctx, event)
	if err != nil {
		return fmt.Errorf("append cost event: %w", err)
	}
	if !appended {
		g.metrics.DuplicateAppends.Inc()
		return nil
	}

	g.metrics.CostEventsTotal.WithLabelValues(
		usage.Provider, usage.Model, string(callCtx.Phase), string(resolution.Source)).Inc()
	g.metrics.CallCostUSD.WithLabelValues(usage.Provider, string(callCtx.Phase)).
		Observe(resolution.CalculatedCostUsd)

	if err := g.budget.PostCommit(ctx, callCtx, resolution.CalculatedCostUsd); err != nil {
		// The ledger is truth; a failed accumulator update is recoverable
		// at boot via reconciliation.
		slog.Error("Session post-commit failed after ledger append",
			"run_id", callCtx.RunID, "session_id", callCtx.SessionID, "error", err)
	}
	return nil
}

// invocationError redacts and wraps an upstream failure.
func (g *Gateway) invocationError(err error) *ModelInvocationError {
	return &ModelInvocationError{
		Provider: g.client.Provider(),
		Message:  g.redactor.RedactErr(err),
		Err:      err,
	}
}

// GenerateText runs a text completion through the full pipeline.
func (g *Gateway) GenerateText(ctx context.Context, callCtx models.CallContext, req TextRequest) (*TextResult, error) {
	_, idemKey, err := g.admit(ctx, callCtx, req.System, req.Messages, req.Model)
	if err != nil {
		return nil, err
	}

	result, err := g.client.GenerateText(ctx, model.GenerateRequest{
		Messages:    req.Messages,
		Model:       req.Model,
		System:      req.System,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, g.invocationError(err)
	}

	usage := g.normalizeActual(result.Usage)
	if err := g.commit(ctx, callCtx, idemKey, usage); err != nil {
		return nil, err
	}
	return &TextResult{Text: result.Text, Usage: usage}, nil
}

// GenerateStructured runs a schema-constrained completion through the
// full pipeline.
func (g *Gateway) GenerateStructured(ctx context.Context, callCtx models.CallContext, req StructuredRequest) (*StructuredResult, error) {
	_, idemKey, err := g.admit(ctx, callCtx, "", req.Messages, req.Model)
	if err != nil {
		return nil, err
	}

	result, err := g.client.GenerateStructured(ctx, model.StructuredRequest{
		Messages:    req.Messages,
		SchemaName:  req.SchemaName,
		Schema:      req.Schema,
		Model:       req.Model,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, g.invocationError(err)
	}

	usage := g.normalizeActual(result.Usage)
	if err := g.commit(ctx, callCtx, idemKey, usage); err != nil {
		return nil, err
	}
	return &StructuredResult{Object: result.Object, Usage: usage}, nil
}
