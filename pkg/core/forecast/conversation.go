package forecast

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"fincast/pkg/core/llm"
)

// CallResult is the outcome of one budgeted model call.
type CallResult struct {
	Text         string
	Sources      []string
	InputTokens  int
	OutputTokens int
	Searches     int
	Duration     time.Duration
}

// Tokens returns input plus output tokens.
func (r *CallResult) Tokens() int { return r.InputTokens + r.OutputTokens }

// Conversation is the message history of one run plus the budget it draws
// on. It is not shared between runs and is used from one goroutine.
type Conversation struct {
	gateway       llm.Gateway
	budget        *RunBudget
	history       []llm.Message
	callTimeout   time.Duration
	searchMaxUses int
	logger        *slog.Logger
}

// NewConversation returns an empty conversation drawing on budget.
func NewConversation(gateway llm.Gateway, budget *RunBudget, callTimeout time.Duration, searchMaxUses int, logger *slog.Logger) *Conversation {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conversation{
		gateway:       gateway,
		budget:        budget,
		callTimeout:   callTimeout,
		searchMaxUses: searchMaxUses,
		logger:        logger,
	}
}

// Budget returns the budget this conversation draws on.
func (c *Conversation) Budget() *RunBudget { return c.budget }

// History returns a copy of the message history.
func (c *Conversation) History() []llm.Message {
	out := make([]llm.Message, len(c.history))
	copy(out, c.history)
	return out
}

// Call sends userMessage with the full history to the gateway. The budget
// is checked first and nothing is sent when it is exhausted. The user turn
// is kept even if the call fails; the assistant turn is added on success.
func (c *Conversation) Call(ctx context.Context, systemPrompt, userMessage string, enableSearch bool, step string) (*CallResult, error) {
	callNo, err := c.budget.reserve()
	if err != nil {
		c.logger.Warn("llm call rejected", "step", step, "calls_used", callNo, "calls_max", c.budget.Max())
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "llm.call", trace.WithAttributes(
		attribute.String("step", step),
		attribute.Int("call", callNo),
		attribute.Bool("search", enableSearch),
	))
	defer span.End()

	c.history = append(c.history, llm.Message{Role: llm.RoleUser, Content: userMessage})

	req := llm.Request{
		Step:         step,
		SystemPrompt: systemPrompt,
		Messages:     c.History(),
	}
	if enableSearch {
		req.Search = &llm.SearchTool{MaxUses: c.searchMaxUses}
	}

	callCtx := ctx
	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := c.gateway.Complete(callCtx, req)
	duration := time.Since(start)
	if err == nil && resp == nil {
		err = errors.New("gateway returned no response")
	}
	if err != nil {
		timeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded)
		terr := &TransportError{Step: step, Timeout: timeout, Err: err}
		span.RecordError(terr)
		span.SetStatus(codes.Error, terr.Error())
		metrics.recordCall(ctx, step, "error", duration, 0, 0, 0)
		c.logger.Error("llm call failed",
			"step", step,
			"calls_used", callNo,
			"calls_max", c.budget.Max(),
			"timeout", timeout,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return nil, terr
	}

	result := &CallResult{
		Text:         resp.Text(),
		Sources:      resp.Sources(),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		Searches:     resp.SearchCount(),
		Duration:     duration,
	}
	c.budget.record(result.InputTokens, result.OutputTokens, result.Searches)
	c.history = append(c.history, llm.Message{Role: llm.RoleAssistant, Content: result.Text})

	span.SetAttributes(
		attribute.Int("input_tokens", result.InputTokens),
		attribute.Int("output_tokens", result.OutputTokens),
		attribute.Int("web_searches", result.Searches),
	)
	metrics.recordCall(ctx, step, "ok", duration, result.InputTokens, result.OutputTokens, result.Searches)
	c.logger.Info("llm call complete",
		"step", step,
		"calls_used", callNo,
		"calls_max", c.budget.Max(),
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"web_searches", result.Searches,
		"duration_ms", duration.Milliseconds())
	return result, nil
}
