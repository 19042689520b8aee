// Package ai wraps the Anthropic Messages API with the tool-forcing
// discipline the extraction and organization stages rely on: every call
// carries exactly one required tool, transient failures retry with
// exponential backoff, and a circuit breaker sheds load during provider
// outages.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/inkwell-pm/inkwell/internal/fault"
	"github.com/inkwell-pm/inkwell/internal/telemetry"
)

const (
	aiScope = "github.com/inkwell-pm/inkwell/ai"

	defaultMaxTokens   = 4096
	defaultCallTimeout = 60 * time.Second
	maxRetries         = 3
	initialBackoff     = 1 * time.Second

	breakerTripThreshold = 5
	breakerOpenFor       = 30 * time.Second
)

// ErrNoToolUse is returned when the model answered without invoking the
// required tool. Stages treat it like a schema validation failure.
var ErrNoToolUse = errors.New("model response contains no tool_use block")

// MessagesClient is the subset of the Anthropic SDK client used here. It is
// satisfied by *sdk.MessageService so tests can substitute a stub.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Tool is the single structured-output tool forced on a call. InputSchema is
// the JSON-schema body of the tool input: properties, required, and friends.
// The "type": "object" wrapper is supplied by the SDK.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Request is one forced tool invocation.
type Request struct {
	// Operation labels spans and metrics (extract, organize).
	Operation string
	System    string
	User      string
	Tool      Tool
	// MaxTokens overrides the client default when positive.
	MaxTokens int64
}

// Result carries the raw tool input the model produced plus usage accounting.
type Result struct {
	Input        json.RawMessage
	StopReason   string
	InputTokens  int64
	OutputTokens int64
}

// Config holds the client settings stamped at construction.
type Config struct {
	Model       string
	MaxTokens   int64
	CallTimeout time.Duration
}

// Client invokes the Anthropic Messages API with retries and a breaker.
type Client struct {
	msg       MessagesClient
	model     sdk.Model
	maxTok    int64
	timeout   time.Duration
	retryBase time.Duration
	breaker   *gobreaker.CircuitBreaker
	logger    *zap.Logger
}

// aiMetrics holds lazily-initialized OTel instruments for Anthropic calls.
var aiMetrics struct {
	inputTokens  metric.Int64Counter
	outputTokens metric.Int64Counter
	duration     metric.Float64Histogram
}

var aiMetricsOnce sync.Once

func initAIMetrics() {
	m := telemetry.Meter(aiScope)
	aiMetrics.inputTokens, _ = m.Int64Counter("pm.ai.input_tokens",
		metric.WithDescription("Anthropic API input tokens consumed"),
		metric.WithUnit("{token}"),
	)
	aiMetrics.outputTokens, _ = m.Int64Counter("pm.ai.output_tokens",
		metric.WithDescription("Anthropic API output tokens generated"),
		metric.WithUnit("{token}"),
	)
	aiMetrics.duration, _ = m.Float64Histogram("pm.ai.request.duration",
		metric.WithDescription("Anthropic API request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
}

// New builds a client on an existing MessagesClient.
func New(msg MessagesClient, cfg Config, logger *zap.Logger) (*Client, error) {
	if msg == nil {
		return nil, errors.New("messages client is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	aiMetricsOnce.Do(initAIMetrics)

	c := &Client{
		msg:       msg,
		model:     sdk.Model(cfg.Model),
		maxTok:    cfg.MaxTokens,
		timeout:   cfg.CallTimeout,
		retryBase: initialBackoff,
		logger:    logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "anthropic",
		MaxRequests: 1,
		Timeout:     breakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTripThreshold
		},
		// Deterministic rejections (4xx) are our bugs, not provider outages;
		// only transient failures count against the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || !transient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("anthropic circuit state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return c, nil
}

// NewFromAPIKey constructs a client over the real Anthropic HTTP transport.
func NewFromAPIKey(apiKey string, cfg Config, logger *zap.Logger) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, cfg, logger)
}

// ForceTool sends one message and requires the model to answer through the
// given tool. The returned Input is the unvalidated tool input; schema
// enforcement belongs to the calling stage.
func (c *Client) ForceTool(ctx context.Context, req Request) (*Result, error) {
	if req.Tool.Name == "" {
		return nil, errors.New("tool name is required")
	}
	maxTokens := c.maxTok
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	params := sdk.MessageNewParams{
		Model:     c.model,
		MaxTokens: maxTokens,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(req.User)),
		},
		Tools:      []sdk.ToolUnionParam{toolParam(req.Tool)},
		ToolChoice: sdk.ToolChoiceParamOfTool(req.Tool.Name),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}

	tracer := telemetry.Tracer(aiScope)
	ctx, span := tracer.Start(ctx, "anthropic.messages.new")
	defer span.End()
	span.SetAttributes(
		attribute.String("pm.ai.model", string(c.model)),
		attribute.String("pm.ai.operation", req.Operation),
		attribute.String("pm.ai.tool", req.Tool.Name),
	)

	var msg *sdk.Message
	attempts := 0
	call := func() error {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		t0 := time.Now()
		v, err := c.breaker.Execute(func() (any, error) {
			return c.msg.New(callCtx, params)
		})
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				// Keep backing off; the breaker half-opens on its own.
				return err
			}
			if !transient(err) {
				return backoff.Permanent(err)
			}
			return err
		}

		msg = v.(*sdk.Message)
		modelAttr := attribute.String("pm.ai.model", string(c.model))
		aiMetrics.inputTokens.Add(ctx, msg.Usage.InputTokens, metric.WithAttributes(modelAttr))
		aiMetrics.outputTokens.Add(ctx, msg.Usage.OutputTokens, metric.WithAttributes(modelAttr))
		aiMetrics.duration.Record(ctx, float64(time.Since(t0).Milliseconds()), metric.WithAttributes(modelAttr))
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryBase
	bo.MaxElapsedTime = 0
	if err := backoff.Retry(call, backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, classify(err)
	}

	span.SetAttributes(
		attribute.Int64("pm.ai.input_tokens", msg.Usage.InputTokens),
		attribute.Int64("pm.ai.output_tokens", msg.Usage.OutputTokens),
		attribute.Int("pm.ai.attempts", attempts),
	)

	for _, block := range msg.Content {
		if block.Type == "tool_use" && block.Name == req.Tool.Name {
			input := block.Input
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			return &Result{
				Input:        input,
				StopReason:   string(msg.StopReason),
				InputTokens:  msg.Usage.InputTokens,
				OutputTokens: msg.Usage.OutputTokens,
			}, nil
		}
	}
	span.SetStatus(codes.Error, ErrNoToolUse.Error())
	return nil, fmt.Errorf("%w (stop_reason=%s)", ErrNoToolUse, msg.StopReason)
}

func toolParam(t Tool) sdk.ToolUnionParam {
	u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: t.InputSchema}, t.Name)
	if u.OfTool != nil && t.Description != "" {
		u.OfTool.Description = sdk.String(t.Description)
	}
	return u
}

// transient reports whether err is worth retrying: rate limits, 5xx,
// network timeouts, and single-call deadline hits. Everything else is a
// deterministic rejection.
func transient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// classify maps the terminal error onto the fault taxonomy so the job runner
// can tell retryable outages from deterministic failures.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return fault.Wrap(fault.KindRateLimited, err, "anthropic rate limited")
		case apiErr.StatusCode >= 500:
			return fault.Upstream(err, "anthropic unavailable")
		default:
			return fault.Wrap(fault.KindInternal, err, "anthropic rejected the request")
		}
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fault.Upstream(err, "anthropic circuit open")
	}
	return fault.Upstream(err, "anthropic call failed")
}
