package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/glitchcube/glitchcube/internal/breaker"
	"github.com/glitchcube/glitchcube/internal/config"
)

// DefaultBaseURL is the public OpenRouter endpoint.
const DefaultBaseURL = "https://openrouter.ai/api/v1"

// OpenRouterConfig configures the OpenRouter client.
type OpenRouterConfig struct {
	APIKey  string
	BaseURL string // defaults to DefaultBaseURL
	// Model is the default model slug used when a request names none.
	Model       string
	Temperature float64
	MaxTokens   int
	// Timeout bounds a single completion request (default: 90s).
	Timeout time.Duration
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// OpenRouter is the production Client. Every call is guarded by the
// provider's circuit breaker: an open circuit rejects the call before
// it reaches the network, and the rejection does not count against the
// provider's own failure counter.
type OpenRouter struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
	timeout     time.Duration
	breaker     *breaker.Breaker
	logger      *slog.Logger
}

// NewOpenRouter creates the client. br may be nil, in which case calls
// are unguarded (tests only).
func NewOpenRouter(cfg OpenRouterConfig, br *breaker.Breaker, logger *slog.Logger) *OpenRouter {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = baseURL
	if cfg.HTTPClient != nil {
		clientConfig.HTTPClient = cfg.HTTPClient
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}

	return &OpenRouter{
		client:      openai.NewClientWithConfig(clientConfig),
		model:       cfg.Model,
		temperature: float32(cfg.Temperature),
		maxTokens:   cfg.MaxTokens,
		timeout:     timeout,
		breaker:     br,
		logger:      logger.With("component", "llm"),
	}
}

// Complete performs one chat-completion call and normalizes the result.
// Returns *Error with a classified kind on failure, or *breaker.ErrOpen
// when the circuit is open.
func (c *OpenRouter) Complete(ctx context.Context, req Request) (*Response, error) {
	if c.breaker != nil {
		if err := c.breaker.Allow(); err != nil {
			c.logger.Warn("completion rejected by circuit breaker", "error", err)
			return nil, err
		}
	}

	resp, err := c.complete(ctx, req)
	if c.breaker != nil {
		if err != nil {
			c.breaker.Failure()
		} else {
			c.breaker.Success()
		}
	}
	return resp, err
}

func (c *OpenRouter) complete(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	model := req.Model
	if model == "" {
		model = c.model
	}
	temperature := float32(req.Temperature)
	if req.Temperature == 0 {
		temperature = c.temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	oreq := openai.ChatCompletionRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Messages:    convertMessages(req.Messages),
	}

	if len(req.Tools) > 0 {
		oreq.Tools = convertTools(req.Tools)
		if req.ToolChoice != "" {
			oreq.ToolChoice = toolChoice(req.ToolChoice)
		}
	}

	if req.JSONSchema != nil {
		schema, err := json.Marshal(req.JSONSchema)
		if err != nil {
			return nil, &Error{Kind: KindValidation, Msg: "invalid response schema", Err: err}
		}
		name := req.SchemaName
		if name == "" {
			name = "response"
		}
		oreq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   name,
				Schema: json.RawMessage(schema),
				Strict: true,
			},
		}
	}

	start := time.Now()
	c.logger.Debug("completion request",
		"model", model,
		"messages", len(req.Messages),
		"tools", len(req.Tools),
		"structured", req.JSONSchema != nil,
	)
	if c.logger.Enabled(ctx, config.LevelTrace) {
		if payload, err := json.Marshal(oreq); err == nil {
			c.logger.Log(ctx, config.LevelTrace, "completion request payload", "payload", string(payload))
		}
	}

	oresp, err := c.client.CreateChatCompletion(ctx, oreq)
	if err != nil {
		classified := classify(err)
		c.logger.Error("completion failed",
			"model", model,
			"kind", classified.Kind.String(),
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return nil, classified
	}
	if len(oresp.Choices) == 0 {
		return nil, &Error{Kind: KindNetwork, Msg: "empty response from provider"}
	}

	choice := oresp.Choices[0]
	resp := &Response{
		Text:             choice.Message.Content,
		Model:            oresp.Model,
		PromptTokens:     oresp.Usage.PromptTokens,
		CompletionTokens: oresp.Usage.CompletionTokens,
		TotalTokens:      oresp.Usage.TotalTokens,
	}
	resp.Cost = CostFor(model, resp.PromptTokens, resp.CompletionTokens)

	for _, tc := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, RawToolCall{
			ID:        tc.ID,
			Type:      string(tc.Type),
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	// Decode structured output when it was requested. A model that
	// ignored the schema yields Parsed == nil, not an error.
	if req.JSONSchema != nil && choice.Message.Content != "" {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(choice.Message.Content), &parsed); err == nil {
			resp.Parsed = parsed
		}
	}

	c.logger.Debug("completion response",
		"model", resp.Model,
		"tool_calls", len(resp.ToolCalls),
		"prompt_tokens", resp.PromptTokens,
		"completion_tokens", resp.CompletionTokens,
		"cost_usd", resp.Cost,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return resp, nil
}

func convertMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		om := openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		}
		switch m.Role {
		case "tool":
			om.ToolCallID = m.ToolCallID
			om.Name = m.ToolName
		case "assistant":
			for _, tc := range m.ToolCalls {
				typ := tc.Type
				if typ == "" {
					typ = "function"
				}
				om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolType(typ),
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
		}
		out[i] = om
	}
	return out
}

func convertTools(tools []ToolDescriptor) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, t := range tools {
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		}
	}
	return out
}

// toolChoice maps "auto"/"none"/"required" through unchanged and treats
// anything else as a specific tool name.
func toolChoice(choice string) any {
	switch choice {
	case "auto", "none", "required":
		return choice
	default:
		return openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: choice},
		}
	}
}
