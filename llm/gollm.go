package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmGateway implements Gateway on top of a gollm.LLM instance, translating
// between the gateway contract and gollm's prompt API.
type GollmGateway struct {
	provider string
	llm      gollm.LLM
	policy   RetryPolicy
}

// GollmOption configures a GollmGateway.
type GollmOption func(*gollmConfig)

type gollmConfig struct {
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	policy      RetryPolicy
	extraOpts   []gollm.ConfigOption
}

// WithAPIKey sets the API key. When empty, gollm reads it from the
// provider's environment variable.
func WithAPIKey(key string) GollmOption {
	return func(c *gollmConfig) { c.apiKey = key }
}

// WithModel sets the default model.
func WithModel(model string) GollmOption {
	return func(c *gollmConfig) { c.model = model }
}

// WithMaxTokens sets the default response token ceiling.
func WithMaxTokens(n int) GollmOption {
	return func(c *gollmConfig) { c.maxTokens = n }
}

// WithRetryPolicy overrides the gateway's retry policy.
func WithRetryPolicy(p RetryPolicy) GollmOption {
	return func(c *gollmConfig) { c.policy = p }
}

// WithGollmOptions appends extra gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmOption {
	return func(c *gollmConfig) { c.extraOpts = append(c.extraOpts, opts...) }
}

// NewGollmGateway creates a gateway for the given provider.
func NewGollmGateway(provider string, opts ...GollmOption) (*GollmGateway, error) {
	cfg := &gollmConfig{
		maxTokens:   4096,
		temperature: 0.7,
		policy:      DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	model := cfg.model
	if model == "" {
		switch provider {
		case "anthropic":
			model = "claude-sonnet-4-5-20250514"
		default:
			model = "gpt-4o-mini"
		}
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // retries are this gateway's job
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(cfg.apiKey))
	}
	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	inner, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, &ConfigurationError{GatewayError: GatewayError{
			Message: fmt.Sprintf("creating gollm LLM for provider %s", provider), Cause: err,
		}}
	}

	return &GollmGateway{provider: provider, llm: inner, policy: cfg.policy}, nil
}

// NewGollmGatewayFromLLM wraps an existing gollm.LLM instance.
func NewGollmGatewayFromLLM(provider string, inner gollm.LLM) *GollmGateway {
	return &GollmGateway{provider: provider, llm: inner, policy: DefaultRetryPolicy()}
}

// Chat sends the request, retrying transient provider failures per the
// gateway's retry policy.
func (g *GollmGateway) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	prompt := g.translateRequest(req)

	if req.Model != "" {
		g.llm.SetOption("model", req.Model)
	}

	text, err := Retry(ctx, g.policy, func(ctx context.Context) (string, error) {
		out, genErr := g.llm.Generate(ctx, prompt)
		if genErr != nil {
			return "", g.translateError(genErr)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}

	calls := parseToolCalls(text)
	return &ChatResponse{
		Status:    StatusSuccess,
		Output:    stripToolCallJSON(text, calls),
		ToolCalls: calls,
	}, nil
}

// translateRequest converts a ChatRequest into a gollm Prompt.
func (g *GollmGateway) translateRequest(req ChatRequest) *gollm.Prompt {
	var userParts []string
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleUser:
			userParts = append(userParts, msg.Content)
		case RoleAssistant:
			if msg.Content != "" {
				userParts = append(userParts, "[Assistant]: "+msg.Content)
			}
		case RoleSystem:
			// Folded into the system prompt below.
		}
	}
	promptText := strings.Join(userParts, "\n")
	if promptText == "" {
		promptText = "Proceed."
	}

	var promptOpts []gollm.PromptOption

	system := req.SystemPrompt
	for _, msg := range req.Messages {
		if msg.Role == RoleSystem {
			system += "\n" + msg.Content
		}
	}
	if system != "" {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(strings.TrimSpace(system), gollm.CacheTypeEphemeral))
	}

	if len(req.Tools) > 0 {
		tools := make([]gollm.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		promptOpts = append(promptOpts, gollm.WithTools(tools))
	}

	if req.ToolChoice != "" {
		promptOpts = append(promptOpts, gollm.WithToolChoice(string(req.ToolChoice)))
	}

	return gollm.NewPrompt(promptText, promptOpts...)
}

// parseToolCalls extracts tool calls that gollm returns embedded in the
// response text as a JSON array of {"name", "arguments"} objects.
func parseToolCalls(text string) []ToolCall {
	start := strings.Index(text, `[{"name"`)
	if start == -1 {
		return nil
	}

	var rawCalls []struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(text[start:]), &rawCalls); err != nil {
		return nil
	}

	var calls []ToolCall
	for _, rc := range rawCalls {
		args := map[string]any{}
		if len(rc.Arguments) > 0 {
			_ = json.Unmarshal(rc.Arguments, &args)
		}
		calls = append(calls, ToolCall{
			ID:        "call_" + uuid.New().String()[:8],
			Name:      rc.Name,
			Arguments: args,
		})
	}
	return calls
}

// stripToolCallJSON removes the parsed tool call JSON from the text.
func stripToolCallJSON(text string, calls []ToolCall) string {
	if len(calls) == 0 {
		return text
	}
	if idx := strings.Index(text, `[{"name"`); idx != -1 {
		return strings.TrimSpace(text[:idx])
	}
	return text
}

// translateError maps a gollm error onto the gateway error hierarchy so the
// retry policy can classify it.
func (g *GollmGateway) translateError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	base := GatewayError{Message: msg, Cause: err}
	pe := ProviderError{GatewayError: base, Provider: g.provider}

	switch {
	case strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key"):
		pe.StatusCode = 401
		return &AuthenticationError{ProviderError: pe}
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate limit"):
		pe.StatusCode = 429
		pe.Retryable = true
		return &RateLimitError{ProviderError: pe}
	case strings.Contains(lower, "context length") || strings.Contains(lower, "too many tokens"):
		pe.StatusCode = 413
		return &ContextLengthError{ProviderError: pe}
	case strings.Contains(lower, "500") || strings.Contains(lower, "internal server"):
		pe.StatusCode = 500
		pe.Retryable = true
		return &ServerError{ProviderError: pe}
	case strings.Contains(lower, "timeout"):
		return &TimeoutError{GatewayError: base}
	case strings.Contains(lower, "content filter") || strings.Contains(lower, "safety"):
		return &ContentFilterError{ProviderError: pe}
	default:
		pe.Retryable = true
		return &pe
	}
}
