package llm

import (
	"log/slog"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/gauntlet/internal/observability"
)

// requestTimeout bounds every individual provider call.
const requestTimeout = 120 * time.Second

// Target is one concrete endpoint: a provider row plus one of its models.
// The compound (ProviderKey, ModelID) identifies it; ModelID alone is
// ambiguous when two providers host the same model.
type Target struct {
	ProviderKey string
	APIBase     string
	APIKey      string
	ModelID     string
	SkipParams  []string
}

// Key returns the compound identity used to index per-target state.
func (t Target) Key() string {
	return t.ProviderKey + "::" + t.ModelID
}

// Message is one turn of a conversation in wire-neutral shape.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// ToolCall is a model-issued function invocation.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Tool is a callable definition offered to the model.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request is a fully resolved call. Params must already have gone through
// Resolve; the transport only attaches model, messages and tools.
type Request struct {
	Target     Target
	System     string
	Messages   []Message
	Tools      []Tool
	ToolChoice string // "", "auto", "required", or a tool name
	Params     map[string]any
	MaxTokens  int
	JSONMode   bool
}

// Completion is a non-streaming result.
type Completion struct {
	Content          string
	ToolCalls        []ToolCall
	PromptTokens     int
	CompletionTokens int
}

// Client runs provider calls. One Client serves all providers; per-target
// transport configuration happens per call.
type Client struct {
	logger     *slog.Logger
	metrics    *observability.Metrics
	httpClient *http.Client
}

// NewClient builds the shim.
func NewClient(logger *slog.Logger, metrics *observability.Metrics) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		logger:     logger,
		metrics:    metrics,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// openaiClient builds a per-target OpenAI-compatible client. Local and
// self-hosted endpoints (ollama, vllm, openrouter) ride the same wire
// protocol with a custom base URL.
func (c *Client) openaiClient(t Target) *openai.Client {
	cfg := openai.DefaultConfig(t.APIKey)
	if t.APIBase != "" {
		cfg.BaseURL = t.APIBase
	}
	cfg.HTTPClient = c.httpClient
	return openai.NewClientWithConfig(cfg)
}

func (c *Client) observe(t Target, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.LLMRequestDuration.WithLabelValues(t.ProviderKey, t.ModelID).Observe(time.Since(start).Seconds())
	c.metrics.LLMRequestCounter.WithLabelValues(t.ProviderKey, t.ModelID, status).Inc()
}

func (c *Client) countTokens(t Target, prompt, completion int) {
	if c.metrics == nil {
		return
	}
	if prompt > 0 {
		c.metrics.LLMTokensUsed.WithLabelValues(t.ProviderKey, t.ModelID, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		c.metrics.LLMTokensUsed.WithLabelValues(t.ProviderKey, t.ModelID, "completion").Add(float64(completion))
	}
}
