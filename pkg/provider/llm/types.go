package llm

import (
	"encoding/json"
	"io"
	"time"

	"github.com/MrWong99/flowexec/pkg/types"
)

// Defaults applied to a [Request] when the caller leaves the field unset.
const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 4000
)

// UsageControl tells the adapter how a single tool may be used.
type UsageControl string

const (
	UsageAuto  UsageControl = "auto"
	UsageForce UsageControl = "force"
	UsageNone  UsageControl = "none"
)

// Request is the provider-neutral request every [Executor] accepts.
type Request struct {
	// Model selects the provider model. Empty means the provider default.
	Model string `json:"model,omitempty"`

	// SystemPrompt, when set, becomes the first message with role "system".
	SystemPrompt string `json:"systemPrompt,omitempty"`

	// Context, when set, follows the system prompt as a "user" message.
	Context string `json:"context,omitempty"`

	// Messages is the caller conversation, sent after system prompt and
	// context in the given order.
	Messages []types.Message `json:"messages,omitempty"`

	// Tools offered to the model.
	Tools []types.ToolDefinition `json:"tools,omitempty"`

	// ToolUsageControl maps a tool name to how the model may use it. Tools
	// not listed default to [UsageAuto].
	ToolUsageControl map[string]UsageControl `json:"toolUsageControl,omitempty"`

	// Temperature defaults to [DefaultTemperature] when nil.
	Temperature *float64 `json:"temperature,omitempty"`

	// MaxTokens defaults to [DefaultMaxTokens] when zero.
	MaxTokens int `json:"maxTokens,omitempty"`

	// ResponseFormat is forwarded verbatim as the provider's response_format.
	ResponseFormat json.RawMessage `json:"responseFormat,omitempty"`

	// Stream selects the streaming path.
	Stream bool `json:"stream,omitempty"`

	// APIKey overrides the key the executor was configured with.
	APIKey string `json:"apiKey,omitempty"`

	// WorkflowID scopes tools that read or write workflow state.
	WorkflowID string `json:"workflowId,omitempty"`

	// OnComplete is invoked exactly once when a stream ends cleanly, with the
	// accumulated content and the usage from the terminal chunk (nil if the
	// provider sent none). It is never invoked when the stream fails.
	OnComplete func(content string, usage *Tokens) `json:"-"`
}

// TemperatureOrDefault returns the effective sampling temperature.
func (r *Request) TemperatureOrDefault() float64 {
	if r.Temperature == nil {
		return DefaultTemperature
	}
	return *r.Temperature
}

// MaxTokensOrDefault returns the effective completion token cap.
func (r *Request) MaxTokensOrDefault() int {
	if r.MaxTokens <= 0 {
		return DefaultMaxTokens
	}
	return r.MaxTokens
}

// Tokens is the token accounting of a call.
type Tokens struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// Completion is the outcome of a single model round trip.
type Completion struct {
	Content   string
	ToolCalls []types.ToolCall
	Usage     Tokens
}

// ToolCallRecord is a tool call as reported to the caller, with its
// arguments already parsed.
type ToolCallRecord struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the outcome of one executed tool call.
type ToolResult struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Result    json.RawMessage `json:"result"`
}

// TimeSegment is one timed span of an execution.
type TimeSegment struct {
	// Type is "model" or "tool".
	Type      string        `json:"type"`
	Name      string        `json:"name"`
	StartTime time.Time     `json:"startTime"`
	EndTime   time.Time     `json:"endTime"`
	Duration  time.Duration `json:"-"`
}

// Timing reports where the wall time of an execution went.
type Timing struct {
	StartTime    time.Time     `json:"startTime"`
	EndTime      time.Time     `json:"endTime"`
	Duration     time.Duration `json:"-"`
	ModelTime    time.Duration `json:"-"`
	ToolsTime    time.Duration `json:"-"`
	Iterations   int           `json:"iterations"`
	TimeSegments []TimeSegment `json:"timeSegments"`
}

// MarshalJSON renders durations as integer milliseconds.
func (t Timing) MarshalJSON() ([]byte, error) {
	type shadow Timing
	segments := t.TimeSegments
	if segments == nil {
		segments = []TimeSegment{}
	}
	return json.Marshal(struct {
		shadow
		Duration     int64         `json:"duration"`
		ModelTime    int64         `json:"modelTime"`
		ToolsTime    int64         `json:"toolsTime"`
		TimeSegments []TimeSegment `json:"timeSegments"`
	}{
		shadow:       shadow(t),
		Duration:     t.Duration.Milliseconds(),
		ModelTime:    t.ModelTime.Milliseconds(),
		ToolsTime:    t.ToolsTime.Milliseconds(),
		TimeSegments: segments,
	})
}

// MarshalJSON renders the duration as integer milliseconds.
func (s TimeSegment) MarshalJSON() ([]byte, error) {
	type shadow TimeSegment
	return json.Marshal(struct {
		shadow
		Duration int64 `json:"duration"`
	}{shadow: shadow(s), Duration: s.Duration.Milliseconds()})
}

// Response is the result of a non-streaming execution.
type Response struct {
	Content     string           `json:"content"`
	Model       string           `json:"model"`
	Tokens      Tokens           `json:"tokens"`
	ToolCalls   []ToolCallRecord `json:"toolCalls,omitempty"`
	ToolResults []ToolResult     `json:"toolResults,omitempty"`
	Timing      Timing           `json:"timing"`
	Cost        *Cost            `json:"cost,omitempty"`
}

// StreamingExecution is the result of a streaming execution. Stream yields
// raw content deltas; it is finite, single-consumer and must be closed.
type StreamingExecution struct {
	Stream io.ReadCloser
	Model  string
	Timing Timing
}
