// Package types defines the data structures for the OpenAI-compatible API
// surface. All wire formats match OpenAI's Chat Completion API.
package types

// ChatRequest represents an OpenAI-compatible chat completion request.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	User        string        `json:"user,omitempty"`
}

// ChatMessage represents a single message in the conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// Validate checks required request fields.
func (r *ChatRequest) Validate() error {
	if r.Model == "" {
		return errMissingModel
	}
	if len(r.Messages) == 0 {
		return errMissingMessages
	}
	if r.MaxTokens < 0 {
		return errNegativeMaxTokens
	}
	for i := range r.Messages {
		if r.Messages[i].Role == "" {
			return errMissingRole
		}
	}
	return nil
}

// ChatResponse represents an OpenAI-compatible chat completion response.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice represents one completion choice.
type Choice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// Usage contains token accounting for a completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Model describes one entry of the model catalog.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the GET /v1/models response envelope.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// UsageStats is the GET /v1/usage/{api_key} response body.
// Sums cover the non-expired window only.
type UsageStats struct {
	InputTokensUsed   int64 `json:"input_tokens_used"`
	InputTokensLimit  int64 `json:"input_tokens_limit"`
	OutputTokensUsed  int64 `json:"output_tokens_used"`
	OutputTokensLimit int64 `json:"output_tokens_limit"`
	RequestsUsed      int64 `json:"requests_used"`
	RequestsLimit     int64 `json:"requests_limit"`
	WindowSeconds     int   `json:"window_seconds"`
}

type validationError string

func (e validationError) Error() string { return string(e) }

const (
	errMissingModel      = validationError("model is required")
	errMissingMessages   = validationError("messages is required")
	errMissingRole       = validationError("message role is required")
	errNegativeMaxTokens = validationError("max_tokens must be positive")
)
