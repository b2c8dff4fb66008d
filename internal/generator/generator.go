// Package generator produces realistic mock OpenAI completion responses.
// It is a pure collaborator of the request handler: given a request and a
// sampled completion budget it returns a response whose usage block is
// consistent with the shared tokenizer.
package generator

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/tokengate/tokengate/internal/tokenizer"
	"github.com/tokengate/tokengate/pkg/types"
)

// Config bounds the sampled completion sizes.
type Config struct {
	MinOutputTokens int `yaml:"min_output_tokens"`
	MaxOutputTokens int `yaml:"max_output_tokens"`
	AvgOutputTokens int `yaml:"avg_output_tokens"`
}

// DefaultConfig returns the stock sampling bounds.
func DefaultConfig() Config {
	return Config{
		MinOutputTokens: 50,
		MaxOutputTokens: 500,
		AvgOutputTokens: 150,
	}
}

var responseTemplates = []string{
	"I understand you're asking about: %s. Let me provide a comprehensive response...",
	"Based on your question regarding %s, here's my analysis...",
	"Regarding %s, I can share the following insights...",
	"Let me help you with your question about %s...",
}

var fillerSentences = []string{
	"This is an important consideration in modern applications.",
	"The implications are significant for system design.",
	"Multiple factors should be taken into account.",
	"This approach offers several advantages.",
	"Let me elaborate on this point further.",
	"The technical details are quite fascinating.",
	"This represents a common challenge in the field.",
	"Understanding these concepts is crucial for success.",
}

// Generator builds mock completions.
type Generator struct {
	cfg Config

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a generator. Zero config fields fall back to defaults.
func New(cfg Config) *Generator {
	def := DefaultConfig()
	if cfg.MinOutputTokens <= 0 {
		cfg.MinOutputTokens = def.MinOutputTokens
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = def.MaxOutputTokens
	}
	if cfg.AvgOutputTokens <= 0 {
		cfg.AvgOutputTokens = def.AvgOutputTokens
	}
	return &Generator{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Complete generates a mock completion for the request. maxTokens is the
// admitted output estimate; the sampled completion never exceeds it, so a
// post-generation reconcile only ever releases quota.
func (g *Generator) Complete(ctx context.Context, req *types.ChatRequest, maxTokens int) (*types.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	completionTokens := g.SampleOutput(maxTokens)
	content := g.buildContent(req.Messages, completionTokens)
	promptTokens := tokenizer.CountInput(req.Messages)

	return &types.ChatResponse{
		ID:      "mock_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []types.Choice{
			{
				Index: 0,
				Message: types.ChatMessage{
					Role:    "assistant",
					Content: content,
				},
				FinishReason: "stop",
			},
		},
		Usage: &types.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}, nil
}

// SampleOutput draws a completion token count in [1, maxTokens] from a
// normal distribution around the configured average.
func (g *Generator) SampleOutput(maxTokens int) int {
	if maxTokens < 1 {
		maxTokens = 1
	}

	stddev := float64(g.cfg.MaxOutputTokens-g.cfg.MinOutputTokens) / 6.0

	g.mu.Lock()
	sampled := int(g.rng.NormFloat64()*stddev + float64(g.cfg.AvgOutputTokens))
	g.mu.Unlock()

	if sampled < g.cfg.MinOutputTokens {
		sampled = g.cfg.MinOutputTokens
	}
	if sampled > g.cfg.MaxOutputTokens {
		sampled = g.cfg.MaxOutputTokens
	}
	if sampled > maxTokens {
		sampled = maxTokens
	}
	if sampled < 1 {
		sampled = 1
	}
	return sampled
}

// buildContent produces filler text sized to roughly targetTokens.
func (g *Generator) buildContent(messages []types.ChatMessage, targetTokens int) string {
	if len(messages) == 0 {
		return "Hello! I'm a mock AI assistant. How can I help you today?"
	}

	topic := messages[len(messages)-1].Content
	if len(topic) > 50 {
		cut := 50
		// Back up to a rune boundary so the cut never splits a code point.
		for cut > 0 && !utf8.RuneStart(topic[cut]) {
			cut--
		}
		topic = topic[:cut] + "..."
	}

	g.mu.Lock()
	template := responseTemplates[g.rng.Intn(len(responseTemplates))]
	g.mu.Unlock()

	var b strings.Builder
	b.WriteString(strings.Replace(template, "%s", topic, 1))

	// Roughly 0.75 words per token.
	targetWords := targetTokens * 3 / 4
	words := len(strings.Fields(b.String()))
	i := 0
	for words < targetWords {
		g.mu.Lock()
		sentence := fillerSentences[g.rng.Intn(len(fillerSentences))]
		g.mu.Unlock()
		b.WriteByte(' ')
		b.WriteString(sentence)
		words += len(strings.Fields(sentence))
		i++
		if i > targetWords {
			break
		}
	}

	fields := strings.Fields(b.String())
	if len(fields) > targetWords && targetWords > 0 {
		fields = fields[:targetWords]
	}
	return strings.Join(fields, " ")
}
