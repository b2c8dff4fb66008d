package generator

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokengate/tokengate/internal/tokenizer"
	"github.com/tokengate/tokengate/pkg/types"
)

func TestSampleOutputBounds(t *testing.T) {
	g := New(DefaultConfig())

	for i := 0; i < 1000; i++ {
		n := g.SampleOutput(150)
		assert.GreaterOrEqual(t, n, 1)
		assert.LessOrEqual(t, n, 150)
	}

	// A tiny budget is always honored.
	for i := 0; i < 100; i++ {
		assert.Equal(t, 1, g.SampleOutput(1))
	}
}

func TestCompleteShape(t *testing.T) {
	g := New(DefaultConfig())
	req := &types.ChatRequest{
		Model: "gpt-3.5-turbo",
		Messages: []types.ChatMessage{
			{Role: "user", Content: "Explain the concept of distributed systems."},
		},
	}

	resp, err := g.Complete(context.Background(), req, 150)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(resp.ID, "mock_"))
	assert.Equal(t, "chat.completion", resp.Object)
	assert.Equal(t, "gpt-3.5-turbo", resp.Model)
	assert.NotZero(t, resp.Created)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "assistant", resp.Choices[0].Message.Role)
	assert.NotEmpty(t, resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
}

func TestCompleteUsageConsistency(t *testing.T) {
	g := New(DefaultConfig())
	messages := []types.ChatMessage{
		{Role: "system", Content: "You are a helpful assistant."},
		{Role: "user", Content: "Write a haiku about programming."},
	}
	req := &types.ChatRequest{Model: "gpt-4", Messages: messages}

	resp, err := g.Complete(context.Background(), req, 200)
	require.NoError(t, err)
	require.NotNil(t, resp.Usage)

	// prompt_tokens must agree with the pre-admission tokenizer exactly.
	assert.Equal(t, tokenizer.CountInput(messages), resp.Usage.PromptTokens)
	assert.GreaterOrEqual(t, resp.Usage.CompletionTokens, 1)
	assert.LessOrEqual(t, resp.Usage.CompletionTokens, 200)
	assert.Equal(t, resp.Usage.PromptTokens+resp.Usage.CompletionTokens, resp.Usage.TotalTokens)
}

func TestBuildContentMultibyteTopic(t *testing.T) {
	g := New(DefaultConfig())

	// The leading ASCII byte shifts every two-byte rune onto an odd offset,
	// so a naive byte cut at 50 would land inside a rune.
	topic := "a" + strings.Repeat("é", 25) + "trailing text beyond the cut"
	messages := []types.ChatMessage{{Role: "user", Content: topic}}

	for i := 0; i < 20; i++ {
		content := g.buildContent(messages, 100)
		assert.True(t, utf8.ValidString(content), "truncated topic must stay valid UTF-8")
	}
}

func TestCompleteCanceledContext(t *testing.T) {
	g := New(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Complete(ctx, &types.ChatRequest{Model: "gpt-4"}, 10)
	assert.Error(t, err)
}
