// Package tokenizer provides deterministic token counting for requests and
// mock completions. The same counter runs before admission and inside the
// generator, so the committed prompt cost and the reported prompt_tokens
// always agree.
package tokenizer

import "github.com/tokengate/tokengate/pkg/types"

const (
	// bytesPerToken is the approximation ratio shared with the generator.
	bytesPerToken = 4

	// messageOverhead covers role/formatting tokens per message.
	messageOverhead = 2

	// replyPrimerOverhead covers the assistant reply primer used by common
	// chat formats.
	replyPrimerOverhead = 3
)

// CountText returns the token count for a piece of text.
// Pure function: identical input yields identical output on every node.
func CountText(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / bytesPerToken
	if n < 1 {
		n = 1
	}
	return n
}

// CountInput estimates prompt tokens for a chat request.
// It sums a fixed per-message overhead plus the content counts, and adds the
// reply primer overhead once.
func CountInput(messages []types.ChatMessage) int {
	if len(messages) == 0 {
		return 0
	}
	total := 0
	for i := range messages {
		total += messageOverhead
		total += CountText(messages[i].Role)
		total += CountText(messages[i].Name)
		total += CountText(messages[i].Content)
	}
	total += replyPrimerOverhead
	return total
}
