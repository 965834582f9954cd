// Package tokenizer estimates token counts when an upstream response omits
// usage. Uses a character-based heuristic (~4 chars per token for English),
// which is close enough for cost attribution. Swap in tiktoken for exact
// counts if that ever stops being true.
package tokenizer

import (
	"github.com/tidwall/gjson"
)

// Estimator approximates prompt and completion token counts.
type Estimator struct{}

func New() *Estimator {
	return &Estimator{}
}

// EstimateRequest estimates prompt tokens for a chat completion request
// body. Accounts for per-message overhead (role, formatting) the way the
// OpenAI tokenizer does.
func (e *Estimator) EstimateRequest(body []byte) int {
	total := 0
	messages := gjson.GetBytes(body, "messages")
	messages.ForEach(func(_, msg gjson.Result) bool {
		total += messageOverhead
		total += estimateTokens(msg.Get("role").String())
		total += estimateContent(msg.Get("content"))
		if name := msg.Get("name"); name.Exists() {
			total += estimateTokens(name.String()) + 1
		}
		if calls := msg.Get("tool_calls"); calls.Exists() {
			total += estimateTokens(calls.Raw)
		}
		return true
	})
	total += 3 // reply priming tokens
	return max(total, 1)
}

// EstimateResponse estimates completion tokens from a chat completion
// response body.
func (e *Estimator) EstimateResponse(body []byte) int {
	total := 0
	choices := gjson.GetBytes(body, "choices")
	choices.ForEach(func(_, choice gjson.Result) bool {
		total += estimateContent(choice.Get("message.content"))
		if calls := choice.Get("message.tool_calls"); calls.Exists() {
			total += estimateTokens(calls.Raw)
		}
		return true
	})
	return max(total, 1)
}

// EstimateText estimates tokens for a plain text string.
func (e *Estimator) EstimateText(text string) int {
	return max(estimateTokens(text), 1)
}

// estimateContent handles both string content and multi-part content
// arrays, counting only the text parts.
func estimateContent(content gjson.Result) int {
	if content.IsArray() {
		total := 0
		content.ForEach(func(_, part gjson.Result) bool {
			total += estimateTokens(part.Get("text").String())
			return true
		})
		return total
	}
	return estimateTokens(content.String())
}

// estimateTokens uses the ~4 characters per token heuristic with ceil
// division.
func estimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + 3) / 4
}

// messageOverhead is the per-message token overhead for GPT-4o-era models.
const messageOverhead = 4
