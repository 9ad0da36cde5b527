// Package answer turns raw resolution payloads into user-facing text. The
// formatter is polymorphic over payload shape: SQL result rows, retrieved
// context snippets, and external API data all go through the same contract.
package answer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/Chiragbrains/portfoliopro/llm"
)

// ErrFormattingFailed is returned when the formatting call itself fails.
var ErrFormattingFailed = errors.New("answer: formatting failed")

// NoDataAnswer is returned verbatim for empty payloads. The LLM is never
// invoked on empty input; summarizing nothing invites hallucination.
const NoDataAnswer = "I couldn't find any data to answer that question."

// defaultPayloadBudget caps serialized payload characters in the prompt.
const defaultPayloadBudget = 12000

const systemPrompt = `You present query results to an investor. Answer the user's question using
ONLY the result data below. Do not add outside knowledge and do not invent
values.

Output rules:
- Plain text only. No markdown, no tables, no code blocks.
- For list-style answers, one item per line prefixed with "- ".
- Keep numeric signs as-is: negative values stay negative (e.g. -432.10).
- Format dollar amounts with thousands separators and two decimals, and
  percentages with a sign and two decimals.
- Be direct; no preamble about the data source unless asked.

Result data (from %s):
%s`

// Formatter produces natural-language answers from structured payloads.
type Formatter struct {
	chat   llm.Provider
	budget int
}

// New creates a Formatter using the given chat provider.
func New(chat llm.Provider) *Formatter {
	return &Formatter{chat: chat, budget: defaultPayloadBudget}
}

// Format renders payload as a plain-text answer to userQuery. The source
// descriptor ("portfolio database", "saved knowledge", ...) scopes the
// prompt; empty payloads short-circuit to NoDataAnswer without an LLM call.
func (f *Formatter) Format(ctx context.Context, userQuery string, payload any, source string) (string, error) {
	if isEmptyPayload(payload) {
		return NoDataAnswer, nil
	}

	serialized, err := serializePayload(payload, f.budget)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFormattingFailed, err)
	}

	resp, err := f.chat.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: fmt.Sprintf(systemPrompt, source, serialized)},
			{Role: "user", Content: userQuery},
		},
		Temperature: 0,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFormattingFailed, err)
	}

	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return "", fmt.Errorf("%w: empty model output", ErrFormattingFailed)
	}
	return text, nil
}

// isEmptyPayload reports whether payload carries no usable data: nil,
// empty string, or a slice/map with no elements.
func isEmptyPayload(payload any) bool {
	if payload == nil {
		return true
	}
	switch v := payload.(type) {
	case string:
		return strings.TrimSpace(v) == ""
	}
	rv := reflect.ValueOf(payload)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	case reflect.Ptr, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// serializePayload renders payload for the prompt: strings pass through,
// everything else becomes indented JSON, cut to the character budget.
func serializePayload(payload any, budget int) (string, error) {
	var text string
	if s, ok := payload.(string); ok {
		text = s
	} else {
		b, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			return "", err
		}
		text = string(b)
	}
	if len(text) > budget {
		text = text[:budget] + "\n[data truncated]"
	}
	return text, nil
}
