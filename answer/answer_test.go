package answer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/Chiragbrains/portfoliopro/llm"
)

type fakeChat struct {
	reply string
	err   error
	calls int
	last  llm.ChatRequest
}

func (f *fakeChat) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	f.calls++
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &llm.ChatResponse{Content: f.reply}, nil
}

func (f *fakeChat) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, fmt.Errorf("fakeChat: embed not supported")
}

func TestFormatEmptyPayloadSkipsLLM(t *testing.T) {
	tests := []struct {
		name    string
		payload any
	}{
		{name: "nil", payload: nil},
		{name: "empty rows", payload: []map[string]any{}},
		{name: "empty snippets", payload: []string{}},
		{name: "empty map", payload: map[string]any{}},
		{name: "blank string", payload: "   "},
		{name: "nil typed slice", payload: []map[string]any(nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chat := &fakeChat{reply: "should never be used"}
			got, err := New(chat).Format(context.Background(), "what do I own", tt.payload, "portfolio database")
			if err != nil {
				t.Fatalf("Format: %v", err)
			}
			if got != NoDataAnswer {
				t.Errorf("answer = %q, want the no-data sentinel", got)
			}
			if chat.calls != 0 {
				t.Errorf("empty payload must not reach the LLM, got %d calls", chat.calls)
			}
		})
	}
}

func TestFormatRows(t *testing.T) {
	chat := &fakeChat{reply: "- AAPL: 1,234.50\n- MSFT: -432.10"}
	rows := []map[string]any{
		{"ticker": "AAPL", "pnl_dollar": 1234.5},
		{"ticker": "MSFT", "pnl_dollar": -432.1},
	}

	got, err := New(chat).Format(context.Background(), "show my pnl", rows, "portfolio database")
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if got != chat.reply {
		t.Errorf("answer = %q", got)
	}
	if chat.last.Temperature != 0 {
		t.Errorf("temperature = %v, want 0", chat.last.Temperature)
	}
	// The prompt must carry the serialized rows and the source descriptor.
	sys := chat.last.Messages[0].Content
	if !strings.Contains(sys, "AAPL") || !strings.Contains(sys, "portfolio database") {
		t.Errorf("system prompt missing payload or source:\n%s", sys)
	}
}

func TestFormatSnippets(t *testing.T) {
	chat := &fakeChat{reply: "Cash positions use type='cash'."}
	snippets := []string{"Cash positions are stored with type='cash' and a null sector."}

	got, err := New(chat).Format(context.Background(), "how is cash stored", snippets, "saved knowledge")
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if got == "" || got == NoDataAnswer {
		t.Errorf("answer = %q", got)
	}
}

func TestFormatChatError(t *testing.T) {
	chat := &fakeChat{err: errors.New("rate limited")}
	_, err := New(chat).Format(context.Background(), "q", []string{"snippet"}, "saved knowledge")
	if !errors.Is(err, ErrFormattingFailed) {
		t.Fatalf("error = %v, want ErrFormattingFailed", err)
	}
}

func TestFormatEmptyModelOutput(t *testing.T) {
	chat := &fakeChat{reply: "   "}
	_, err := New(chat).Format(context.Background(), "q", []string{"snippet"}, "saved knowledge")
	if !errors.Is(err, ErrFormattingFailed) {
		t.Fatalf("error = %v, want ErrFormattingFailed", err)
	}
}

func TestFormatTruncatesLargePayload(t *testing.T) {
	chat := &fakeChat{reply: "summary"}
	f := New(chat)
	f.budget = 100

	big := strings.Repeat("x", 500)
	if _, err := f.Format(context.Background(), "q", big, "market data"); err != nil {
		t.Fatalf("Format: %v", err)
	}
	if !strings.Contains(chat.last.Messages[0].Content, "[data truncated]") {
		t.Error("oversized payload should be truncated with a marker")
	}
}
