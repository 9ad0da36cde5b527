package marketdata

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/Chiragbrains/portfoliopro/llm"
)

// fakeChat returns scripted responses in order, or a fixed error.
type fakeChat struct {
	responses []string
	err       error
	calls     int
	requests  []llm.ChatRequest
}

func (f *fakeChat) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	if f.calls >= len(f.responses) {
		return nil, fmt.Errorf("fakeChat: unexpected call %d", f.calls)
	}
	content := f.responses[f.calls]
	f.calls++
	return &llm.ChatResponse{Content: content}, nil
}

func (f *fakeChat) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, fmt.Errorf("fakeChat: embed not supported")
}

func TestRegexTickerResolver(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		want    string
		wantErr bool
	}{
		{name: "plain symbol", query: "what is the price of AAPL today", want: "AAPL"},
		{name: "dollar prefix", query: "how is $TSLA doing", want: "TSLA"},
		{name: "skips stoplist words", query: "convert USD to shares of MSFT", want: "MSFT"},
		{name: "stoplist only", query: "what is an ETF and an IPO", wantErr: true},
		{name: "lowercase ignored", query: "what is the price of apple stock", wantErr: true},
		{name: "too long ignored", query: "explain DIVERSIFICATION to me", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RegexTickerResolver{}.Resolve(context.Background(), tt.query)
			if tt.wantErr {
				if !errors.Is(err, ErrNoTicker) {
					t.Fatalf("error = %v, want ErrNoTicker", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if got != tt.want {
				t.Errorf("symbol = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLLMTickerResolver(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		want    string
		wantErr bool
	}{
		{name: "clean symbol", reply: "NVDA", want: "NVDA"},
		{name: "lowercase normalized", reply: "nvda", want: "NVDA"},
		{name: "dollar prefix stripped", reply: "$NVDA", want: "NVDA"},
		{name: "none sentinel", reply: "NONE", wantErr: true},
		{name: "sentence reply rejected", reply: "The ticker is NVDA.", wantErr: true},
		{name: "stoplist word rejected", reply: "ETF", wantErr: true},
		{name: "empty reply", reply: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewLLMTickerResolver(&fakeChat{responses: []string{tt.reply}})
			got, err := r.Resolve(context.Background(), "question about nvidia")
			if tt.wantErr {
				if !errors.Is(err, ErrNoTicker) {
					t.Fatalf("error = %v, want ErrNoTicker", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if got != tt.want {
				t.Errorf("symbol = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLLMTickerResolverChatError(t *testing.T) {
	r := NewLLMTickerResolver(&fakeChat{err: errors.New("connection refused")})
	if _, err := r.Resolve(context.Background(), "price of apple"); err == nil {
		t.Fatal("expected error when chat fails")
	}
}

func TestTickerChainRegexFirst(t *testing.T) {
	chat := &fakeChat{responses: []string{"AAPL"}}
	chain := NewTickerResolver(chat)

	got, err := chain.Resolve(context.Background(), "price of MSFT")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "MSFT" {
		t.Errorf("symbol = %q, want MSFT", got)
	}
	if chat.calls != 0 {
		t.Errorf("regex hit should not reach the LLM, got %d calls", chat.calls)
	}
}

func TestTickerChainLLMFallback(t *testing.T) {
	chat := &fakeChat{responses: []string{"AAPL"}}
	chain := NewTickerResolver(chat)

	got, err := chain.Resolve(context.Background(), "what is the price of apple stock")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "AAPL" {
		t.Errorf("symbol = %q, want AAPL", got)
	}
	if chat.calls != 1 {
		t.Errorf("expected one LLM fallback call, got %d", chat.calls)
	}
}
