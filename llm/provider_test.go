package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewProvider(t *testing.T) {
	tests := []struct {
		provider string
		wantType string
	}{
		{"ollama", "*llm.ollamaProvider"},
		{"lmstudio", "*llm.lmStudioProvider"},
		{"openrouter", "*llm.openRouterProvider"},
		{"openai", "*llm.openAIProvider"},
		{"groq", "*llm.groqProvider"},
		{"xai", "*llm.xaiProvider"},
		{"tei", "*llm.teiProvider"},
		{"custom", "*llm.openAICompatProvider"},
	}

	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			cfg := Config{
				Provider: tt.provider,
				Model:    "test-model",
			}
			p, err := NewProvider(cfg)
			if err != nil {
				t.Fatalf("NewProvider(%q) returned error: %v", tt.provider, err)
			}
			gotType := fmt.Sprintf("%T", p)
			if gotType != tt.wantType {
				t.Errorf("NewProvider(%q) type = %s, want %s", tt.provider, gotType, tt.wantType)
			}
		})
	}
}

func TestNewProviderUnknown(t *testing.T) {
	cfg := Config{
		Provider: "doesnotexist",
		Model:    "test-model",
	}
	_, err := NewProvider(cfg)
	if err == nil {
		t.Fatal("expected error for unknown provider, got nil")
	}
	want := "unknown llm provider: doesnotexist"
	if err.Error() != want {
		t.Errorf("error = %q, want %q", err.Error(), want)
	}
}

func TestNewProviderEmpty(t *testing.T) {
	cfg := Config{
		Provider: "",
		Model:    "test-model",
	}
	_, err := NewProvider(cfg)
	if err == nil {
		t.Fatal("expected error for empty provider, got nil")
	}
}

func TestNormalizeEmbedShape(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantCount int
		wantVecs  int
		wantErr   bool
	}{
		{
			name:      "nested vectors",
			body:      `[[0.1, 0.2], [0.3, 0.4]]`,
			wantCount: 2,
			wantVecs:  2,
		},
		{
			name:      "flat vector wrapped one level",
			body:      `[0.1, 0.2, 0.3]`,
			wantCount: 1,
			wantVecs:  1,
		},
		{
			name:      "flat vector for multiple inputs",
			body:      `[0.1, 0.2]`,
			wantCount: 3,
			wantErr:   true,
		},
		{
			name:      "count mismatch",
			body:      `[[0.1], [0.2]]`,
			wantCount: 3,
			wantErr:   true,
		},
		{
			name:      "garbage",
			body:      `{"error": "nope"}`,
			wantCount: 1,
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vecs, err := normalizeEmbedShape([]byte(tt.body), tt.wantCount)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(vecs) != tt.wantVecs {
				t.Errorf("got %d vectors, want %d", len(vecs), tt.wantVecs)
			}
		})
	}
}

func TestTEIEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embed" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		var req teiEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		out := make([][]float32, len(req.Inputs))
		for i := range out {
			out[i] = []float32{0.1, 0.2, 0.3, 0.4}
		}
		json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	p := NewTEI(Config{Provider: "tei", BaseURL: srv.URL})
	vecs, err := p.Embed(context.Background(), []string{"what is my cash position", "best performer"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vecs) != 2 {
		t.Fatalf("got %d vectors, want 2", len(vecs))
	}
	if len(vecs[0]) != 4 {
		t.Errorf("vector dim = %d, want 4", len(vecs[0]))
	}
}

func TestTEIChatUnsupported(t *testing.T) {
	p := NewTEI(Config{Provider: "tei"})
	_, err := p.Chat(context.Background(), ChatRequest{})
	if err == nil {
		t.Fatal("expected error for tei chat, got nil")
	}
}
