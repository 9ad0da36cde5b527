package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// teiProvider implements the embedding half of Provider for HuggingFace
// text-embeddings-inference servers. TEI speaks a minimal protocol:
// POST /embed with {"inputs": [...]} and the response is either a flat
// vector (single input) or an array of vectors. Both shapes are
// normalised to [][]float32 here so callers never see the difference.
//
// TEI serves embedding models only; Chat is not supported.
type teiProvider struct {
	base openAICompatClient
}

// NewTEI creates a provider for a text-embeddings-inference server.
func NewTEI(cfg Config) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8081"
	}
	return &teiProvider{base: newOpenAICompatClientPrefix(cfg, "")}
}

func (p *teiProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return nil, fmt.Errorf("tei provider does not support chat completions")
}

func (p *teiProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	body := teiEmbedRequest{Inputs: texts}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	url := p.base.cfg.BaseURL + "/embed"
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.base.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.base.cfg.APIKey)
	}

	resp, err := p.base.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("tei embed request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading tei response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tei embed error %d: %s", resp.StatusCode, string(respBody))
	}

	return normalizeEmbedShape(respBody, len(texts))
}

type teiEmbedRequest struct {
	Inputs []string `json:"inputs"`
}

// normalizeEmbedShape decodes an embedding response that is either a
// nested array of vectors ([[...], ...]) or a single flat vector ([...]).
// A flat vector is wrapped one level so the result is always one vector
// per input text.
func normalizeEmbedShape(body []byte, wantCount int) ([][]float32, error) {
	var nested [][]float32
	if err := json.Unmarshal(body, &nested); err == nil {
		if len(nested) != wantCount {
			return nil, fmt.Errorf("embedding count mismatch: got %d vectors for %d inputs", len(nested), wantCount)
		}
		return nested, nil
	}

	var flat []float32
	if err := json.Unmarshal(body, &flat); err != nil {
		return nil, fmt.Errorf("decoding tei embed response: %w", err)
	}
	if wantCount != 1 {
		return nil, fmt.Errorf("embedding count mismatch: got 1 vector for %d inputs", wantCount)
	}
	return [][]float32{flat}, nil
}
