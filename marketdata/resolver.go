package marketdata

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/Chiragbrains/portfoliopro/llm"
)

// ErrNoFunctionDetermined is returned when neither LLM function selection
// nor the semantic-match fallback produced a usable catalog function.
var ErrNoFunctionDetermined = errors.New("marketdata: no function determined for query")

// FunctionMatch pairs a catalog function with its similarity to a query.
type FunctionMatch struct {
	Doc        FunctionDoc
	Similarity float64
}

// CatalogIndex performs semantic search over the function catalog. Backed
// by the store's vec_functions table in production; faked in tests.
type CatalogIndex interface {
	Match(ctx context.Context, queryEmbedding []float32, k int) ([]FunctionMatch, error)
}

// Config holds resolver tuning knobs.
type Config struct {
	// MaxContextChars caps the serialized candidate documentation passed to
	// the function-selection call. Oversized context skips straight to the
	// semantic-match fallback.
	MaxContextChars int
	// PayloadBudget caps the serialized API payload passed to the
	// formatting call; anything longer is truncated with a marker.
	PayloadBudget int
	// Candidates is how many catalog functions the semantic search feeds
	// into LLM function selection.
	Candidates int
}

// Resolution is the final output of the external market-data pipeline.
type Resolution struct {
	Function   string            `json:"function"`
	Parameters map[string]string `json:"parameters"`
	Outcome    string            `json:"outcome"`
	Note       string            `json:"note,omitempty"`
	Answer     string            `json:"answer"`
}

// Resolver runs the three-phase pipeline: resolve function, extract
// parameters, fetch, then format. Function selection, parameter
// extraction, and formatting are separate LLM calls because they have
// different failure surfaces and prompt sizes; each phase falls back
// independently.
type Resolver struct {
	chat   llm.Provider
	client *Client
	index  CatalogIndex
	ticker TickerResolver
	cfg    Config
}

// New creates a Resolver.
func New(chat llm.Provider, client *Client, index CatalogIndex, ticker TickerResolver, cfg Config) *Resolver {
	if cfg.MaxContextChars == 0 {
		cfg.MaxContextChars = 35000
	}
	if cfg.PayloadBudget == 0 {
		cfg.PayloadBudget = 12000
	}
	if cfg.Candidates == 0 {
		cfg.Candidates = 3
	}
	return &Resolver{chat: chat, client: client, index: index, ticker: ticker, cfg: cfg}
}

// Resolve answers a query from external market data. It returns
// ErrNoFunctionDetermined when no catalog function fits; any determined
// function always yields a Resolution whose Answer explains the outcome,
// including API-level failures.
func (r *Resolver) Resolve(ctx context.Context, query string, queryEmbedding []float32) (*Resolution, error) {
	matches, err := r.index.Match(ctx, queryEmbedding, r.cfg.Candidates)
	if err != nil {
		return nil, fmt.Errorf("matching function catalog: %w", err)
	}
	if len(matches) == 0 {
		return nil, ErrNoFunctionDetermined
	}

	fn, params, err := r.selectFunction(ctx, query, matches)
	if err != nil {
		// Fallback: trust the top semantic match and run a narrower
		// parameter-extraction call for just that function.
		slog.Warn("marketdata: function selection failed, using best semantic match",
			"query", query, "fallback", matches[0].Doc.Code, "error", err)
		fn = matches[0].Doc
		params, err = r.extractParameters(ctx, query, fn)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoFunctionDetermined, err)
		}
	}

	params = r.injectTicker(ctx, query, fn, params)
	params = filterParameters(fn, params)

	result, err := r.fetch(ctx, fn, params)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", fn.Code, err)
	}

	answer, err := r.format(ctx, query, result)
	if err != nil {
		return nil, fmt.Errorf("formatting %s result: %w", fn.Code, err)
	}

	return &Resolution{
		Function:   fn.Code,
		Parameters: params,
		Outcome:    result.Outcome.String(),
		Note:       result.Note,
		Answer:     answer,
	}, nil
}

// functionSelection is the fixed JSON shape the selection call must emit.
type functionSelection struct {
	DeterminedFunction string            `json:"determined_function"`
	Parameters         map[string]string `json:"parameters"`
}

const selectionPrompt = `You select exactly one market-data API function to answer a user's question.

Candidate functions (JSON):
%s

Respond with a JSON object of this exact shape and nothing else:
{"determined_function": "<one function_code from the candidates>", "parameters": {"<param>": "<value>", ...}}

Extract parameter values from the question. Currency codes are 3-letter
uppercase (USD, JPY). Leave out parameters the question does not supply.`

// selectFunction runs the primary path: LLM picks one of the semantically
// matched candidates and extracts initial parameters, constrained to a
// fixed JSON shape. Any deviation (oversized context, LLM error,
// non-conforming JSON, unknown function) is an error, which the caller
// converts into the semantic-match fallback.
func (r *Resolver) selectFunction(ctx context.Context, query string, matches []FunctionMatch) (FunctionDoc, map[string]string, error) {
	docs := make([]FunctionDoc, len(matches))
	for i, m := range matches {
		docs[i] = m.Doc
	}
	serialized, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return FunctionDoc{}, nil, err
	}
	if len(serialized) > r.cfg.MaxContextChars {
		return FunctionDoc{}, nil, fmt.Errorf("candidate context too large: %d chars", len(serialized))
	}

	resp, err := r.chat.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: fmt.Sprintf(selectionPrompt, serialized)},
			{Role: "user", Content: query},
		},
		Temperature:    0,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return FunctionDoc{}, nil, err
	}

	var sel functionSelection
	if err := decodeStrict(resp.Content, &sel); err != nil {
		return FunctionDoc{}, nil, fmt.Errorf("non-conforming selection output: %w", err)
	}
	if sel.DeterminedFunction == "" {
		return FunctionDoc{}, nil, fmt.Errorf("selection output has no determined_function")
	}

	fn, ok := CatalogLookup(sel.DeterminedFunction)
	if !ok {
		return FunctionDoc{}, nil, fmt.Errorf("selected function %q not in catalog", sel.DeterminedFunction)
	}
	if sel.Parameters == nil {
		sel.Parameters = map[string]string{}
	}
	return fn, sel.Parameters, nil
}

const extractionPrompt = `Extract parameter values for the market-data function %s from the user's question.
Allowed parameter names: %s.
Respond with a JSON object mapping parameter names to string values and
nothing else. Currency codes are 3-letter uppercase. Omit parameters the
question does not supply; respond with {} if none apply.`

// extractParameters runs the narrower secondary pass for a known function,
// constrained to that function's declared parameter names.
func (r *Resolver) extractParameters(ctx context.Context, query string, fn FunctionDoc) (map[string]string, error) {
	allowed := append(append([]string{}, fn.Required...), fn.Optional...)
	if len(allowed) == 0 {
		return map[string]string{}, nil
	}

	resp, err := r.chat.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: fmt.Sprintf(extractionPrompt, fn.Code, strings.Join(allowed, ", "))},
			{Role: "user", Content: query},
		},
		Temperature:    0,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return nil, err
	}

	var params map[string]string
	if err := decodeStrict(resp.Content, &params); err != nil {
		return nil, fmt.Errorf("non-conforming extraction output: %w", err)
	}
	if params == nil {
		params = map[string]string{}
	}
	return params, nil
}

// injectTicker overrides symbol-type parameters with the separately
// resolved ticker so the extraction call can't invent a different symbol
// than the one already validated.
func (r *Resolver) injectTicker(ctx context.Context, query string, fn FunctionDoc, params map[string]string) map[string]string {
	key := ""
	for _, p := range append(append([]string{}, fn.Required...), fn.Optional...) {
		if p == "symbol" || p == "tickers" {
			key = p
			break
		}
	}
	if key == "" {
		return params
	}

	symbol, err := r.ticker.Resolve(ctx, query)
	if err != nil {
		// Keep whatever the extraction call produced.
		slog.Debug("marketdata: ticker resolution produced nothing", "query", query, "error", err)
		return params
	}
	if params == nil {
		params = map[string]string{}
	}
	params[key] = symbol
	return params
}

// filterParameters drops anything the function does not declare.
func filterParameters(fn FunctionDoc, params map[string]string) map[string]string {
	allowed := make(map[string]bool)
	for _, p := range fn.Required {
		allowed[p] = true
	}
	for _, p := range fn.Optional {
		allowed[p] = true
	}
	out := make(map[string]string, len(params))
	for k, v := range params {
		if allowed[k] {
			out[k] = v
		}
	}
	return out
}

func (r *Resolver) fetch(ctx context.Context, fn FunctionDoc, params map[string]string) (*FetchResult, error) {
	// Company snapshots merge fundamentals with the live quote.
	if fn.Code == "OVERVIEW" && params["symbol"] != "" {
		return r.client.FetchSnapshot(ctx, params["symbol"])
	}
	return r.client.Fetch(ctx, fn.Code, params)
}

const formatPrompt = `Answer the user's question using ONLY the market data below. Do not use any
other knowledge. Plain text only, no markdown. Prefix list items with "- ".
Format currency with thousands separators and two decimals, percentages
signed with two decimals, and market-cap scale values in billions (e.g.
2430.00B).%s

Market data (%s):
%s`

const degradedInstruction = `
The data service attached an advisory note; tell the user the data may be
partial and why, then answer from whatever data is present.`

// format summarizes a fetch result in natural language. Hard API errors
// skip the LLM entirely and become a fixed explanatory answer.
func (r *Resolver) format(ctx context.Context, query string, result *FetchResult) (string, error) {
	if result.Outcome == OutcomeError {
		return fmt.Sprintf("I couldn't get market data for that: %s. Please try again later.",
			result.ErrorMessage), nil
	}

	payload, err := json.MarshalIndent(result.Payload, "", "  ")
	if err != nil {
		return "", err
	}
	serialized := truncatePayload(string(payload), r.cfg.PayloadBudget)

	extra := ""
	if result.Outcome == OutcomeDegraded {
		extra = degradedInstruction + "\nAdvisory note: " + result.Note
	}

	resp, err := r.chat.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: fmt.Sprintf(formatPrompt, extra, result.Function, serialized)},
			{Role: "user", Content: query},
		},
		Temperature: 0,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

var jsonFenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// decodeStrict parses LLM output as JSON, rejecting unknown fields. Code
// fences are stripped first; anything else non-conforming is an error for
// the caller's fallback to handle, never coerced.
func decodeStrict(content string, v any) error {
	text := strings.TrimSpace(content)
	if m := jsonFenceRe.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	// Trailing garbage after the JSON value is also non-conforming.
	if dec.More() {
		return fmt.Errorf("trailing content after JSON value")
	}
	return nil
}
