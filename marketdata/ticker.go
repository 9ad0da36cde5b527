package marketdata

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/Chiragbrains/portfoliopro/llm"
)

// ErrNoTicker is returned when no ticker symbol could be resolved from a
// query. Callers that don't need a symbol treat this as informational.
var ErrNoTicker = errors.New("marketdata: no ticker symbol resolved")

// TickerResolver extracts a canonical ticker symbol from a raw query.
// Two strategies exist historically: a cheap regex scan and an LLM call
// that also maps company names to symbols. Call sites choose; the default
// chain tries regex first and falls back to the LLM.
type TickerResolver interface {
	Resolve(ctx context.Context, query string) (string, error)
}

// tickerRe matches candidate symbols: 2-5 letter uppercase tokens,
// optionally prefixed with $.
var tickerRe = regexp.MustCompile(`\$?\b[A-Z]{2,5}\b`)

// nonTickerWords are uppercase tokens that commonly appear in finance
// questions but are never meant as symbols.
var nonTickerWords = map[string]bool{
	"ETF": true, "USD": true, "EUR": true, "JPY": true, "GBP": true,
	"CEO": true, "IPO": true, "API": true, "USA": true, "NYSE": true,
	"PE": true, "EPS": true, "YTD": true, "AI": true, "OK": true,
	"CASH": true, "NEWS": true, "TOP": true, "VS": true,
}

// RegexTickerResolver scans for uppercase symbol-shaped tokens, rejecting
// common non-ticker acronyms. It never calls the network.
type RegexTickerResolver struct{}

func (RegexTickerResolver) Resolve(ctx context.Context, query string) (string, error) {
	for _, m := range tickerRe.FindAllString(query, -1) {
		candidate := strings.TrimPrefix(m, "$")
		if nonTickerWords[candidate] {
			continue
		}
		return candidate, nil
	}
	return "", ErrNoTicker
}

// LLMTickerResolver asks the chat model to name the single ticker symbol
// the query is about, mapping company names to symbols and rejecting
// non-ticker acronyms.
type LLMTickerResolver struct {
	chat llm.Provider
}

// NewLLMTickerResolver creates an LLM-backed resolver.
func NewLLMTickerResolver(chat llm.Provider) *LLMTickerResolver {
	return &LLMTickerResolver{chat: chat}
}

const tickerPrompt = `Identify the single stock or ETF ticker symbol this question is about.
If the question names a company, respond with its primary US ticker symbol.
Respond with the symbol only, in uppercase. Acronyms like ETF, CEO, IPO, or
currency codes are not symbols. If the question is not about any specific
stock or ETF, respond with the single word NONE.`

func (r *LLMTickerResolver) Resolve(ctx context.Context, query string) (string, error) {
	resp, err := r.chat.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: tickerPrompt},
			{Role: "user", Content: query},
		},
		Temperature: 0,
	})
	if err != nil {
		return "", fmt.Errorf("resolving ticker: %w", err)
	}

	symbol := strings.ToUpper(strings.TrimSpace(resp.Content))
	symbol = strings.TrimPrefix(symbol, "$")
	if symbol == "" || symbol == "NONE" {
		return "", ErrNoTicker
	}
	// The model occasionally answers in a sentence; keep only a
	// symbol-shaped reply.
	if !regexp.MustCompile(`^[A-Z]{1,5}$`).MatchString(symbol) {
		return "", fmt.Errorf("%w: unusable reply %q", ErrNoTicker, symbol)
	}
	if nonTickerWords[symbol] {
		return "", ErrNoTicker
	}
	return symbol, nil
}

// chainTickerResolver tries each resolver in order.
type chainTickerResolver struct {
	resolvers []TickerResolver
}

// NewTickerResolver returns the default resolution chain: regex first (no
// network cost), LLM fallback for company-name questions.
func NewTickerResolver(chat llm.Provider) TickerResolver {
	return &chainTickerResolver{
		resolvers: []TickerResolver{
			RegexTickerResolver{},
			NewLLMTickerResolver(chat),
		},
	}
}

func (c *chainTickerResolver) Resolve(ctx context.Context, query string) (string, error) {
	var lastErr error
	for _, r := range c.resolvers {
		symbol, err := r.Resolve(ctx, query)
		if err == nil {
			return symbol, nil
		}
		lastErr = err
	}
	return "", lastErr
}
