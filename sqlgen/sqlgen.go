// Package sqlgen translates natural-language portfolio questions into
// constrained, schema-bound SELECT statements and executes them.
package sqlgen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/Chiragbrains/portfoliopro/llm"
)

var (
	// ErrUnanswerable is returned when the model determines no SELECT over
	// the portfolio table can satisfy the question. This is a routing signal,
	// not a failure.
	ErrUnanswerable = errors.New("sqlgen: question not answerable from portfolio data")

	// ErrSynthesisRejected is returned when the model's output is not a
	// single SELECT statement after stripping code fences.
	ErrSynthesisRejected = errors.New("sqlgen: synthesized output is not a SELECT statement")

	// ErrNoData is returned when a valid SELECT produced zero rows. The
	// router treats this as "this path did not answer" and falls through.
	ErrNoData = errors.New("sqlgen: query returned no rows")

	// ErrQueryFailed is returned when the datastore rejects or fails the
	// statement.
	ErrQueryFailed = errors.New("sqlgen: query execution failed")
)

// Unanswerable is the literal sentinel the model emits when no SELECT can
// satisfy the request.
const Unanswerable = "UNANSWERABLE"

// Executor runs a validated SELECT against the portfolio datastore. The
// execution layer re-validates the SELECT-only constraint independently.
type Executor interface {
	ExecuteSelect(ctx context.Context, query string) ([]map[string]any, error)
}

// Synthesizer turns questions into SQL via an LLM and runs them.
type Synthesizer struct {
	chat llm.Provider
	exec Executor
}

// New creates a Synthesizer.
func New(chat llm.Provider, exec Executor) *Synthesizer {
	return &Synthesizer{chat: chat, exec: exec}
}

// systemPrompt fixes the target relation, its column semantics, and the
// synthesis rules. The model may only emit one SELECT or the UNANSWERABLE
// sentinel.
const systemPrompt = `You translate questions about an investment portfolio into SQLite SELECT statements.

The ONLY table you may reference is portfolio_positions with these columns:
  ticker TEXT            -- stock/ETF symbol, or 'CASH' for the cash position
  company_name TEXT      -- full company or fund name
  total_quantity REAL    -- shares held (dollars for cash)
  average_cost_basis REAL
  current_price REAL
  total_cost_basis_value REAL
  market_value REAL      -- total_quantity * current_price
  pnl_dollar REAL        -- market_value - total_cost_basis_value, signed
  pnl_percent REAL       -- signed percentage gain/loss
  portfolio_percent REAL -- share of total portfolio value
  type TEXT              -- 'stock', 'etf', or 'cash'
  last_updated DATETIME

Rules:
1. Emit exactly ONE SELECT statement and nothing else. Never emit INSERT,
   UPDATE, DELETE, DROP, or any other statement type.
2. Never reference any table or view other than portfolio_positions.
3. "Best performing" means ORDER BY pnl_percent DESC; "worst performing"
   means ORDER BY pnl_percent ASC. "Biggest gain/loss" in dollars uses
   pnl_dollar with the same ordering. P&L values are signed.
4. When the question names a holding: if the term is a 2-5 letter uppercase
   token, match it exactly against ticker. Otherwise match it with a
   case-insensitive substring against company_name, e.g.
   LOWER(company_name) LIKE '%apple%'.
5. Questions about cash use type = 'cash'.
6. If no SELECT over portfolio_positions can answer the question (prices of
   unowned assets, market news, currency conversion, anything beyond the
   columns above), respond with the single word UNANSWERABLE.

Respond with the SQL only. No explanation, no markdown.`

// Synthesize asks the model for a SELECT answering the question. The
// returned statement is validated here, independent of the model's own
// claim; anything that is not a SELECT is a synthesis failure.
func (s *Synthesizer) Synthesize(ctx context.Context, question string) (string, error) {
	resp, err := s.chat.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: question},
		},
		Temperature: 0,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSynthesisRejected, err)
	}

	text := StripFences(resp.Content)
	if strings.EqualFold(strings.TrimSpace(text), Unanswerable) {
		slog.Debug("sqlgen: model declared question unanswerable", "question", question)
		return "", ErrUnanswerable
	}

	if !selectRe.MatchString(text) {
		slog.Warn("sqlgen: rejected non-SELECT synthesis",
			"question", question, "output_prefix", prefix(text, 60))
		return "", fmt.Errorf("%w: %q", ErrSynthesisRejected, prefix(text, 60))
	}
	return strings.TrimSpace(text), nil
}

// Execute runs a synthesized SELECT. Zero rows maps to ErrNoData so the
// router can fall through instead of formatting an empty answer.
func (s *Synthesizer) Execute(ctx context.Context, query string) ([]map[string]any, error) {
	rows, err := s.exec.ExecuteSelect(ctx, query)
	if err != nil {
		// Keep the executor's sentinel in the chain; a rejection at the
		// execution boundary is not the same failure as a bad query.
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}
	if len(rows) == 0 {
		return nil, ErrNoData
	}
	return rows, nil
}

// Run synthesizes and executes in one step, returning the statement used
// alongside the rows.
func (s *Synthesizer) Run(ctx context.Context, question string) (string, []map[string]any, error) {
	query, err := s.Synthesize(ctx, question)
	if err != nil {
		return "", nil, err
	}
	rows, err := s.Execute(ctx, query)
	if err != nil {
		return query, nil, err
	}
	return query, rows, nil
}

var (
	selectRe = regexp.MustCompile(`(?i)^\s*select\b`)
	fenceRe  = regexp.MustCompile("(?s)```(?:sql)?\\s*(.*?)\\s*```")
)

// StripFences removes markdown code-fence markup from model output. Text
// without fences is returned trimmed but otherwise unchanged.
func StripFences(text string) string {
	if m := fenceRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(text)
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
