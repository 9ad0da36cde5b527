//go:build cgo

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath, 4) // dim=4 for test vectors
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func vec(a, b, c, d float32) []float32 {
	return []float32{a, b, c, d}
}

// ---------------------------------------------------------------------------
// Schema / construction
// ---------------------------------------------------------------------------

func TestNew(t *testing.T) {
	s := newTestStore(t)
	if s.EmbeddingDim() != 4 {
		t.Fatalf("expected embedding dim 4, got %d", s.EmbeddingDim())
	}
	if s.DB() == nil {
		t.Fatal("expected non-nil *sql.DB")
	}
}

func TestNewCreatesParentDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sub", "dir")
	dbPath := filepath.Join(dir, "test.db")
	s, err := New(dbPath, 4)
	if err != nil {
		t.Fatalf("creating store in nested dir: %v", err)
	}
	s.Close()
}

// ---------------------------------------------------------------------------
// Context records
// ---------------------------------------------------------------------------

func TestInsertContextAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := ContextRecord{
		ContentType: "direct_answer",
		TextContent: "What is my cash position?",
		Metadata:    map[string]string{"answer": "You hold $12,000.00 in cash.", "path": "sql"},
	}
	id, err := s.InsertContext(ctx, rec, vec(1, 0, 0, 0))
	if err != nil {
		t.Fatalf("inserting context: %v", err)
	}
	if id == 0 {
		t.Fatal("expected non-zero record id")
	}

	got, err := s.GetContext(ctx, id)
	if err != nil {
		t.Fatalf("getting context: %v", err)
	}
	if got.TextContent != rec.TextContent {
		t.Errorf("text_content: got %q, want %q", got.TextContent, rec.TextContent)
	}
	if got.Metadata["answer"] != rec.Metadata["answer"] {
		t.Errorf("metadata answer: got %q, want %q", got.Metadata["answer"], rec.Metadata["answer"])
	}
}

func TestInsertContextDimensionMismatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := ContextRecord{ContentType: "direct_answer", TextContent: "q"}
	_, err := s.InsertContext(ctx, rec, []float32{1, 0})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}

	// The failed write must not leave a partial record behind.
	n, err := s.CountContextRecords(ctx, "")
	if err != nil {
		t.Fatalf("counting: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 records after aborted write, got %d", n)
	}
}

func TestInsertContextDuplicateSourceName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := ContextRecord{
		SourceName:  "rule-cash-type",
		ContentType: "business_rule",
		TextContent: "Cash positions have type = 'cash'.",
	}
	if _, err := s.InsertContext(ctx, rec, vec(1, 0, 0, 0)); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	_, err := s.InsertContext(ctx, rec, vec(1, 0, 0, 0))
	if !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
}

func TestUpsertBySourceNameIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := ContextRecord{
		SourceName:  "rule-pnl",
		ContentType: "business_rule",
		TextContent: "P&L dollar is market value minus total cost basis value.",
		SQLQuery:    "SELECT ticker, pnl_dollar FROM portfolio_positions",
	}
	id1, err := s.UpsertBySourceName(ctx, rec, vec(0, 1, 0, 0))
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	rec.TextContent = "P&L dollar = market_value - total_cost_basis_value."
	id2, err := s.UpsertBySourceName(ctx, rec, vec(0, 1, 0, 0))
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if id1 != id2 {
		t.Errorf("upsert created a second row: ids %d and %d", id1, id2)
	}

	n, _ := s.CountContextRecords(ctx, "business_rule")
	if n != 1 {
		t.Errorf("expected exactly 1 row, got %d", n)
	}

	got, err := s.GetContext(ctx, id1)
	if err != nil {
		t.Fatalf("getting record: %v", err)
	}
	if got.TextContent != rec.TextContent {
		t.Errorf("expected latest content, got %q", got.TextContent)
	}
}

func TestUpsertBySourceNameRequiresName(t *testing.T) {
	s := newTestStore(t)
	_, err := s.UpsertBySourceName(context.Background(),
		ContextRecord{ContentType: "business_rule", TextContent: "x"}, vec(1, 0, 0, 0))
	if err == nil {
		t.Fatal("expected error for missing source name")
	}
}

func TestFindSimilar(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	records := []struct {
		text string
		v    []float32
	}{
		{"cash position question", vec(1, 0, 0, 0)},
		{"best performer question", vec(0, 1, 0, 0)},
		{"almost cash question", vec(0.9, 0.1, 0, 0)},
	}
	for _, r := range records {
		_, err := s.InsertContext(ctx,
			ContextRecord{ContentType: "direct_answer", TextContent: r.text}, r.v)
		if err != nil {
			t.Fatalf("inserting %q: %v", r.text, err)
		}
	}

	results, err := s.FindSimilar(ctx, vec(1, 0, 0, 0), 0.65, 5)
	if err != nil {
		t.Fatalf("find similar: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results above threshold, got %d", len(results))
	}
	if results[0].TextContent != "cash position question" {
		t.Errorf("expected exact match first, got %q", results[0].TextContent)
	}
	if results[0].Similarity < 0.999 {
		t.Errorf("exact match similarity = %f, want ~1.0", results[0].Similarity)
	}
	if results[1].Similarity >= results[0].Similarity {
		t.Errorf("results not ordered by similarity: %f then %f",
			results[0].Similarity, results[1].Similarity)
	}
}

func TestFindSimilarCacheIdempotence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	q := vec(0.5, 0.5, 0.5, 0.5)
	_, err := s.InsertContext(ctx, ContextRecord{
		ContentType: "direct_answer",
		TextContent: "How much AAPL do I own?",
		Metadata:    map[string]string{"answer": "You own 10 shares."},
	}, q)
	if err != nil {
		t.Fatalf("inserting: %v", err)
	}

	// The exact question vector must come back as a near-duplicate at the
	// high cache threshold.
	hits, err := s.FindSimilar(ctx, q, 0.85, 1)
	if err != nil {
		t.Fatalf("find similar: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 cache hit, got %d", len(hits))
	}
	if hits[0].Metadata["answer"] != "You own 10 shares." {
		t.Errorf("unexpected cached answer: %q", hits[0].Metadata["answer"])
	}
}

func TestFindSimilarDimensionMismatch(t *testing.T) {
	s := newTestStore(t)
	_, err := s.FindSimilar(context.Background(), []float32{1, 2, 3}, 0.5, 5)
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Portfolio read path
// ---------------------------------------------------------------------------

func seedPositions(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	positions := []Position{
		{Ticker: "AAPL", CompanyName: "Apple Inc", TotalQuantity: 10, CurrentPrice: 230,
			MarketValue: 2300, TotalCostBasisValue: 1500, PnlDollar: 800, PnlPercent: 53.33, Type: "stock"},
		{Ticker: "VOO", CompanyName: "Vanguard S&P 500 ETF", TotalQuantity: 5, CurrentPrice: 520,
			MarketValue: 2600, TotalCostBasisValue: 2400, PnlDollar: 200, PnlPercent: 8.33, Type: "etf"},
		{Ticker: "CASH", CompanyName: "Cash", TotalQuantity: 1200, CurrentPrice: 1,
			MarketValue: 1200, TotalCostBasisValue: 1200, Type: "cash"},
	}
	for _, p := range positions {
		if _, err := s.UpsertPosition(ctx, p); err != nil {
			t.Fatalf("seeding %s: %v", p.Ticker, err)
		}
	}
}

func TestExecuteSelect(t *testing.T) {
	s := newTestStore(t)
	seedPositions(t, s)

	rows, err := s.ExecuteSelect(context.Background(),
		"SELECT ticker, market_value FROM portfolio_positions WHERE type = 'cash'")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0]["ticker"] != "CASH" {
		t.Errorf("ticker: got %v, want CASH", rows[0]["ticker"])
	}
}

func TestExecuteSelectZeroRowsIsNotAnError(t *testing.T) {
	s := newTestStore(t)
	seedPositions(t, s)

	rows, err := s.ExecuteSelect(context.Background(),
		"SELECT ticker FROM portfolio_positions WHERE ticker = 'ZZZZ'")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected 0 rows, got %d", len(rows))
	}
}

func TestExecuteSelectRejectsNonSelect(t *testing.T) {
	s := newTestStore(t)
	seedPositions(t, s)

	statements := []string{
		"DELETE FROM portfolio_positions",
		"UPDATE portfolio_positions SET current_price = 0",
		"DROP TABLE portfolio_positions",
		"INSERT INTO portfolio_positions (ticker, company_name) VALUES ('X', 'X')",
		"SELECT 1; DELETE FROM portfolio_positions",
		"  update portfolio_positions set type='cash'",
	}
	for _, stmt := range statements {
		_, err := s.ExecuteSelect(context.Background(), stmt)
		if !errors.Is(err, ErrExecutionRejected) {
			t.Errorf("%q: expected ErrExecutionRejected, got %v", stmt, err)
		}
	}

	// Trailing semicolon alone is allowed.
	if _, err := s.ExecuteSelect(context.Background(), "SELECT ticker FROM portfolio_positions;"); err != nil {
		t.Errorf("trailing semicolon should be accepted: %v", err)
	}
}

func TestUpsertPositionIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := Position{Ticker: "MSFT", CompanyName: "Microsoft", CurrentPrice: 400, Type: "stock"}
	id1, err := s.UpsertPosition(ctx, p)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	p.CurrentPrice = 410
	id2, err := s.UpsertPosition(ctx, p)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if id1 != id2 {
		t.Errorf("upsert created a second row: ids %d and %d", id1, id2)
	}

	positions, err := s.ListPositions(ctx)
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(positions))
	}
	if positions[0].CurrentPrice != 410 {
		t.Errorf("expected latest price 410, got %f", positions[0].CurrentPrice)
	}
}

// ---------------------------------------------------------------------------
// API function catalog
// ---------------------------------------------------------------------------

func TestAPIFunctionCatalogMatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fns := []struct {
		fn APIFunction
		v  []float32
	}{
		{APIFunction{Code: "GLOBAL_QUOTE", Description: "latest price and volume",
			Required: []string{"symbol"}}, vec(1, 0, 0, 0)},
		{APIFunction{Code: "CURRENCY_EXCHANGE_RATE", Description: "realtime currency exchange rate",
			Required: []string{"from_currency", "to_currency"}}, vec(0, 1, 0, 0)},
	}
	for _, f := range fns {
		if _, err := s.UpsertAPIFunction(ctx, f.fn, f.v); err != nil {
			t.Fatalf("upserting %s: %v", f.fn.Code, err)
		}
	}

	matches, err := s.MatchFunctions(ctx, vec(0, 1, 0, 0), 2)
	if err != nil {
		t.Fatalf("matching: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].Code != "CURRENCY_EXCHANGE_RATE" {
		t.Errorf("top match: got %s, want CURRENCY_EXCHANGE_RATE", matches[0].Code)
	}
	if len(matches[0].Required) != 2 {
		t.Errorf("required params: got %v", matches[0].Required)
	}
}

func TestUpsertAPIFunctionIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fn := APIFunction{Code: "OVERVIEW", Description: "company fundamentals", Required: []string{"symbol"}}
	id1, err := s.UpsertAPIFunction(ctx, fn, vec(1, 0, 0, 0))
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	fn.Description = "company fundamentals and key ratios"
	id2, err := s.UpsertAPIFunction(ctx, fn, vec(1, 0, 0, 0))
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if id1 != id2 {
		t.Errorf("upsert created a second row: ids %d and %d", id1, id2)
	}
}

// ---------------------------------------------------------------------------
// Audit log / stats
// ---------------------------------------------------------------------------

func TestLogQueryAndStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedPositions(t, s)

	err := s.LogQuery(ctx, QueryLog{
		Query:     "what's my cash position",
		Answer:    "You hold $1,200.00 in cash.",
		Path:      "sql",
		SQLQuery:  "SELECT * FROM portfolio_positions WHERE type = 'cash'",
		RowCount:  1,
		ElapsedMs: 42,
	})
	if err != nil {
		t.Fatalf("logging query: %v", err)
	}

	stats, err := s.DBStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.QueriesLogged != 1 {
		t.Errorf("queries logged: got %d, want 1", stats.QueriesLogged)
	}
	if stats.Positions != 3 {
		t.Errorf("positions: got %d, want 3", stats.Positions)
	}
}
