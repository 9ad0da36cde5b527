// Command seed provisions a portfoliopro database: curated business rules,
// the market-data function catalog, and optionally portfolio positions
// imported from an XLSX workbook. Every write is idempotent, so the binary
// can be re-run after rule or catalog changes.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/xuri/excelize/v2"

	"github.com/Chiragbrains/portfoliopro"
	"github.com/Chiragbrains/portfoliopro/store"
)

// businessRules is the curated retrieval corpus: join semantics, column
// conventions, and reusable SQL templates that the model cannot infer from
// the schema alone.
var businessRules = []store.ContextRecord{
	{
		SourceName:  "rule-cash-positions",
		ContentType: "business_rule",
		TextContent: "Cash and money-market balances are stored as rows in portfolio_positions with type='cash', ticker 'CASH', quantity equal to the dollar amount, and price 1.0. Questions about available cash or buying power should sum market_value where type='cash'.",
		SQLQuery:    "SELECT SUM(market_value) AS cash_balance FROM portfolio_positions WHERE type = 'cash'",
	},
	{
		SourceName:  "rule-pnl-semantics",
		ContentType: "business_rule",
		TextContent: "Profit and loss columns: pnl_dollar is unrealized gain or loss in dollars (market_value minus total_cost_basis_value); pnl_percent is the same expressed as a percentage of cost basis. Best and worst performers are ranked by pnl_percent, not pnl_dollar.",
	},
	{
		SourceName:  "rule-portfolio-weight",
		ContentType: "business_rule",
		TextContent: "portfolio_percent is each position's market_value as a percentage of the whole portfolio and always sums to 100 across all rows. Concentration questions (largest holding, overweight positions) should rank by portfolio_percent.",
		SQLQuery:    "SELECT ticker, company_name, portfolio_percent FROM portfolio_positions ORDER BY portfolio_percent DESC LIMIT 5",
	},
	{
		SourceName:  "rule-etf-classification",
		ContentType: "relationship",
		TextContent: "Exchange-traded funds are rows with type='etf'. Sector questions exclude ETFs and cash because only individual stocks carry a meaningful single sector.",
	},
	{
		SourceName:  "rule-ticker-matching",
		ContentType: "business_rule",
		TextContent: "Tickers are stored uppercase and matched exactly. Company names are matched case-insensitively with a LIKE pattern, so 'apple' finds 'Apple Inc.'.",
	},
}

func main() {
	configPath := flag.String("config", "", "Path to config file (JSON)")
	xlsxPath := flag.String("positions", "", "Optional XLSX workbook of portfolio positions to import")
	skipCatalog := flag.Bool("skip-catalog", false, "Skip market-data function catalog sync")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if err := godotenv.Load(); err == nil {
		slog.Info("loaded .env")
	}

	cfg := portfoliopro.DefaultConfig()
	if *configPath != "" {
		if err := loadConfig(*configPath, &cfg); err != nil {
			slog.Error("loading config", "error", err)
			os.Exit(1)
		}
	}
	if v := os.Getenv("PORTFOLIOPRO_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("PORTFOLIOPRO_EMBED_PROVIDER"); v != "" {
		cfg.Embedding.Provider = v
	}
	if v := os.Getenv("PORTFOLIOPRO_EMBED_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("PORTFOLIOPRO_EMBED_BASE_URL"); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := os.Getenv("PORTFOLIOPRO_EMBED_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}

	engine, err := portfoliopro.New(cfg)
	if err != nil {
		slog.Error("creating engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	ctx := context.Background()

	for _, rule := range businessRules {
		if err := engine.SeedRule(ctx, rule); err != nil {
			slog.Error("seeding rule", "source_name", rule.SourceName, "error", err)
			os.Exit(1)
		}
		slog.Info("rule seeded", "source_name", rule.SourceName)
	}

	if !*skipCatalog {
		if err := engine.SyncFunctionCatalog(ctx); err != nil {
			slog.Error("syncing function catalog", "error", err)
			os.Exit(1)
		}
	}

	if *xlsxPath != "" {
		n, err := importPositions(ctx, engine.Store(), *xlsxPath)
		if err != nil {
			slog.Error("importing positions", "path", *xlsxPath, "error", err)
			os.Exit(1)
		}
		slog.Info("positions imported", "path", *xlsxPath, "count", n)
	}

	slog.Info("seeding complete")
}

// importPositions reads portfolio positions from the first sheet of an XLSX
// workbook. The first row must be a header naming the columns; rows are
// upserted by ticker.
func importPositions(ctx context.Context, s *store.Store, path string) (int, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return 0, fmt.Errorf("opening XLSX: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return 0, fmt.Errorf("workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return 0, fmt.Errorf("reading sheet %q: %w", sheets[0], err)
	}
	if len(rows) < 2 {
		return 0, fmt.Errorf("sheet %q has no data rows", sheets[0])
	}

	cols := map[string]int{}
	for i, name := range rows[0] {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	if _, ok := cols["ticker"]; !ok {
		return 0, fmt.Errorf("header row has no 'ticker' column")
	}

	count := 0
	for i, row := range rows[1:] {
		ticker := strings.ToUpper(strings.TrimSpace(cell(row, cols, "ticker")))
		if ticker == "" {
			continue
		}
		pos := store.Position{
			Ticker:              ticker,
			CompanyName:         cell(row, cols, "company_name"),
			TotalQuantity:       cellFloat(row, cols, "total_quantity"),
			AverageCostBasis:    cellFloat(row, cols, "average_cost_basis"),
			CurrentPrice:        cellFloat(row, cols, "current_price"),
			TotalCostBasisValue: cellFloat(row, cols, "total_cost_basis_value"),
			MarketValue:         cellFloat(row, cols, "market_value"),
			PnlDollar:           cellFloat(row, cols, "pnl_dollar"),
			PnlPercent:          cellFloat(row, cols, "pnl_percent"),
			PortfolioPercent:    cellFloat(row, cols, "portfolio_percent"),
			Type:                strings.ToLower(strings.TrimSpace(cell(row, cols, "type"))),
		}
		if pos.Type == "" {
			pos.Type = "stock"
		}
		if _, err := s.UpsertPosition(ctx, pos); err != nil {
			return count, fmt.Errorf("row %d (%s): %w", i+2, ticker, err)
		}
		count++
	}
	return count, nil
}

func cell(row []string, cols map[string]int, name string) string {
	i, ok := cols[name]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func cellFloat(row []string, cols map[string]int, name string) float64 {
	raw := cell(row, cols, name)
	if raw == "" {
		return 0
	}
	// Tolerate formatted workbook values like "$1,234.50" or "27.8%".
	raw = strings.NewReplacer("$", "", ",", "", "%", "").Replace(raw)
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return v
}

func loadConfig(path string, cfg *portfoliopro.Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(cfg)
}
