package store

import "fmt"

// schemaSQL returns the DDL for all tables. embeddingDim controls the
// vec0 virtual table dimensions.
func schemaSQL(embeddingDim int) string {
	return fmt.Sprintf(`
-- Context corpus: curated business rules and the dynamic question/answer
-- cache share one table. Curated rows carry a source_name natural key;
-- dynamic cache rows are keyed by generated id only.
CREATE TABLE IF NOT EXISTS context_records (
    id INTEGER PRIMARY KEY,
    source_name TEXT UNIQUE,
    content_type TEXT NOT NULL CHECK (content_type IN
        ('portfolio_summary','stock_details','business_rule','sql_query','direct_answer','relationship')),
    text_content TEXT NOT NULL,
    sql_query TEXT,
    metadata JSON,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Vector index over context_records via sqlite-vec
CREATE VIRTUAL TABLE IF NOT EXISTS vec_context USING vec0(
    record_id INTEGER PRIMARY KEY,
    embedding float[%[1]d] distance_metric=cosine
);

-- Portfolio holdings. Read-only from the query pipeline's vantage point;
-- written only by seeding/import.
CREATE TABLE IF NOT EXISTS portfolio_positions (
    id INTEGER PRIMARY KEY,
    ticker TEXT NOT NULL UNIQUE,
    company_name TEXT NOT NULL,
    total_quantity REAL NOT NULL DEFAULT 0,
    average_cost_basis REAL NOT NULL DEFAULT 0,
    current_price REAL NOT NULL DEFAULT 0,
    total_cost_basis_value REAL NOT NULL DEFAULT 0,
    market_value REAL NOT NULL DEFAULT 0,
    pnl_dollar REAL NOT NULL DEFAULT 0,
    pnl_percent REAL NOT NULL DEFAULT 0,
    portfolio_percent REAL NOT NULL DEFAULT 0,
    type TEXT NOT NULL DEFAULT 'stock' CHECK (type IN ('stock','etf','cash')),
    last_updated DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Static catalog of external market-data functions
CREATE TABLE IF NOT EXISTS api_functions (
    id INTEGER PRIMARY KEY,
    function_code TEXT NOT NULL UNIQUE,
    description TEXT NOT NULL,
    required_parameters JSON,
    optional_parameters JSON
);

CREATE VIRTUAL TABLE IF NOT EXISTS vec_functions USING vec0(
    function_id INTEGER PRIMARY KEY,
    embedding float[%[1]d] distance_metric=cosine
);

-- Query audit log
CREATE TABLE IF NOT EXISTS query_log (
    id INTEGER PRIMARY KEY,
    query TEXT NOT NULL,
    answer TEXT,
    path TEXT,
    matched_function TEXT,
    sql_query TEXT,
    row_count INTEGER DEFAULT 0,
    cached INTEGER DEFAULT 0,
    elapsed_ms INTEGER DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_context_type ON context_records(content_type);
CREATE INDEX IF NOT EXISTS idx_context_created ON context_records(created_at);
CREATE INDEX IF NOT EXISTS idx_positions_type ON portfolio_positions(type);
`, embeddingDim)
}
