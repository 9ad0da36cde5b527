package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

var (
	// ErrDimensionMismatch is returned when a vector's length does not match
	// the store's configured embedding dimension. The write is aborted; a
	// corrupt vector is never stored.
	ErrDimensionMismatch = errors.New("store: embedding dimension mismatch")

	// ErrDuplicateKey is returned when inserting a record whose source_name
	// already exists and upsert semantics were not requested.
	ErrDuplicateKey = errors.New("store: record with this source name already exists")

	// ErrExecutionRejected is returned when a statement fails the SELECT-only
	// check at the execution boundary.
	ErrExecutionRejected = errors.New("store: only single SELECT statements may be executed")

	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: record not found")
)

// ContextRecord is a persisted (text, embedding, metadata) unit: either a
// curated business rule or a cached question/answer pair.
type ContextRecord struct {
	ID          int64             `json:"id"`
	SourceName  string            `json:"source_name,omitempty"`
	ContentType string            `json:"content_type"`
	TextContent string            `json:"text_content"`
	SQLQuery    string            `json:"sql_query,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   string            `json:"created_at"`
	UpdatedAt   string            `json:"updated_at"`
}

// SimilarRecord pairs a context record with its similarity to a query vector.
type SimilarRecord struct {
	ContextRecord
	Similarity float64 `json:"similarity"`
}

// Position is a row in the portfolio_positions table.
type Position struct {
	ID                  int64   `json:"id"`
	Ticker              string  `json:"ticker"`
	CompanyName         string  `json:"company_name"`
	TotalQuantity       float64 `json:"total_quantity"`
	AverageCostBasis    float64 `json:"average_cost_basis"`
	CurrentPrice        float64 `json:"current_price"`
	TotalCostBasisValue float64 `json:"total_cost_basis_value"`
	MarketValue         float64 `json:"market_value"`
	PnlDollar           float64 `json:"pnl_dollar"`
	PnlPercent          float64 `json:"pnl_percent"`
	PortfolioPercent    float64 `json:"portfolio_percent"`
	Type                string  `json:"type"` // stock, etf, cash
	LastUpdated         string  `json:"last_updated"`
}

// APIFunction is a row in the api_functions catalog.
type APIFunction struct {
	ID          int64    `json:"id"`
	Code        string   `json:"function_code"`
	Description string   `json:"description"`
	Required    []string `json:"required_parameters"`
	Optional    []string `json:"optional_parameters"`
}

// FunctionMatch pairs a catalog function with its similarity to a query vector.
type FunctionMatch struct {
	APIFunction
	Similarity float64 `json:"similarity"`
}

// QueryLog is a row in the query_log audit table.
type QueryLog struct {
	Query           string `json:"query"`
	Answer          string `json:"answer"`
	Path            string `json:"path"`
	MatchedFunction string `json:"matched_function,omitempty"`
	SQLQuery        string `json:"sql_query,omitempty"`
	RowCount        int    `json:"row_count"`
	Cached          bool   `json:"cached"`
	ElapsedMs       int64  `json:"elapsed_ms"`
}

// Stats summarises the store contents for health reporting.
type Stats struct {
	ContextRecords int `json:"context_records"`
	Positions      int `json:"positions"`
	APIFunctions   int `json:"api_functions"`
	QueriesLogged  int `json:"queries_logged"`
}

// Store wraps the SQLite database for all portfoliopro persistence.
type Store struct {
	db           *sql.DB
	embeddingDim int
}

// New opens (or creates) a SQLite database at the given path and
// initialises the schema including the sqlite-vec virtual tables.
func New(dbPath string, embeddingDim int) (*Store, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL(embeddingDim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	// Connection pool settings for SQLite.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, embeddingDim: embeddingDim}

	// Run pending migrations.
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// EmbeddingDim returns the configured embedding dimension.
func (s *Store) EmbeddingDim() int {
	return s.embeddingDim
}

// --- Context record operations ---

func (s *Store) checkDim(embedding []float32) error {
	if len(embedding) != s.embeddingDim {
		return fmt.Errorf("%w: got %d, index is %d", ErrDimensionMismatch, len(embedding), s.embeddingDim)
	}
	return nil
}

// InsertContext inserts a new context record with its embedding. Returns the
// generated record ID. If the record carries a source_name that already
// exists, the insert fails with ErrDuplicateKey; use UpsertBySourceName for
// idempotent writes of curated records.
func (s *Store) InsertContext(ctx context.Context, rec ContextRecord, embedding []float32) (int64, error) {
	if err := s.checkDim(embedding); err != nil {
		return 0, err
	}

	metadata, err := marshalMetadata(rec.Metadata)
	if err != nil {
		return 0, err
	}

	var id int64
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if rec.SourceName != "" {
			var exists bool
			row := tx.QueryRowContext(ctx,
				"SELECT EXISTS(SELECT 1 FROM context_records WHERE source_name = ?)", rec.SourceName)
			if err := row.Scan(&exists); err != nil {
				return err
			}
			if exists {
				return fmt.Errorf("%w: %s", ErrDuplicateKey, rec.SourceName)
			}
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO context_records (source_name, content_type, text_content, sql_query, metadata)
			VALUES (?, ?, ?, ?, ?)
		`, nullString(rec.SourceName), rec.ContentType, rec.TextContent, nullString(rec.SQLQuery), metadata)
		if err != nil {
			return err
		}

		id, err = res.LastInsertId()
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			"INSERT INTO vec_context (record_id, embedding) VALUES (?, ?)",
			id, serializeFloat32(embedding))
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// UpsertBySourceName writes a curated context record keyed by its logical
// source name. Calling it twice with the same source_name results in exactly
// one row holding the latest content and embedding.
func (s *Store) UpsertBySourceName(ctx context.Context, rec ContextRecord, embedding []float32) (int64, error) {
	if rec.SourceName == "" {
		return 0, fmt.Errorf("upsert requires a source name")
	}
	if err := s.checkDim(embedding); err != nil {
		return 0, err
	}

	metadata, err := marshalMetadata(rec.Metadata)
	if err != nil {
		return 0, err
	}

	var id int64
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO context_records (source_name, content_type, text_content, sql_query, metadata)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(source_name) DO UPDATE SET
				content_type = excluded.content_type,
				text_content = excluded.text_content,
				sql_query = excluded.sql_query,
				metadata = excluded.metadata,
				updated_at = CURRENT_TIMESTAMP
		`, rec.SourceName, rec.ContentType, rec.TextContent, nullString(rec.SQLQuery), metadata)
		if err != nil {
			return err
		}

		row := tx.QueryRowContext(ctx,
			"SELECT id FROM context_records WHERE source_name = ?", rec.SourceName)
		if err := row.Scan(&id); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO vec_context (record_id, embedding) VALUES (?, ?)",
			id, serializeFloat32(embedding))
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// GetContext retrieves a context record by ID.
func (s *Store) GetContext(ctx context.Context, id int64) (*ContextRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source_name, content_type, text_content, sql_query, metadata, created_at, updated_at
		FROM context_records WHERE id = ?
	`, id)
	rec, err := scanContextRecord(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: context record %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// FindSimilar performs a KNN search over the context corpus and returns
// records with similarity >= threshold, at most limit, ordered by similarity
// descending with ties broken by most-recent creation time.
func (s *Store) FindSimilar(ctx context.Context, embedding []float32, threshold float64, limit int) ([]SimilarRecord, error) {
	if err := s.checkDim(embedding); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 5
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT v.record_id, v.distance,
			c.source_name, c.content_type, c.text_content, c.sql_query, c.metadata,
			c.created_at, c.updated_at
		FROM vec_context v
		JOIN context_records c ON c.id = v.record_id
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance
	`, serializeFloat32(embedding), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SimilarRecord
	for rows.Next() {
		var r SimilarRecord
		var distance float64
		var sourceName, sqlQuery, metadata sql.NullString
		if err := rows.Scan(&r.ID, &distance,
			&sourceName, &r.ContentType, &r.TextContent, &sqlQuery, &metadata,
			&r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		// Cosine distance to similarity.
		r.Similarity = 1.0 - distance
		if r.Similarity < threshold {
			continue
		}
		r.SourceName = sourceName.String
		r.SQLQuery = sqlQuery.String
		r.Metadata = unmarshalMetadata(metadata.String)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// KNN ordering is by distance; break exact similarity ties by recency.
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].CreatedAt > results[j].CreatedAt
	})
	return results, nil
}

// CountContextRecords returns the number of context records by content type.
// An empty contentType counts all records.
func (s *Store) CountContextRecords(ctx context.Context, contentType string) (int, error) {
	var n int
	var err error
	if contentType == "" {
		err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM context_records").Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM context_records WHERE content_type = ?", contentType).Scan(&n)
	}
	return n, err
}

// --- Portfolio read path ---

// selectOnly matches a statement that begins with SELECT after whitespace.
var selectOnly = regexp.MustCompile(`(?i)^\s*select\b`)

// validateSelect enforces the execution-boundary contract: exactly one
// SELECT statement. The synthesis layer performs its own check; this one is
// deliberately repeated because synthesis and execution are different trust
// boundaries.
func validateSelect(query string) error {
	trimmed := strings.TrimSpace(query)
	if !selectOnly.MatchString(trimmed) {
		return fmt.Errorf("%w: got %q", ErrExecutionRejected, truncate(trimmed, 80))
	}
	// Reject statement chaining: a semicolon is only allowed as a trailer.
	if i := strings.Index(trimmed, ";"); i >= 0 && strings.TrimSpace(trimmed[i+1:]) != "" {
		return fmt.Errorf("%w: multiple statements", ErrExecutionRejected)
	}
	return nil
}

// ExecuteSelect runs a single read-only SELECT against the portfolio
// datastore and returns the rows as column-name keyed maps. Zero rows is not
// an error; the caller decides how to route an empty result.
func (s *Store) ExecuteSelect(ctx context.Context, query string) ([]map[string]any, error) {
	if err := validateSelect(query); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		m := make(map[string]any, len(cols))
		for i, col := range cols {
			v := vals[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			m[col] = v
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpsertPosition inserts or updates a portfolio position keyed by ticker.
// Used by seeding/import only; the query pipeline never writes positions.
func (s *Store) UpsertPosition(ctx context.Context, p Position) (int64, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO portfolio_positions (ticker, company_name, total_quantity, average_cost_basis,
			current_price, total_cost_basis_value, market_value, pnl_dollar, pnl_percent,
			portfolio_percent, type)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ticker) DO UPDATE SET
			company_name = excluded.company_name,
			total_quantity = excluded.total_quantity,
			average_cost_basis = excluded.average_cost_basis,
			current_price = excluded.current_price,
			total_cost_basis_value = excluded.total_cost_basis_value,
			market_value = excluded.market_value,
			pnl_dollar = excluded.pnl_dollar,
			pnl_percent = excluded.pnl_percent,
			portfolio_percent = excluded.portfolio_percent,
			type = excluded.type,
			last_updated = CURRENT_TIMESTAMP
	`, p.Ticker, p.CompanyName, p.TotalQuantity, p.AverageCostBasis,
		p.CurrentPrice, p.TotalCostBasisValue, p.MarketValue, p.PnlDollar, p.PnlPercent,
		p.PortfolioPercent, p.Type)
	if err != nil {
		return 0, err
	}

	var id int64
	row := s.db.QueryRowContext(ctx, "SELECT id FROM portfolio_positions WHERE ticker = ?", p.Ticker)
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// ListPositions returns all portfolio positions ordered by market value.
func (s *Store) ListPositions(ctx context.Context) ([]Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ticker, company_name, total_quantity, average_cost_basis, current_price,
			total_cost_basis_value, market_value, pnl_dollar, pnl_percent, portfolio_percent,
			type, last_updated
		FROM portfolio_positions ORDER BY market_value DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.ID, &p.Ticker, &p.CompanyName, &p.TotalQuantity,
			&p.AverageCostBasis, &p.CurrentPrice, &p.TotalCostBasisValue, &p.MarketValue,
			&p.PnlDollar, &p.PnlPercent, &p.PortfolioPercent, &p.Type, &p.LastUpdated); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// --- API function catalog ---

// UpsertAPIFunction writes a catalog entry and its description embedding,
// keyed by function code.
func (s *Store) UpsertAPIFunction(ctx context.Context, fn APIFunction, embedding []float32) (int64, error) {
	if err := s.checkDim(embedding); err != nil {
		return 0, err
	}

	required, err := json.Marshal(fn.Required)
	if err != nil {
		return 0, err
	}
	optional, err := json.Marshal(fn.Optional)
	if err != nil {
		return 0, err
	}

	var id int64
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO api_functions (function_code, description, required_parameters, optional_parameters)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(function_code) DO UPDATE SET
				description = excluded.description,
				required_parameters = excluded.required_parameters,
				optional_parameters = excluded.optional_parameters
		`, fn.Code, fn.Description, string(required), string(optional))
		if err != nil {
			return err
		}

		row := tx.QueryRowContext(ctx,
			"SELECT id FROM api_functions WHERE function_code = ?", fn.Code)
		if err := row.Scan(&id); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO vec_functions (function_id, embedding) VALUES (?, ?)",
			id, serializeFloat32(embedding))
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// MatchFunctions performs a KNN search over the function catalog and returns
// the top-k functions by description similarity.
func (s *Store) MatchFunctions(ctx context.Context, embedding []float32, k int) ([]FunctionMatch, error) {
	if err := s.checkDim(embedding); err != nil {
		return nil, err
	}
	if k <= 0 {
		k = 3
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT v.function_id, v.distance,
			f.function_code, f.description, f.required_parameters, f.optional_parameters
		FROM vec_functions v
		JOIN api_functions f ON f.id = v.function_id
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance
	`, serializeFloat32(embedding), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []FunctionMatch
	for rows.Next() {
		var m FunctionMatch
		var distance float64
		var required, optional sql.NullString
		if err := rows.Scan(&m.ID, &distance, &m.Code, &m.Description, &required, &optional); err != nil {
			return nil, err
		}
		m.Similarity = 1.0 - distance
		if required.String != "" {
			json.Unmarshal([]byte(required.String), &m.Required)
		}
		if optional.String != "" {
			json.Unmarshal([]byte(optional.String), &m.Optional)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// --- Audit log ---

// LogQuery records the outcome of one query resolution. Failures here are
// not fatal to the resolution itself; the caller typically logs and moves on.
func (s *Store) LogQuery(ctx context.Context, q QueryLog) error {
	cached := 0
	if q.Cached {
		cached = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO query_log (query, answer, path, matched_function, sql_query, row_count, cached, elapsed_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, q.Query, q.Answer, q.Path, nullString(q.MatchedFunction), nullString(q.SQLQuery),
		q.RowCount, cached, q.ElapsedMs)
	return err
}

// DBStats returns row counts for health reporting.
func (s *Store) DBStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	queries := []struct {
		sql  string
		dest *int
	}{
		{"SELECT COUNT(*) FROM context_records", &stats.ContextRecords},
		{"SELECT COUNT(*) FROM portfolio_positions", &stats.Positions},
		{"SELECT COUNT(*) FROM api_functions", &stats.APIFunctions},
		{"SELECT COUNT(*) FROM query_log", &stats.QueriesLogged},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.sql).Scan(q.dest); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

// --- helpers ---

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

type scanFunc func(dest ...any) error

func scanContextRecord(scan scanFunc) (*ContextRecord, error) {
	rec := &ContextRecord{}
	var sourceName, sqlQuery, metadata sql.NullString
	err := scan(&rec.ID, &sourceName, &rec.ContentType, &rec.TextContent,
		&sqlQuery, &metadata, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.SourceName = sourceName.String
	rec.SQLQuery = sqlQuery.String
	rec.Metadata = unmarshalMetadata(metadata.String)
	return rec, nil
}

func marshalMetadata(m map[string]string) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshaling metadata: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalMetadata(s string) map[string]string {
	if s == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
