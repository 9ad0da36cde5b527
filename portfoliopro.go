// Package portfoliopro answers natural-language questions about an
// investment portfolio by routing each query through a fixed strategy
// order: synthesized SQL over portfolio holdings, semantic retrieval of
// saved context, external market data, then an ungrounded model answer.
// Answered questions are cached by question embedding so near-duplicate
// questions are served without recomputation.
package portfoliopro

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Chiragbrains/portfoliopro/answer"
	"github.com/Chiragbrains/portfoliopro/llm"
	"github.com/Chiragbrains/portfoliopro/marketdata"
	"github.com/Chiragbrains/portfoliopro/sqlgen"
	"github.com/Chiragbrains/portfoliopro/store"
)

// Engine is the main entry point for the portfolio query engine.
type Engine interface {
	// Ask routes a question through the resolution pipeline and returns the
	// formatted answer with its provenance.
	Ask(ctx context.Context, question string) (*QueryResolution, error)

	// SeedRule writes (or overwrites) a curated context record keyed by its
	// logical source name. Used for business rules, join semantics, and SQL
	// templates.
	SeedRule(ctx context.Context, rec store.ContextRecord) error

	// SyncFunctionCatalog embeds the market-data function catalog into the
	// store so queries can be matched against it semantically.
	SyncFunctionCatalog(ctx context.Context) error

	// Store returns the underlying store for diagnostic access.
	Store() *store.Store

	// Close cleanly shuts down the engine.
	Close() error
}

// engine is the concrete implementation of Engine.
type engine struct {
	cfg       Config
	store     *store.Store
	chatLLM   llm.Provider
	embedLLM  llm.Provider
	synth     *sqlgen.Synthesizer
	resolver  *marketdata.Resolver
	formatter *answer.Formatter
}

// New creates a new PortfolioPro engine with the given configuration.
func New(cfg Config) (Engine, error) {
	dbPath := cfg.resolveDBPath()

	// Apply defaults for zero values
	if cfg.EmbeddingDim == 0 {
		cfg.EmbeddingDim = 1024
	}
	if cfg.RetrievalThreshold == 0 {
		cfg.RetrievalThreshold = 0.65
	}
	if cfg.RetrievalLimit == 0 {
		cfg.RetrievalLimit = 5
	}
	if cfg.CacheThreshold == 0 {
		cfg.CacheThreshold = 0.85
	}
	if cfg.MarketData.BaseURL == "" {
		cfg.MarketData.BaseURL = "https://www.alphavantage.co/query"
	}
	if cfg.CacheThreshold < cfg.RetrievalThreshold {
		return nil, fmt.Errorf("%w: cache threshold %.2f below retrieval threshold %.2f",
			ErrInvalidConfig, cfg.CacheThreshold, cfg.RetrievalThreshold)
	}

	s, err := store.New(dbPath, cfg.EmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	chatLLM, err := llm.NewProvider(llm.Config{
		Provider: cfg.Chat.Provider,
		Model:    cfg.Chat.Model,
		BaseURL:  cfg.Chat.BaseURL,
		APIKey:   cfg.Chat.APIKey,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating chat provider: %w", err)
	}

	embedLLM, err := llm.NewProvider(llm.Config{
		Provider: cfg.Embedding.Provider,
		Model:    cfg.Embedding.Model,
		BaseURL:  cfg.Embedding.BaseURL,
		APIKey:   cfg.Embedding.APIKey,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating embedding provider: %w", err)
	}

	client := marketdata.NewClient(cfg.MarketData.BaseURL, cfg.MarketData.APIKey)
	resolver := marketdata.New(chatLLM, client, catalogIndex{s},
		marketdata.NewTickerResolver(chatLLM), marketdata.Config{})

	return &engine{
		cfg:       cfg,
		store:     s,
		chatLLM:   chatLLM,
		embedLLM:  embedLLM,
		synth:     sqlgen.New(chatLLM, s),
		resolver:  resolver,
		formatter: answer.New(chatLLM),
	}, nil
}

// Ask routes one question through the strategy pipeline. Strategies run
// strictly in order; a later strategy is never attempted once an earlier
// one produced a validated answer.
func (e *engine) Ask(ctx context.Context, question string) (*QueryResolution, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("%w: empty question", ErrInvalidConfig)
	}
	start := time.Now()

	// The question embedding drives the cache, retrieval, and external
	// paths. If embedding fails those paths are skipped; SQL synthesis and
	// the generic answer still work.
	emb, embErr := e.embedOne(ctx, question)
	if embErr != nil {
		slog.Warn("ask: embedding unavailable, semantic paths disabled",
			"query", question, "error", embErr)
	}

	// Cache check: a near-duplicate previously answered question is served
	// as-is. Stale answers are possible; there is no eviction or staleness
	// policy on the cache.
	if emb != nil {
		if hit := e.cacheLookup(ctx, emb); hit != nil {
			res := &QueryResolution{
				Query:     question,
				Answer:    hit.Metadata["answer"],
				Path:      PathCached,
				SQLQuery:  hit.SQLQuery,
				Cached:    true,
				ElapsedMs: time.Since(start).Milliseconds(),
			}
			slog.Info("ask: cache hit", "query", question, "similarity", hit.Similarity)
			e.logResolution(ctx, res)
			return res, nil
		}
	}

	// Strategy 1: SQL synthesis over portfolio holdings.
	if res := e.trySQL(ctx, question); res != nil {
		return e.finish(ctx, start, emb, res)
	}

	// Strategy 2: semantic retrieval of saved context.
	if emb != nil {
		if res := e.tryRetrieval(ctx, question, emb); res != nil {
			return e.finish(ctx, start, emb, res)
		}
	}

	// Strategy 3: external market data.
	if emb != nil {
		if res := e.tryExternal(ctx, question, emb); res != nil {
			return e.finish(ctx, start, emb, res)
		}
	}

	// Strategy 4: ungrounded model answer.
	res := e.generic(ctx, question)
	return e.finish(ctx, start, emb, res)
}

// trySQL runs the SQL synthesis path. A nil return means the path did not
// answer and the router should fall through.
func (e *engine) trySQL(ctx context.Context, question string) *QueryResolution {
	query, rows, err := e.synth.Run(ctx, question)
	if err != nil {
		switch {
		case errors.Is(err, sqlgen.ErrUnanswerable):
			slog.Debug("ask: not answerable from portfolio data", "query", question)
		case errors.Is(err, sqlgen.ErrNoData):
			slog.Debug("ask: portfolio query returned no rows", "query", question, "sql", query)
		default:
			slog.Warn("ask: sql path failed", "query", question, "error", err)
		}
		return nil
	}

	text, err := e.formatter.Format(ctx, question, rows, "the portfolio database")
	if err != nil {
		slog.Warn("ask: formatting sql rows failed", "query", question, "error", err)
		return nil
	}
	return &QueryResolution{
		Query:    question,
		Answer:   text,
		Path:     PathSQL,
		SQLQuery: query,
		RowCount: len(rows),
	}
}

// tryRetrieval answers from semantically similar context records. Records
// that carry a SQL template are executed against live portfolio data first;
// plain records are summarized as snippets.
func (e *engine) tryRetrieval(ctx context.Context, question string, emb []float32) *QueryResolution {
	hits, err := e.store.FindSimilar(ctx, emb, e.cfg.RetrievalThreshold, e.cfg.RetrievalLimit)
	if err != nil {
		slog.Warn("ask: retrieval failed", "query", question, "error", err)
		return nil
	}
	if len(hits) == 0 {
		return nil
	}

	// A stored SQL template on the best hit beats summarizing its text:
	// the template re-runs against current holdings instead of replaying a
	// stale answer.
	if best := hits[0]; best.SQLQuery != "" {
		rows, err := e.store.ExecuteSelect(ctx, best.SQLQuery)
		if err == nil && len(rows) > 0 {
			text, ferr := e.formatter.Format(ctx, question, rows, "the portfolio database")
			if ferr == nil {
				return &QueryResolution{
					Query:    question,
					Answer:   text,
					Path:     PathRetrieval,
					SQLQuery: best.SQLQuery,
					RowCount: len(rows),
				}
			}
			slog.Warn("ask: formatting template rows failed", "query", question, "error", ferr)
		} else if err != nil {
			slog.Warn("ask: stored sql template failed", "source", best.SourceName, "error", err)
		}
	}

	snippets := make([]string, len(hits))
	for i, h := range hits {
		snippets[i] = h.TextContent
		// Cached Q/A pairs embed the question; the answer is the part
		// worth summarizing.
		if a := h.Metadata["answer"]; a != "" {
			snippets[i] = h.TextContent + "\n" + a
		}
	}
	text, err := e.formatter.Format(ctx, question, snippets, "saved portfolio knowledge")
	if err != nil {
		slog.Warn("ask: formatting snippets failed", "query", question, "error", err)
		return nil
	}
	if text == answer.NoDataAnswer {
		return nil
	}
	return &QueryResolution{
		Query:        question,
		Answer:       text,
		Path:         PathRetrieval,
		SnippetCount: len(hits),
	}
}

// tryExternal answers from the external market-data API.
func (e *engine) tryExternal(ctx context.Context, question string, emb []float32) *QueryResolution {
	resolution, err := e.resolver.Resolve(ctx, question, emb)
	if err != nil {
		if errors.Is(err, marketdata.ErrNoFunctionDetermined) {
			slog.Debug("ask: no market-data function fits", "query", question)
		} else {
			slog.Warn("ask: external path failed", "query", question, "error", err)
		}
		return nil
	}
	return &QueryResolution{
		Query:           question,
		Answer:          resolution.Answer,
		Path:            PathExternal,
		MatchedFunction: resolution.Function,
		Parameters:      resolution.Parameters,
		Degraded:        resolution.Outcome != "data",
		Note:            resolution.Note,
	}
}

const genericPrompt = `You are a portfolio assistant. Answer the user's general finance question
briefly and in plain text. If the question needs the user's actual holdings
or live market data, say you don't have that information right now instead
of guessing.`

// generic is the last-resort strategy: answer from model knowledge with no
// retrieval grounding. It always yields a resolution; chat failures become
// a user-facing explanation rather than an error.
func (e *engine) generic(ctx context.Context, question string) *QueryResolution {
	res := &QueryResolution{Query: question, Path: PathGeneric}

	resp, err := e.chatLLM.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: genericPrompt},
			{Role: "user", Content: question},
		},
		Temperature: 0.2,
	})
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrLLMUnavailable, err)
		slog.Error("ask: generic answer failed", "query", question, "error", err)
		res.Answer = friendlyFailure(err)
		res.Degraded = true
		return res
	}
	res.Answer = strings.TrimSpace(resp.Content)
	return res
}

// finish stamps timing, persists the answer, and writes the audit log.
func (e *engine) finish(ctx context.Context, start time.Time, emb []float32, res *QueryResolution) (*QueryResolution, error) {
	res.ElapsedMs = time.Since(start).Milliseconds()
	e.persist(ctx, emb, res)
	e.logResolution(ctx, res)
	return res, nil
}

// cacheLookup returns the best near-duplicate previously answered question,
// or nil.
func (e *engine) cacheLookup(ctx context.Context, emb []float32) *store.SimilarRecord {
	hits, err := e.store.FindSimilar(ctx, emb, e.cfg.CacheThreshold, 3)
	if err != nil {
		slog.Warn("ask: cache lookup failed", "error", err)
		return nil
	}
	for i := range hits {
		// Curated rules are retrieval corpus, not cached answers, and a
		// record without a stored answer has nothing to replay.
		if hits[i].SourceName == "" && hits[i].Metadata["answer"] != "" {
			return &hits[i]
		}
	}
	return nil
}

// persist caches a successful resolution keyed by the question embedding.
// Nothing is written when the context is canceled, when the answer is
// degraded, or when a near-duplicate question is already cached.
func (e *engine) persist(ctx context.Context, emb []float32, res *QueryResolution) {
	if emb == nil || res.Degraded || res.Answer == "" || res.Answer == answer.NoDataAnswer {
		return
	}
	if ctx.Err() != nil {
		return
	}

	// Re-check: another request may have cached an equivalent question
	// while this one was resolving.
	if hit := e.cacheLookup(ctx, emb); hit != nil {
		slog.Debug("ask: near-duplicate already cached, skipping persist", "id", hit.ID)
		return
	}

	// The question is the embedded text; the answer rides along in
	// metadata so a cache hit can replay it.
	rec := store.ContextRecord{
		ContentType: contentTypeForPath(res.Path),
		TextContent: res.Query,
		SQLQuery:    res.SQLQuery,
		Metadata:    map[string]string{"answer": res.Answer},
	}
	if _, err := e.store.InsertContext(ctx, rec, emb); err != nil {
		slog.Warn("ask: caching answer failed", "query", res.Query, "error", err)
	}
}

// contentTypeForPath maps a resolution path to the persisted content type.
func contentTypeForPath(p Path) string {
	switch p {
	case PathSQL:
		return "sql_query"
	case PathExternal:
		return "stock_details"
	default:
		return "direct_answer"
	}
}

func (e *engine) logResolution(ctx context.Context, res *QueryResolution) {
	err := e.store.LogQuery(ctx, store.QueryLog{
		Query:           res.Query,
		Answer:          res.Answer,
		Path:            string(res.Path),
		MatchedFunction: res.MatchedFunction,
		SQLQuery:        res.SQLQuery,
		RowCount:        res.RowCount,
		Cached:          res.Cached,
		ElapsedMs:       res.ElapsedMs,
	})
	if err != nil {
		slog.Warn("ask: audit log write failed", "query", res.Query, "error", err)
	}
}

// SeedRule writes a curated context record. The record must carry a source
// name; seeding is idempotent per name.
func (e *engine) SeedRule(ctx context.Context, rec store.ContextRecord) error {
	if rec.SourceName == "" {
		return fmt.Errorf("%w: rule needs a source name", ErrInvalidConfig)
	}
	if rec.ContentType == "" {
		rec.ContentType = "business_rule"
	}

	emb, err := e.embedOne(ctx, rec.TextContent)
	if err != nil {
		return err
	}
	if _, err := e.store.UpsertBySourceName(ctx, rec, emb); err != nil {
		return fmt.Errorf("seeding rule %q: %w", rec.SourceName, err)
	}
	return nil
}

// SyncFunctionCatalog embeds every market-data function description and
// upserts it into the store's semantic catalog.
func (e *engine) SyncFunctionCatalog(ctx context.Context) error {
	for _, fn := range marketdata.Catalog() {
		emb, err := e.embedOne(ctx, fn.Description)
		if err != nil {
			return fmt.Errorf("embedding function %s: %w", fn.Code, err)
		}
		_, err = e.store.UpsertAPIFunction(ctx, store.APIFunction{
			Code:        fn.Code,
			Description: fn.Description,
			Required:    fn.Required,
			Optional:    fn.Optional,
		}, emb)
		if err != nil {
			return fmt.Errorf("storing function %s: %w", fn.Code, err)
		}
	}
	slog.Info("function catalog synced", "functions", len(marketdata.Catalog()))
	return nil
}

// Store returns the underlying store for diagnostic access.
func (e *engine) Store() *store.Store {
	return e.store
}

// Close shuts down the engine.
func (e *engine) Close() error {
	return e.store.Close()
}

// embedOne embeds a single text.
func (e *engine) embedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.embedLLM.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("%w: empty vector", ErrEmbeddingUnavailable)
	}
	return vecs[0], nil
}

// friendlyFailure converts pipeline errors into a user-facing sentence.
func friendlyFailure(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"):
		return "I couldn't reach the language model service. Please check the connection and try again."
	case strings.Contains(msg, "429"), strings.Contains(msg, "rate limit"):
		return "The language model service is rate limiting requests right now. Please try again in a moment."
	default:
		return "Something went wrong while answering that question. Please try again."
	}
}

// catalogIndex adapts the store's semantic function search to the
// marketdata resolver.
type catalogIndex struct {
	s *store.Store
}

func (c catalogIndex) Match(ctx context.Context, queryEmbedding []float32, k int) ([]marketdata.FunctionMatch, error) {
	matches, err := c.s.MatchFunctions(ctx, queryEmbedding, k)
	if err != nil {
		return nil, err
	}
	out := make([]marketdata.FunctionMatch, len(matches))
	for i, m := range matches {
		out[i] = marketdata.FunctionMatch{
			Doc: marketdata.FunctionDoc{
				Code:        m.Code,
				Description: m.Description,
				Required:    m.Required,
				Optional:    m.Optional,
			},
			Similarity: m.Similarity,
		}
	}
	return out, nil
}
