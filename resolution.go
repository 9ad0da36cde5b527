package portfoliopro

// Path identifies which strategy produced an answer.
type Path string

const (
	// PathCached means a near-duplicate question was served from the
	// semantic answer cache without recomputation.
	PathCached Path = "cached"
	// PathSQL means the answer came from synthesized SQL over the
	// portfolio table.
	PathSQL Path = "sql"
	// PathRetrieval means the answer came from semantically retrieved
	// context records.
	PathRetrieval Path = "vector_retrieval"
	// PathExternal means the answer came from the external market-data API.
	PathExternal Path = "external_api"
	// PathGeneric means no grounded strategy applied and the model answered
	// from its own knowledge.
	PathGeneric Path = "generic"
)

// QueryResolution is the result of routing one question through the
// resolution pipeline.
type QueryResolution struct {
	Query  string `json:"query"`
	Answer string `json:"answer"`
	Path   Path   `json:"path"`

	// SQLQuery is the statement that produced the rows, when the SQL path
	// (or a retrieved SQL template) answered.
	SQLQuery string `json:"sql_query,omitempty"`
	// MatchedFunction is the market-data function used on the external
	// path, and Parameters are the arguments it was called with.
	MatchedFunction string            `json:"matched_function,omitempty"`
	Parameters      map[string]string `json:"parameters,omitempty"`

	RowCount     int  `json:"row_count,omitempty"`
	SnippetCount int  `json:"snippet_count,omitempty"`
	Cached       bool `json:"cached,omitempty"`

	// Degraded marks an answer built from partial external data; Note
	// carries the upstream advisory (typically rate limiting).
	Degraded bool   `json:"degraded,omitempty"`
	Note     string `json:"note,omitempty"`

	ElapsedMs int64 `json:"elapsed_ms"`
}
