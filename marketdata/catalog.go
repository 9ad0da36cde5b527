// Package marketdata resolves questions that cannot be answered from the
// portfolio datastore against an external market-data API: it selects a
// function from a static catalog, extracts parameters, fetches, and
// summarizes the result.
package marketdata

// FunctionDoc describes one external market-data function. The catalog is
// static; description embeddings are computed at seed time and stored
// alongside for semantic matching against query embeddings.
type FunctionDoc struct {
	Code        string   `json:"function_code"`
	Description string   `json:"description"`
	Required    []string `json:"required_parameters"`
	Optional    []string `json:"optional_parameters"`
}

// Catalog returns every available market-data function. Request URLs are
// only ever built for codes present here.
func Catalog() []FunctionDoc {
	return []FunctionDoc{
		{
			Code:        "GLOBAL_QUOTE",
			Description: "Latest trading price, daily open/high/low, volume, previous close, and daily change for a single stock or ETF symbol. Use for questions about a current or latest stock price.",
			Required:    []string{"symbol"},
		},
		{
			Code:        "OVERVIEW",
			Description: "Company fundamentals and profile: sector, industry, description, market capitalization, P/E ratio, EPS, dividend yield, 52-week high and low. Use for questions about what a company does or its valuation metrics.",
			Required:    []string{"symbol"},
		},
		{
			Code:        "TIME_SERIES_DAILY",
			Description: "Daily historical open, high, low, close, and volume for a symbol. Use for questions about past performance, price history, or how a stock moved over recent days or weeks.",
			Required:    []string{"symbol"},
			Optional:    []string{"outputsize"},
		},
		{
			Code:        "CURRENCY_EXCHANGE_RATE",
			Description: "Realtime exchange rate between two currencies, physical or digital. Use for questions converting an amount from one currency to another, e.g. USD to JPY.",
			Required:    []string{"from_currency", "to_currency"},
		},
		{
			Code:        "NEWS_SENTIMENT",
			Description: "Recent market news articles and sentiment scores, optionally filtered to one or more ticker symbols or topics. Use for questions about news, headlines, or market sentiment.",
			Optional:    []string{"tickers", "topics", "limit"},
		},
		{
			Code:        "SYMBOL_SEARCH",
			Description: "Search for ticker symbols matching a company name or keyword. Use when the question names a company whose symbol is unknown.",
			Required:    []string{"keywords"},
		},
		{
			Code:        "TOP_GAINERS_LOSERS",
			Description: "Top gaining, top losing, and most actively traded US tickers for the current trading day. Use for questions about today's market movers.",
		},
	}
}

// CatalogLookup returns the catalog entry for a function code, or false when
// the code is not in the catalog.
func CatalogLookup(code string) (FunctionDoc, bool) {
	for _, fn := range Catalog() {
		if fn.Code == code {
			return fn, true
		}
	}
	return FunctionDoc{}, false
}
