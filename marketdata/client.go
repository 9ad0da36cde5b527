package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Outcome classifies a fetch result. Hard errors from the API are captured
// here as data rather than returned as Go errors, so the formatting phase
// can still explain the failure to the user.
type Outcome int

const (
	// OutcomeData means the payload contains substantive data.
	OutcomeData Outcome = iota
	// OutcomeDegraded means the API answered with an advisory note (e.g.
	// rate limiting) and little or no data. Treated as degraded success.
	OutcomeDegraded
	// OutcomeError means the API reported a hard error or a non-2xx status.
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeData:
		return "data"
	case OutcomeDegraded:
		return "degraded"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

// FetchResult is the structured outcome of one API call.
type FetchResult struct {
	Function     string         `json:"function"`
	Outcome      Outcome        `json:"outcome"`
	Payload      map[string]any `json:"payload,omitempty"`
	Note         string         `json:"note,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Raw          []byte         `json:"-"`
}

// Client calls the external market-data HTTP API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewClient creates a market-data API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

// Fetch executes one function call. Transport failures and context
// cancellation are Go errors; API-level failures (non-2xx, error fields in
// the payload) are captured in the returned FetchResult.
func (c *Client) Fetch(ctx context.Context, function string, params map[string]string) (*FetchResult, error) {
	if _, ok := CatalogLookup(function); !ok {
		return nil, fmt.Errorf("function %q not in catalog", function)
	}

	q := url.Values{}
	q.Set("function", function)
	for k, v := range params {
		if v != "" {
			q.Set(k, v)
		}
	}
	q.Set("apikey", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("market data request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading market data response: %w", err)
	}

	result := &FetchResult{Function: function, Raw: body}

	if resp.StatusCode != http.StatusOK {
		result.Outcome = OutcomeError
		result.ErrorMessage = fmt.Sprintf("HTTP %d from market data service", resp.StatusCode)
		return result, nil
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		result.Outcome = OutcomeError
		result.ErrorMessage = "market data service returned a non-JSON response"
		return result, nil
	}
	result.Payload = payload

	classify(result)
	return result, nil
}

// classify distinguishes real data from the API's advisory and error
// envelopes: a top-level "Error Message" is a hard error; "Note" and
// "Information" are soft warnings (typically rate limiting) that still count
// as a degraded success.
func classify(r *FetchResult) {
	if msg, ok := r.Payload["Error Message"].(string); ok && msg != "" {
		r.Outcome = OutcomeError
		r.ErrorMessage = msg
		return
	}
	if note, ok := r.Payload["Note"].(string); ok && note != "" {
		r.Outcome = OutcomeDegraded
		r.Note = note
		return
	}
	if info, ok := r.Payload["Information"].(string); ok && info != "" {
		r.Outcome = OutcomeDegraded
		r.Note = info
		return
	}
	if len(r.Payload) == 0 {
		r.Outcome = OutcomeDegraded
		r.Note = "the market data service returned an empty response"
		return
	}
	r.Outcome = OutcomeData
}

// FetchSnapshot fetches a company overview and its latest quote
// concurrently and merges them into one result. The two calls are read-only
// and order-independent, so they are issued in parallel and joined before
// formatting.
func (c *Client) FetchSnapshot(ctx context.Context, symbol string) (*FetchResult, error) {
	type fetchOut struct {
		result *FetchResult
		err    error
	}

	overviewCh := make(chan fetchOut, 1)
	quoteCh := make(chan fetchOut, 1)

	go func() {
		r, err := c.Fetch(ctx, "OVERVIEW", map[string]string{"symbol": symbol})
		overviewCh <- fetchOut{r, err}
	}()
	go func() {
		r, err := c.Fetch(ctx, "GLOBAL_QUOTE", map[string]string{"symbol": symbol})
		quoteCh <- fetchOut{r, err}
	}()

	overview := <-overviewCh
	quote := <-quoteCh

	if overview.err != nil {
		return nil, overview.err
	}

	merged := overview.result
	merged.Function = "OVERVIEW"

	// A hard overview error stands on its own; quote data cannot repair it
	// and its payload must stay untouched for the error answer.
	if merged.Outcome == OutcomeError {
		return merged, nil
	}

	// A failed quote leg degrades the snapshot instead of failing it.
	if quote.err != nil || quote.result.Outcome == OutcomeError {
		if merged.Note == "" {
			merged.Note = "latest quote data was unavailable"
		}
		if merged.Outcome == OutcomeData {
			merged.Outcome = OutcomeDegraded
		}
		return merged, nil
	}

	if quote.result.Outcome == OutcomeDegraded && merged.Outcome == OutcomeData {
		merged.Outcome = OutcomeDegraded
		merged.Note = quote.result.Note
	}
	if merged.Payload == nil {
		merged.Payload = make(map[string]any, len(quote.result.Payload))
	}
	for k, v := range quote.result.Payload {
		if _, exists := merged.Payload[k]; !exists {
			merged.Payload[k] = v
		}
	}
	return merged, nil
}
