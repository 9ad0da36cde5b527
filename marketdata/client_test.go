package marketdata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(handler http.HandlerFunc) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	return NewClient(srv.URL, "test-key"), srv
}

func TestFetchClassification(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantOutcome Outcome
		wantNote    string
		wantErrMsg  bool
	}{
		{
			name:        "data",
			status:      http.StatusOK,
			body:        `{"Global Quote": {"01. symbol": "AAPL", "05. price": "232.1400"}}`,
			wantOutcome: OutcomeData,
		},
		{
			name:        "error message field",
			status:      http.StatusOK,
			body:        `{"Error Message": "Invalid API call. Please retry or visit the documentation."}`,
			wantOutcome: OutcomeError,
			wantErrMsg:  true,
		},
		{
			name:        "note only is degraded",
			status:      http.StatusOK,
			body:        `{"Note": "Thank you for using our API. Our standard API rate limit is 25 requests per day."}`,
			wantOutcome: OutcomeDegraded,
			wantNote:    "Thank you for using our API. Our standard API rate limit is 25 requests per day.",
		},
		{
			name:        "information field is degraded",
			status:      http.StatusOK,
			body:        `{"Information": "Premium endpoint."}`,
			wantOutcome: OutcomeDegraded,
			wantNote:    "Premium endpoint.",
		},
		{
			name:        "empty payload is degraded",
			status:      http.StatusOK,
			body:        `{}`,
			wantOutcome: OutcomeDegraded,
		},
		{
			name:        "http error",
			status:      http.StatusServiceUnavailable,
			body:        `oops`,
			wantOutcome: OutcomeError,
			wantErrMsg:  true,
		},
		{
			name:        "non-json body",
			status:      http.StatusOK,
			body:        `<html>not json</html>`,
			wantOutcome: OutcomeError,
			wantErrMsg:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			defer srv.Close()

			result, err := client.Fetch(context.Background(), "GLOBAL_QUOTE", map[string]string{"symbol": "AAPL"})
			if err != nil {
				t.Fatalf("Fetch returned Go error for API-level failure: %v", err)
			}
			if result.Outcome != tt.wantOutcome {
				t.Errorf("outcome = %v, want %v", result.Outcome, tt.wantOutcome)
			}
			if tt.wantNote != "" && result.Note != tt.wantNote {
				t.Errorf("note = %q, want %q", result.Note, tt.wantNote)
			}
			if tt.wantErrMsg && result.ErrorMessage == "" {
				t.Error("expected ErrorMessage to be set")
			}
		})
	}
}

func TestFetchRequestShape(t *testing.T) {
	var gotQuery map[string]string
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = map[string]string{}
		for k := range r.URL.Query() {
			gotQuery[k] = r.URL.Query().Get(k)
		}
		w.Write([]byte(`{"bestMatches": []}`))
	})
	defer srv.Close()

	_, err := client.Fetch(context.Background(), "SYMBOL_SEARCH", map[string]string{
		"keywords": "apple",
		"empty":    "",
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if gotQuery["function"] != "SYMBOL_SEARCH" {
		t.Errorf("function param = %q", gotQuery["function"])
	}
	if gotQuery["apikey"] != "test-key" {
		t.Errorf("apikey param = %q", gotQuery["apikey"])
	}
	if gotQuery["keywords"] != "apple" {
		t.Errorf("keywords param = %q", gotQuery["keywords"])
	}
	if _, ok := gotQuery["empty"]; ok {
		t.Error("empty-valued params should not be sent")
	}
}

func TestFetchUnknownFunction(t *testing.T) {
	client := NewClient("http://localhost:0", "key")
	if _, err := client.Fetch(context.Background(), "DELETE_EVERYTHING", nil); err == nil {
		t.Fatal("expected error for function outside the catalog")
	}
}

func TestFetchContextCancellation(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := client.Fetch(ctx, "GLOBAL_QUOTE", map[string]string{"symbol": "AAPL"}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestFetchSnapshotMergesQuote(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("function") {
		case "OVERVIEW":
			w.Write([]byte(`{"Symbol": "AAPL", "Sector": "TECHNOLOGY", "MarketCapitalization": "3500000000000"}`))
		case "GLOBAL_QUOTE":
			w.Write([]byte(`{"Global Quote": {"01. symbol": "AAPL", "05. price": "232.1400"}}`))
		}
	})
	defer srv.Close()

	result, err := client.FetchSnapshot(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("FetchSnapshot: %v", err)
	}
	if result.Outcome != OutcomeData {
		t.Errorf("outcome = %v, want %v", result.Outcome, OutcomeData)
	}
	if result.Function != "OVERVIEW" {
		t.Errorf("function = %q, want OVERVIEW", result.Function)
	}
	if _, ok := result.Payload["Sector"]; !ok {
		t.Error("merged payload missing overview fields")
	}
	if _, ok := result.Payload["Global Quote"]; !ok {
		t.Error("merged payload missing quote fields")
	}
}

func TestFetchSnapshotOverviewErrorWithQuoteData(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("function") {
		case "OVERVIEW":
			w.WriteHeader(http.StatusInternalServerError)
		case "GLOBAL_QUOTE":
			w.Write([]byte(`{"Global Quote": {"05. price": "230.10"}}`))
		}
	})
	defer srv.Close()

	result, err := client.FetchSnapshot(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("FetchSnapshot: %v", err)
	}
	if result.Outcome != OutcomeError {
		t.Errorf("outcome = %v, want %v", result.Outcome, OutcomeError)
	}
	if result.ErrorMessage == "" {
		t.Error("expected error message from the failed overview leg")
	}
	if len(result.Payload) != 0 {
		t.Errorf("quote fields must not leak into an error result: %v", result.Payload)
	}
}

func TestFetchSnapshotDegradesOnQuoteFailure(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("function") {
		case "OVERVIEW":
			w.Write([]byte(`{"Symbol": "AAPL", "Sector": "TECHNOLOGY"}`))
		case "GLOBAL_QUOTE":
			w.WriteHeader(http.StatusInternalServerError)
		}
	})
	defer srv.Close()

	result, err := client.FetchSnapshot(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("FetchSnapshot: %v", err)
	}
	if result.Outcome != OutcomeDegraded {
		t.Errorf("outcome = %v, want %v", result.Outcome, OutcomeDegraded)
	}
	if result.Note == "" {
		t.Error("expected note explaining the missing quote leg")
	}
	if _, ok := result.Payload["Sector"]; !ok {
		t.Error("overview fields should survive a failed quote leg")
	}
}
