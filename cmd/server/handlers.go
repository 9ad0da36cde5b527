package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Chiragbrains/portfoliopro"
	"github.com/Chiragbrains/portfoliopro/store"
)

type handler struct {
	engine portfoliopro.Engine
}

func newHandler(e portfoliopro.Engine) *handler {
	return &handler{engine: e}
}

// POST /query
func (h *handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	var req struct {
		Question string `json:"question"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Question == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}

	res, err := h.engine.Ask(ctx, req.Question)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, portfoliopro.ErrInvalidConfig) {
			status = http.StatusBadRequest
		}
		writeError(w, status, "query failed")
		slog.Error("query error", "question", req.Question, "error", err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// POST /rules
// Seeds or overwrites one curated context record.
func (h *handler) handleSeedRule(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 1*time.Minute)
	defer cancel()

	var req struct {
		SourceName  string `json:"source_name"`
		ContentType string `json:"content_type,omitempty"`
		TextContent string `json:"text_content"`
		SQLQuery    string `json:"sql_query,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.SourceName == "" || req.TextContent == "" {
		writeError(w, http.StatusBadRequest, "source_name and text_content are required")
		return
	}

	err := h.engine.SeedRule(ctx, store.ContextRecord{
		SourceName:  req.SourceName,
		ContentType: req.ContentType,
		TextContent: req.TextContent,
		SQLQuery:    req.SQLQuery,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "seeding rule failed")
		slog.Error("seed rule error", "source_name", req.SourceName, "error", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "seeded",
		"source_name": req.SourceName,
	})
}

// GET /positions
func (h *handler) handleListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.engine.Store().ListPositions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		slog.Error("list positions error", "error", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"positions": positions,
	})
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Store().DBStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store unavailable")
		slog.Error("health check error", "error", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"stats":  stats,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
