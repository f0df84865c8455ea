// Package server exposes the pipeline and query engine over JSON endpoints.
// It is a thin entry layer; identity resolution and the full web application
// live outside this service.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"videoask/core"
	"videoask/pipeline"
	"videoask/query"
	"videoask/quota"
)

type Handlers struct {
	orch   *pipeline.Orchestrator
	engine *query.Engine
	ledger *quota.Ledger
}

func NewHandlers(orch *pipeline.Orchestrator, engine *query.Engine, ledger *quota.Ledger) *Handlers {
	return &Handlers{orch: orch, engine: engine, ledger: ledger}
}

// Register mounts every endpoint on mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.HealthHandler)
	mux.HandleFunc("/videos/submit", h.SubmitHandler)
	mux.HandleFunc("/videos/transcribe", h.TranscribeOnlyHandler)
	mux.HandleFunc("/videos/retry", h.RetryHandler)
	mux.HandleFunc("/query", h.QueryHandler)
	mux.HandleFunc("/quota", h.QuotaHandler)
}

type submitRequest struct {
	UserID   string   `json:"user_id"`
	VideoIDs []string `json:"video_ids"`
}

type retryRequest struct {
	UserID  string `json:"user_id"`
	VideoID string `json:"video_id"`
}

type queryRequest struct {
	UserID string `json:"user_id"`
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

func (h *Handlers) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

func (h *Handlers) SubmitHandler(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, h.orch.Submit)
}

func (h *Handlers) TranscribeOnlyHandler(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, h.orch.SubmitTranscribeOnly)
}

func (h *Handlers) submit(w http.ResponseWriter, r *http.Request,
	run func(ctx context.Context, userID string, ids []string) (*core.PipelineSummary, error)) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if req.UserID == "" || len(req.VideoIDs) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id and video_ids are required"})
		return
	}
	summary, err := run(r.Context(), req.UserID, req.VideoIDs)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handlers) RetryHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req retryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if req.UserID == "" || req.VideoID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id and video_id are required"})
		return
	}
	summary, err := h.orch.RetryVideo(r.Context(), req.UserID, req.VideoID)
	if errors.Is(err, core.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "video not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handlers) QueryHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if req.UserID == "" || req.ChatID == "" || req.Text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id, chat_id and text are required"})
		return
	}
	res, err := h.engine.Query(r.Context(), req.UserID, req.ChatID, req.Text)
	if errors.Is(err, core.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "chat not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) QuotaHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id is required"})
		return
	}
	q, err := h.ledger.Get(r.Context(), userID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "write json error: %v", err)
	}
}
