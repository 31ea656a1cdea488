// Package api serves the status endpoints and the routing journal over HTTP.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/justinjstark/SmtpRouter/internal/address"
	"github.com/justinjstark/SmtpRouter/internal/pagination"
	"github.com/justinjstark/SmtpRouter/internal/sse"
	"github.com/justinjstark/SmtpRouter/internal/store"
)

type Server struct {
	store   *store.Store
	hub     *sse.Hub
	logger  *slog.Logger
	metrics http.Handler
	steps   []string
	mux     *http.ServeMux
}

// NewServer wires the handlers. steps is the configured pipeline, reported
// by /ready.
func NewServer(st *store.Store, hub *sse.Hub, gatherer prometheus.Gatherer, steps []string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	server := &Server{
		store:   st,
		hub:     hub,
		logger:  logger,
		metrics: promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
		steps:   append([]string(nil), steps...),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/journal", server.handleJournal)
	mux.HandleFunc("/api/journal/", server.handleRun)
	mux.HandleFunc("/api/stream", server.handleStream)
	server.mux = mux
	return server
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if strings.HasPrefix(path, "/api/") {
		s.mux.ServeHTTP(w, r)
		return
	}
	switch path {
	case "/health":
		s.handleHealth(w, r)
	case "/ready":
		s.handleReady(w, r)
	case "/metrics":
		s.metrics.ServeHTTP(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	params := pagination.Parse(q, pagination.WithDefaultLimit(20))
	status := strings.TrimSpace(q.Get("status"))
	if status != "" && status != store.StatusOK && status != store.StatusFailed {
		http.Error(w, "invalid status", http.StatusBadRequest)
		return
	}
	filter := store.Filter{
		Email:  address.ForLookup(q.Get("email")),
		Status: status,
		Search: q.Get("search"),
		Sort:   params.Sort,
	}

	runs, total, err := s.store.ListRuns(r.Context(), filter, params.Offset, params.Limit)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.logger.Error("list journal", "error", err)
		http.Error(w, "unable to list journal", http.StatusInternalServerError)
		return
	}

	response := struct {
		Runs    []runSummary `json:"runs"`
		Page    int32        `json:"page"`
		Limit   int32        `json:"limit"`
		Total   int32        `json:"total"`
		HasNext bool         `json:"hasNext"`
	}{
		Runs:    make([]runSummary, 0, len(runs)),
		Page:    params.Page,
		Limit:   params.Limit,
		Total:   total,
		HasNext: pagination.HasNext(params.Offset, params.Limit, total),
	}
	for _, run := range runs {
		response.Runs = append(response.Runs, toSummary(run))
	}
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/journal/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleRunDetail(w, r, id)
	case http.MethodDelete:
		s.handleRunDelete(w, r, id)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request, id string) {
	run, recipients, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		if errors.Is(err, sql.ErrNoRows) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		s.logger.Error("get journal run", "id", id, "error", err)
		http.Error(w, "unable to load run", http.StatusInternalServerError)
		return
	}

	detail := runDetail{
		ID:         run.ID,
		TxID:       run.TxID,
		Username:   run.Username,
		RemoteAddr: run.RemoteAddr,
		From:       run.From,
		Subject:    run.Subject,
		Status:     run.Status,
		FailedStep: run.FailedStep,
		Error:      run.Error,
		RawSize:    run.RawSize,
		DurationMs: run.Duration.Milliseconds(),
		CreatedAt:  run.CreatedAt.UTC().Format(time.RFC3339),
		Original:   []string{},
		Final:      []string{},
	}
	for _, recipient := range recipients {
		switch recipient.Kind {
		case store.KindFinal:
			detail.Final = append(detail.Final, recipient.Email)
		default:
			detail.Original = append(detail.Original, recipient.Email)
		}
	}
	s.respondJSON(w, http.StatusOK, detail)
}

func (s *Server) handleRunDelete(w http.ResponseWriter, r *http.Request, id string) {
	deleted, err := s.store.DeleteRun(r.Context(), id)
	if err != nil {
		http.Error(w, "unable to delete", http.StatusInternalServerError)
		return
	}
	if !deleted {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStream sends routing events. ?rcpt= limits the stream to runs
// involving that address.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	topic := strings.TrimSpace(r.URL.Query().Get("rcpt"))
	if topic == "" {
		topic = sse.TopicAll
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, unsubscribe := s.hub.Subscribe(topic)
	defer unsubscribe()

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case payload, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(payload)
			flusher.Flush()
		case <-ticker.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondText(w, http.StatusOK, "ok")
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.respondText(w, http.StatusServiceUnavailable, "journal unavailable")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"status": "ready", "steps": s.steps})
}

func (s *Server) respondText(w http.ResponseWriter, status int, payload string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(payload))
}

type runSummary struct {
	ID        string   `json:"id"`
	TxID      string   `json:"tx"`
	Username  string   `json:"username"`
	From      string   `json:"from"`
	Subject   string   `json:"subject"`
	Status    string   `json:"status"`
	Original  []string `json:"original"`
	Final     []string `json:"final"`
	CreatedAt string   `json:"createdAt"`
}

type runDetail struct {
	ID         string   `json:"id"`
	TxID       string   `json:"tx"`
	Username   string   `json:"username"`
	RemoteAddr string   `json:"remoteAddr"`
	From       string   `json:"from"`
	Subject    string   `json:"subject"`
	Status     string   `json:"status"`
	FailedStep string   `json:"failedStep,omitempty"`
	Error      string   `json:"error,omitempty"`
	RawSize    int64    `json:"rawSize"`
	DurationMs int64    `json:"durationMs"`
	CreatedAt  string   `json:"createdAt"`
	Original   []string `json:"original"`
	Final      []string `json:"final"`
}

func toSummary(run store.RunSummary) runSummary {
	summary := runSummary{
		ID:        run.ID,
		TxID:      run.TxID,
		Username:  run.Username,
		From:      run.From,
		Subject:   run.Subject,
		Status:    run.Status,
		Original:  []string{},
		Final:     []string{},
		CreatedAt: run.CreatedAt.UTC().Format(time.RFC3339),
	}
	if run.RecipientGroups != nil {
		summary.Original = append(summary.Original, run.RecipientGroups[store.KindOriginal]...)
		summary.Final = append(summary.Final, run.RecipientGroups[store.KindFinal]...)
	}
	return summary
}
