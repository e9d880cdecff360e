// Package api serves the engine state and tag writes over HTTP.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"modbus-tagpoller/internal/batch"
	"modbus-tagpoller/internal/master"
	"modbus-tagpoller/internal/model"
	"modbus-tagpoller/internal/tag"
)

// Engine is the part of the master the API reads and writes through.
type Engine interface {
	State() master.State
	Err() error
	Config() master.Config
	Tags() []tag.Handle
	Lookup(name string) (tag.Handle, bool)
	WorkItems() []*batch.WorkItem
	SetByName(ctx context.Context, name string, v any) error
}

// History is the optional value history backend.
type History interface {
	History(ctx context.Context, name string, limit int) ([]model.TagValue, error)
}

type Options struct {
	Engine   Engine
	History  History
	Gatherer prometheus.Gatherer
	Logger   zerolog.Logger
}

type StatusResponse struct {
	State      string `json:"state"`
	Error      string `json:"error,omitempty"`
	Tags       int    `json:"tags"`
	WorkItems  int    `json:"work_items"`
	PollPeriod string `json:"poll_period"`
	Timestamp  string `json:"timestamp"`
}

type WorkItemResponse struct {
	Table string   `json:"table"`
	Start uint16   `json:"start"`
	Count uint16   `json:"count"`
	Tags  []string `json:"tags"`
}

type WriteRequest struct {
	Value any `json:"value"`
}

type WriteResponse struct {
	Tag       string `json:"tag"`
	Value     any    `json:"value"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

type handlers struct {
	eng  Engine
	hist History
	log  zerolog.Logger
}

// NewRouter builds the API routes.
func NewRouter(o Options) chi.Router {
	h := &handlers{eng: o.Engine, hist: o.History, log: o.Logger.With().Str("component", "api").Logger()}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", h.handleHealth)
	if o.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(o.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.handleStatus)
		r.Get("/workitems", h.handleWorkItems)
		r.Get("/tags", h.handleTags)
		r.Get("/tags/{name}", h.handleTag)
		r.Put("/tags/{name}", h.handleWrite)
		r.Get("/history/{name}", h.handleHistory)
	})
	return r
}

func (h *handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Debug().Err(err).Msg("encode response")
	}
}

func (h *handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	if h.eng.State() != master.Connected {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, map[string]string{"state": h.eng.State().String()})
}

func (h *handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		State:      h.eng.State().String(),
		Tags:       len(h.eng.Tags()),
		WorkItems:  len(h.eng.WorkItems()),
		PollPeriod: h.eng.Config().PollPeriod.String(),
		Timestamp:  now(),
	}
	if err := h.eng.Err(); err != nil {
		resp.Error = err.Error()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) handleWorkItems(w http.ResponseWriter, r *http.Request) {
	items := h.eng.WorkItems()
	out := make([]WorkItemResponse, 0, len(items))
	for _, it := range items {
		names := make([]string, 0, len(it.Tags))
		for _, t := range it.Tags {
			names = append(names, t.Name())
		}
		out = append(out, WorkItemResponse{Table: it.Table.String(), Start: it.Start, Count: it.Count, Tags: names})
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *handlers) handleTags(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, model.Snapshots(h.eng.Tags()))
}

func (h *handlers) handleTag(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	t, ok := h.eng.Lookup(name)
	if !ok {
		h.writeError(w, http.StatusNotFound, "tag not found: "+name)
		return
	}
	h.writeJSON(w, http.StatusOK, model.Snapshot(t))
}

func (h *handlers) handleWrite(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := h.eng.Lookup(name); !ok {
		h.writeError(w, http.StatusNotFound, "tag not found: "+name)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var req WriteRequest
	if err := dec.Decode(&req); err != nil || req.Value == nil {
		h.writeError(w, http.StatusBadRequest, `body must be {"value": ...}`)
		return
	}

	resp := WriteResponse{Tag: name, Value: req.Value, Timestamp: now()}
	err = h.eng.SetByName(r.Context(), name, req.Value)
	if err == nil {
		resp.Success = true
		h.writeJSON(w, http.StatusOK, resp)
		return
	}
	resp.Error = err.Error()
	h.log.Warn().Err(err).Str("tag", name).Msg("write failed")
	h.writeJSON(w, writeStatus(err), resp)
}

func writeStatus(err error) int {
	switch {
	case errors.Is(err, master.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, master.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, tag.ErrDetached):
		return http.StatusConflict
	case errors.Is(err, master.ErrConnection):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func (h *handlers) handleHistory(w http.ResponseWriter, r *http.Request) {
	if h.hist == nil {
		h.writeError(w, http.StatusNotFound, "history is disabled")
		return
	}
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	rows, err := h.hist.History(r.Context(), chi.URLParam(r, "name"), limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rows == nil {
		rows = []model.TagValue{}
	}
	h.writeJSON(w, http.StatusOK, rows)
}
