// Package api exposes the tracked set over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cexll/tracksync/internal/changerequest"
	"github.com/cexll/tracksync/internal/checklist"
	"github.com/cexll/tracksync/internal/intake"
	"github.com/cexll/tracksync/internal/monitor"
	"github.com/cexll/tracksync/internal/tracking"
)

// Reconciler runs an out-of-schedule cycle.
type Reconciler interface {
	ReconcileNow(ctx context.Context, ref changerequest.Ref) (monitor.Result, error)
}

// StoryStarter opens a tracked pull request for a story.
type StoryStarter interface {
	Start(ctx context.Context, req intake.Request) (intake.Result, error)
}

// Handler serves the admin API.
type Handler struct {
	store      *tracking.Store
	reconciler Reconciler
	stories    StoryStarter
}

// NewHandler creates an API handler.
func NewHandler(store *tracking.Store, reconciler Reconciler) *Handler {
	return &Handler{store: store, reconciler: reconciler}
}

// WithStories enables POST /stories.
func (h *Handler) WithStories(s StoryStarter) *Handler {
	h.stories = s
	return h
}

// RegisterRoutes registers the API, health and metrics routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/tracked", h.listTracked).Methods(http.MethodGet)
	r.HandleFunc("/tracked", h.addTracked).Methods(http.MethodPost)
	r.HandleFunc("/tracked/{owner}/{repo}/{number:[0-9]+}", h.getTracked).Methods(http.MethodGet)
	r.HandleFunc("/tracked/{owner}/{repo}/{number:[0-9]+}", h.removeTracked).Methods(http.MethodDelete)
	r.HandleFunc("/tracked/{owner}/{repo}/{number:[0-9]+}/reconcile", h.reconcile).Methods(http.MethodPost)
	if h.stories != nil {
		r.HandleFunc("/stories", h.startStory).Methods(http.MethodPost)
	}

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

type entryView struct {
	ChangeRequest    string    `json:"change_request"`
	Repo             string    `json:"repo"`
	Number           int       `json:"number"`
	IssueKey         string    `json:"issue_key"`
	AddedAt          time.Time `json:"added_at"`
	LastReconciledAt time.Time `json:"last_reconciled_at"`
	Failures         int       `json:"failures"`
}

func viewOf(e tracking.Entry) entryView {
	return entryView{
		ChangeRequest:    e.Ref.Key(),
		Repo:             e.Ref.Repo,
		Number:           e.Ref.Number,
		IssueKey:         e.IssueKey,
		AddedAt:          e.AddedAt,
		LastReconciledAt: e.LastReconciledAt,
		Failures:         e.Failures,
	}
}

func (h *Handler) listTracked(w http.ResponseWriter, r *http.Request) {
	entries := h.store.List()
	out := make([]entryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, viewOf(e))
	}
	writeJSON(w, http.StatusOK, out)
}

type addRequest struct {
	Repo     string `json:"repo"`
	Number   int    `json:"number"`
	IssueKey string `json:"issue_key"`
}

func (h *Handler) addTracked(w http.ResponseWriter, r *http.Request) {
	var req addRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	ref := changerequest.Ref{Repo: req.Repo, Number: req.Number}
	if err := ref.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.IssueKey) == "" {
		writeError(w, http.StatusBadRequest, errors.New("issue_key is required"))
		return
	}

	entry, added := h.store.Add(ref, strings.TrimSpace(req.IssueKey))
	if !added {
		writeJSON(w, http.StatusConflict, viewOf(entry))
		return
	}
	clog.FromContext(r.Context()).With("change_request", ref.Key(), "issue", entry.IssueKey).Info("Tracking started via API")
	writeJSON(w, http.StatusCreated, viewOf(entry))
}

func (h *Handler) getTracked(w http.ResponseWriter, r *http.Request) {
	ref, err := refFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	entry, ok := h.store.Get(ref)
	if !ok {
		writeError(w, http.StatusNotFound, tracking.ErrNotTracked)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(entry))
}

func (h *Handler) removeTracked(w http.ResponseWriter, r *http.Request) {
	ref, err := refFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !h.store.Remove(ref) {
		writeError(w, http.StatusNotFound, tracking.ErrNotTracked)
		return
	}
	clog.FromContext(r.Context()).With("change_request", ref.Key()).Info("Tracking stopped via API")
	w.WriteHeader(http.StatusNoContent)
}

type reconcileResponse struct {
	ChangeRequest string          `json:"change_request"`
	Checklist     checklist.State `json:"checklist"`
	Status        string          `json:"status,omitempty"`
	Removed       bool            `json:"removed"`
	Error         string          `json:"error,omitempty"`
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	ref, err := refFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := h.reconciler.ReconcileNow(r.Context(), ref)
	out := reconcileResponse{
		ChangeRequest: ref.Key(),
		Checklist:     res.State,
		Status:        string(res.Status),
		Removed:       res.Removed,
	}
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, out)
	case errors.Is(err, tracking.ErrNotTracked):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, monitor.ErrBusy):
		writeError(w, http.StatusConflict, err)
	default:
		out.Error = err.Error()
		writeJSON(w, http.StatusBadGateway, out)
	}
}

func (h *Handler) startStory(w http.ResponseWriter, r *http.Request) {
	var req intake.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	req.IssueKey = strings.TrimSpace(req.IssueKey)

	res, err := h.stories.Start(r.Context(), req)
	switch {
	case errors.Is(err, intake.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err)
	case err != nil:
		clog.FromContext(r.Context()).With("issue", req.IssueKey).Errorf("Failed to start story: %v", err)
		writeError(w, http.StatusBadGateway, err)
	case res.Created:
		writeJSON(w, http.StatusCreated, res)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func refFromPath(r *http.Request) (changerequest.Ref, error) {
	vars := mux.Vars(r)
	n, err := strconv.Atoi(vars["number"])
	if err != nil {
		return changerequest.Ref{}, fmt.Errorf("invalid number %q", vars["number"])
	}
	ref := changerequest.Ref{Repo: vars["owner"] + "/" + vars["repo"], Number: n}
	return ref, ref.Validate()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
