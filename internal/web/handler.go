// Package web renders a read-only HTML view of the tracked set.
package web

import (
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/cexll/tracksync/internal/changerequest"
	"github.com/cexll/tracksync/internal/tracking"
)

//go:embed templates/*
var templatesFS embed.FS

var funcMap = template.FuncMap{
	"healthColor": healthColor,
	"healthIcon":  healthIcon,
	"since":       since,
}

// Handler handles web UI requests
type Handler struct {
	store     *tracking.Store
	templates *template.Template
	now       func() time.Time
}

// NewHandler creates a new web handler
func NewHandler(store *tracking.Store) (*Handler, error) {
	tmpl, err := template.New("").Funcs(funcMap).ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, err
	}

	return &Handler{
		store:     store,
		templates: tmpl,
		now:       time.Now,
	}, nil
}

// RegisterRoutes registers web UI routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/", h.handleList).Methods(http.MethodGet)
	r.HandleFunc("/ui/{owner}/{repo}/{number:[0-9]+}", h.handleDetail).Methods(http.MethodGet)
}

type row struct {
	tracking.Entry
	Now time.Time
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	entries := h.store.List()
	rows := make([]row, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, row{Entry: e, Now: now})
	}

	data := struct {
		Rows []row
	}{
		Rows: rows,
	}
	h.render(w, "tracked_list.html", data)
}

func (h *Handler) handleDetail(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	n, err := strconv.Atoi(vars["number"])
	if err != nil {
		http.Error(w, "Invalid number", http.StatusBadRequest)
		return
	}
	ref := changerequest.Ref{Repo: vars["owner"] + "/" + vars["repo"], Number: n}

	entry, ok := h.store.Get(ref)
	if !ok {
		http.Error(w, "Change request not tracked", http.StatusNotFound)
		return
	}
	h.render(w, "tracked_detail.html", row{Entry: entry, Now: h.now()})
}

func (h *Handler) render(w http.ResponseWriter, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.templates.ExecuteTemplate(w, name, data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func healthColor(failures int) string {
	switch {
	case failures == 0:
		return "#198754"
	case failures < 3:
		return "#fd7e14"
	default:
		return "#dc3545"
	}
}

func healthIcon(failures int) string {
	if failures == 0 {
		return "✓"
	}
	return "✗"
}

// since renders the age of t relative to now, rounded to seconds.
func since(now, t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t).Round(time.Second)
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%s ago", d)
}
