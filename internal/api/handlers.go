package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/docqa/internal/storage"
)

type addDocumentRequest struct {
	Path  string `json:"path"`
	Title string `json:"title"`
}

// NewHandler returns the HTTP API. Everything except /health requires the
// bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/documents", handleAddDocument(deps))
		r.Get("/documents", handleListDocuments(deps))
		r.Route("/documents/{id}", func(r chi.Router) {
			r.Get("/", handleGetDocument(deps))
			r.Post("/questions", handleAsk(deps))
			r.Get("/queue", handleGetQueue(deps))
			r.Delete("/queue", handleClearQueue(deps))
			r.Get("/status", handleStatus(deps))
			r.Get("/messages", handleMessages(deps))
			r.Get("/notifications", handleNotifications(deps))
			r.Post("/reindex", handleReindex(deps))
		})
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleAddDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req addDocumentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Path) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "path is required")
			return
		}

		info, err := deps.Inspector.Inspect(req.Path)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "cannot read document: %v", err)
			return
		}
		title := strings.TrimSpace(req.Title)
		if title == "" {
			title = info.Title
		}

		doc, err := deps.Store.SaveDocument(storage.Document{
			Title:     title,
			Path:      info.Path,
			PageCount: info.PageCount,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save document: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, doc)
	}
}

func handleListDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docs, err := deps.Store.ListDocuments(parseIntParam(r, "limit", 50, 500))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list documents: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, docs)
	}
}

func handleGetDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, ok := lookupDocument(w, deps, chi.URLParam(r, "id"))
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, doc)
	}
}

func handleAsk(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var q Question
		if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		queued, err := ask(r.Context(), deps, chi.URLParam(r, "id"), q)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		case isInvalid(err):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to queue question: %v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, queued)
	}
}

func handleGetQueue(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, ok := lookupDocument(w, deps, chi.URLParam(r, "id"))
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, deps.Queue.PeekAll(doc.ID))
	}
}

func handleClearQueue(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, ok := lookupDocument(w, deps, chi.URLParam(r, "id"))
		if !ok {
			return
		}
		removed := deps.Processor.Clear(doc.ID)
		writeJSON(w, http.StatusOK, map[string]any{"status": "cleared", "removed": removed})
	}
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, ok := lookupDocument(w, deps, chi.URLParam(r, "id"))
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, documentStatus(deps, doc.ID))
	}
}

func handleMessages(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, ok := lookupDocument(w, deps, chi.URLParam(r, "id"))
		if !ok {
			return
		}
		msgs, err := deps.Store.ListMessages(doc.ID, parseIntParam(r, "limit", 100, 1000))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list messages: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, msgs)
	}
}

func handleNotifications(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, ok := lookupDocument(w, deps, chi.URLParam(r, "id"))
		if !ok {
			return
		}
		notes, err := deps.Store.ListNotifications(doc.ID, parseIntParam(r, "limit", 20, 200))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list notifications: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, notes)
	}
}

// lookupDocument writes a 404 or 500 and reports false when the document
// cannot be loaded.
// handleReindex queues the document's page index to be rebuilt.
func handleReindex(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		err := deps.Store.RequeueIndex(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to requeue index: %v", err)
			return
		}
		doc, ok := lookupDocument(w, deps, id)
		if !ok {
			return
		}
		writeJSON(w, http.StatusAccepted, doc)
	}
}

func lookupDocument(w http.ResponseWriter, deps Deps, id string) (storage.Document, bool) {
	doc, err := deps.Store.GetDocument(id)
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "not_found", "document not found")
		return storage.Document{}, false
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to get document: %v", err)
		return storage.Document{}, false
	}
	return doc, true
}
