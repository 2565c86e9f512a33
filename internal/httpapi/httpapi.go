// Package httpapi implements the sharing surface of §6.1: note CRUD over
// plain JSON, rate limited and CORS guarded, coherent with any live
// DocSession for the same id. Grounded in the teacher's crdtserver route
// table (a hand-dispatched http.ServeMux with a uniform JSON-error
// envelope), adapted from crdtserver's raw byte PUT/GET pairs to a note
// resource with validation, HTML sanitization, and registry coherence.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"notecollab/internal/apperr"
	"notecollab/internal/registry"
	"notecollab/internal/store"
)

// Store is the slice of *store.Store the HTTP surface needs directly
// (beyond what DocRegistry already exposes for coherent writes).
type Store interface {
	Create(ctx context.Context, id, title, textProjection string, htmlProjection *string, renderMode string) (*store.Document, error)
	Get(ctx context.Context, id string) (*store.Document, error)
	List(ctx context.Context, limit, offset int64) ([]store.Document, error)
	Patch(ctx context.Context, id string, fields store.PatchFields) (*store.Document, error)
	Delete(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

// Config carries the base URL used to build share links.
type Config struct {
	PublicBaseURL string
}

// Handler implements the /api surface described in §6.1.
type Handler struct {
	store    Store
	registry *registry.DocRegistry
	logger   *zap.Logger
	cfg      Config
	sanitize *bluemonday.Policy
}

// NewHandler builds the sharing API handler bound to st and reg.
func NewHandler(st Store, reg *registry.DocRegistry, logger *zap.Logger, cfg Config) *Handler {
	return &Handler{
		store:    st,
		registry: reg,
		logger:   logger,
		cfg:      cfg,
		sanitize: bluemonday.UGCPolicy(),
	}
}

// Register wires every endpoint from §6.1 onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("POST /api/notes/share", h.handleShare)
	mux.HandleFunc("GET /api/notes/{id}", h.handleGet)
	mux.HandleFunc("PUT /api/notes/{id}", h.handlePut)
	mux.HandleFunc("PATCH /api/notes/{id}", h.handlePatch)
	mux.HandleFunc("DELETE /api/notes/{id}", h.handleDelete)
	mux.HandleFunc("GET /api/notes", h.handleList)
}

type healthResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	services := map[string]string{"database": "up", "realtime": "up"}
	status := "healthy"
	code := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		services["database"] = "down"
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	// registry.Len obtains and releases the coarse lock; an obtainable lock
	// is the readiness signal §4.6 asks for.
	h.registry.Len()

	writeJSON(w, code, healthResponse{Status: status, Services: services})
}

type shareRequest struct {
	Title       *string `json:"title"`
	Content     string  `json:"content"`
	HTMLContent *string `json:"htmlContent"`
	ShareID     *string `json:"shareId"`
}

type shareResponse struct {
	ShareID          string `json:"shareId"`
	Title            string `json:"title"`
	EditURL          string `json:"editUrl"`
	ViewURL          string `json:"viewUrl"`
	CollaborativeURL string `json:"collaborativeUrl"`
}

func (h *Handler) handleShare(w http.ResponseWriter, r *http.Request) {
	var req shareRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Content == "" {
		writeError(w, apperr.New(apperr.KindValidation, "content is required"))
		return
	}

	id := uuid.NewString()
	if req.ShareID != nil && *req.ShareID != "" {
		id = *req.ShareID
	}

	title := "Untitled Document"
	if req.Title != nil && *req.Title != "" {
		title = *req.Title
	}

	renderMode := store.RenderModeMarkdown
	var htmlProjection *string
	if req.HTMLContent != nil {
		renderMode = store.RenderModeHTML
		sanitized := h.sanitize.Sanitize(*req.HTMLContent)
		htmlProjection = &sanitized
	}

	doc, err := h.store.Create(r.Context(), id, title, req.Content, htmlProjection, renderMode)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, shareResponse{
		ShareID:          doc.ID,
		Title:            doc.Title,
		EditURL:          h.cfg.PublicBaseURL + "/notes/" + doc.ID + "/edit",
		ViewURL:          h.cfg.PublicBaseURL + "/notes/" + doc.ID,
		CollaborativeURL: h.cfg.PublicBaseURL + "/ws/" + doc.ID,
	})
}

type noteResponse struct {
	ID          string  `json:"id"`
	ShareID     string  `json:"shareId"`
	Title       string  `json:"title"`
	Content     string  `json:"content"`
	HTMLContent *string `json:"htmlContent,omitempty"`
	RenderMode  string  `json:"renderMode"`
	CreatedAt   string  `json:"createdAt"`
	UpdatedAt   string  `json:"updatedAt"`
	Permissions string  `json:"permissions"`
}

func noteResponseFromDocument(doc *store.Document) noteResponse {
	resp := noteResponse{
		ID:          doc.ID,
		ShareID:     doc.ID,
		Title:       doc.Title,
		Content:     doc.TextProjection,
		RenderMode:  doc.RenderMode,
		CreatedAt:   doc.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   doc.UpdatedAt.Format(time.RFC3339),
		Permissions: "edit",
	}
	if doc.HTMLProjection != "" {
		resp.HTMLContent = &doc.HTMLProjection
	}
	return resp
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	doc, err := h.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, noteResponseFromDocument(doc))
}

type successResponse struct {
	Success bool `json:"success"`
}

type putRequest struct {
	Content string `json:"content"`
}

// handlePut implements the realtime-coherent write: if a live session
// exists for id, the replica, projections, and snapshot update together via
// Session.ReplaceContent; otherwise the write goes straight to Store (§4.5).
func (h *Handler) handlePut(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req putRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if session, ok := h.registry.Lookup(id); ok {
		if err := session.ReplaceContent(req.Content); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, successResponse{Success: true})
		return
	}

	if _, err := h.store.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	content := req.Content
	if _, err := h.store.Patch(r.Context(), id, store.PatchFields{TextProjection: &content}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

type patchRequest struct {
	Title       *string `json:"title"`
	Content     *string `json:"content"`
	HTMLContent *string `json:"htmlContent"`
}

func (h *Handler) handlePatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req patchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Title == nil && req.Content == nil && req.HTMLContent == nil {
		writeError(w, apperr.New(apperr.KindValidation, "at least one field is required"))
		return
	}

	// A live session owns textProjection; route content there so the CRDT
	// replica, not just the Store row, reflects the edit. Title and
	// htmlContent never flow through CRDT state (§9 Open question — the
	// live-edit path never re-renders htmlContent on its own).
	if req.Content != nil {
		if session, ok := h.registry.Lookup(id); ok {
			if err := session.ReplaceContent(*req.Content); err != nil {
				writeError(w, err)
				return
			}
		}
	}

	fields := store.PatchFields{Title: req.Title, TextProjection: req.Content}
	if req.HTMLContent != nil {
		sanitized := h.sanitize.Sanitize(*req.HTMLContent)
		fields.HTMLProjection = &sanitized
	}

	if _, err := h.store.Patch(r.Context(), id, fields); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// handleDelete notifies any live session before deleting the Store row, so
// attached clients receive their terminal Deleted frame (§4.5, §8 scenario
// E).
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	h.registry.NotifyDeleted(id)

	if err := h.store.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

type listEntry struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	limit := parseQueryInt(r, "limit", 50)
	offset := parseQueryInt(r, "offset", 0)

	docs, err := h.store.List(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}

	entries := make([]listEntry, 0, len(docs))
	for _, doc := range docs {
		entries = append(entries, listEntry{
			ID:        doc.ID,
			Title:     doc.Title,
			CreatedAt: doc.CreatedAt.Format(time.RFC3339),
			UpdatedAt: doc.UpdatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, entries)
}

func parseQueryInt(r *http.Request, key string, def int64) int64 {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return def
	}
	return v
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, apperr.Wrap(apperr.KindPayloadTooLarge, "request body too large", err))
			return false
		}
		writeError(w, apperr.Wrap(apperr.KindValidation, "malformed request body", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindTransient
	if ae, ok := err.(*apperr.Error); ok {
		kind = ae.Kind
	}
	writeJSON(w, kind.HTTPStatus(), errorBody{Error: err.Error()})
}
