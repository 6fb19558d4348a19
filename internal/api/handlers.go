package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/manpreetbhatti/padsync/internal/autosave"
	"github.com/manpreetbhatti/padsync/internal/db"
	"github.com/manpreetbhatti/padsync/internal/diff"
	"github.com/manpreetbhatti/padsync/internal/document"
	"github.com/manpreetbhatti/padsync/internal/ws"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// API serves the HTTP side of the service: document inspection, history
// controls and named versions.
type API struct {
	hub        *ws.Hub
	database   *db.Database
	saver      *autosave.Service
	documentID string
}

// saver may be nil, in which case POST /api/document/save is unavailable.
func New(hub *ws.Hub, database *db.Database, saver *autosave.Service, documentID string) *API {
	return &API{
		hub:        hub,
		database:   database,
		saver:      saver,
		documentID: documentID,
	}
}

// Router wires every endpoint, with syncHandler mounted at /ws.
func (a *API) Router(syncHandler http.Handler) *mux.Router {
	r := mux.NewRouter()

	r.Handle("/ws", syncHandler)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/health", a.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", a.StatsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/clients", a.ClientsHandler).Methods(http.MethodGet)

	r.HandleFunc("/api/document", a.GetDocumentHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/document", a.ReplaceDocumentHandler).Methods(http.MethodPut)
	r.HandleFunc("/api/document/history", a.HistoryHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/document/undo", a.UndoHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/document/redo", a.RedoHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/document/rollback", a.RollbackHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/document/save", a.SaveHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/document/cursor", a.CursorHandler).Methods(http.MethodPut)
	r.HandleFunc("/api/document/insert", a.InsertTextHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/document/delete", a.DeleteTextHandler).Methods(http.MethodPost)

	r.HandleFunc("/api/versions", a.ListVersionsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/versions", a.CreateVersionHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/versions/diff", a.DiffVersionsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/versions/{id:[0-9]+}", a.GetVersionHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/versions/{id:[0-9]+}", a.DeleteVersionHandler).Methods(http.MethodDelete)
	r.HandleFunc("/api/versions/{id:[0-9]+}/restore", a.RestoreVersionHandler).Methods(http.MethodPost)

	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errorResponse(w, http.StatusNotFound, "Not found")
	})

	return r
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

// The user an API action is attributed to
func requester(r *http.Request) string {
	if user := r.URL.Query().Get("user"); user != "" {
		return user
	}
	return "api"
}

func pagination(r *http.Request, defaultLimit int) (int, int) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = defaultLimit
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	store := a.hub.Store()
	versions := a.hub.Versions()

	stats := map[string]interface{}{
		"document_id":    a.documentID,
		"active_clients": a.hub.ClientCount(),
		"content_length": len(store.Content()),
		"history_length": store.HistoryLen(),
		"undo_depth":     versions.UndoDepth(),
		"redo_depth":     versions.RedoDepth(),
		"max_history":    versions.MaxHistory(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	if a.database != nil {
		dbStats, err := a.database.GetStats(r.Context())
		if err == nil {
			stats["total_documents"] = dbStats["document_count"]
			stats["total_versions"] = dbStats["version_count"]
		}
	}

	jsonResponse(w, http.StatusOK, stats)
}

type ClientResponse struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

func (a *API) ClientsHandler(w http.ResponseWriter, r *http.Request) {
	reg := a.hub.Registry()
	ids := reg.List()

	clients := make([]ClientResponse, 0, len(ids))
	for _, id := range ids {
		if conn, ok := reg.Get(id); ok {
			clients = append(clients, ClientResponse{ID: conn.ID, Name: conn.Name})
		}
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"clients": clients,
		"count":   len(clients),
	})
}

// Document handlers

type DocumentResponse struct {
	DocumentID    string              `json:"document_id"`
	Content       string              `json:"content"`
	Cursor        int                 `json:"cursor"`
	Selection     *document.Selection `json:"selection,omitempty"`
	HistoryLength int                 `json:"history_length"`
}

type ReplaceDocumentRequest struct {
	Content *string `json:"content"`
	User    string  `json:"user,omitempty"`
}

func (a *API) documentResponse() DocumentResponse {
	store := a.hub.Store()
	state := store.State()
	return DocumentResponse{
		DocumentID:    a.documentID,
		Content:       state.Text,
		Cursor:        state.Cursor,
		Selection:     state.Selection,
		HistoryLength: store.HistoryLen(),
	}
}

func (a *API) GetDocumentHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, a.documentResponse())
}

// ReplaceDocumentHandler swaps the whole text and pushes it to every client
func (a *API) ReplaceDocumentHandler(w http.ResponseWriter, r *http.Request) {
	var req ReplaceDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Content == nil {
		errorResponse(w, http.StatusBadRequest, "content is required")
		return
	}

	user := req.User
	if user == "" {
		user = requester(r)
	}
	a.hub.Replace(user, *req.Content)

	jsonResponse(w, http.StatusOK, a.documentResponse())
}

func (a *API) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	history := a.hub.Store().History()
	limit, offset := pagination(r, 50)

	// Newest first
	page := make([]document.Edit, 0, limit)
	for i := len(history) - 1 - offset; i >= 0 && len(page) < limit; i-- {
		page = append(page, history[i])
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"history": page,
		"total":   len(history),
		"limit":   limit,
		"offset":  offset,
	})
}

func (a *API) UndoHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.hub.Undo(requester(r)); !ok {
		errorResponse(w, http.StatusConflict, "Nothing to undo")
		return
	}
	jsonResponse(w, http.StatusOK, a.documentResponse())
}

func (a *API) RedoHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.hub.Redo(requester(r)); !ok {
		errorResponse(w, http.StatusConflict, "Nothing to redo")
		return
	}
	jsonResponse(w, http.StatusOK, a.documentResponse())
}

// RollbackHandler drops the newest history entry
func (a *API) RollbackHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.hub.Rollback(requester(r)); !ok {
		errorResponse(w, http.StatusConflict, "Nothing to roll back")
		return
	}
	jsonResponse(w, http.StatusOK, a.documentResponse())
}

type CursorRequest struct {
	Position  int                 `json:"position"`
	Selection *document.Selection `json:"selection,omitempty"`
}

// CursorHandler moves the document cursor. Omitting the selection clears it.
func (a *API) CursorHandler(w http.ResponseWriter, r *http.Request) {
	var req CursorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := a.hub.SetCursor(req.Position, req.Selection); err != nil {
		errorResponse(w, http.StatusBadRequest, "Selection out of bounds")
		return
	}

	store := a.hub.Store()
	resp := map[string]interface{}{"cursor": store.Cursor()}
	if sel, ok := store.Selection(); ok {
		resp["selection"] = sel
	}
	jsonResponse(w, http.StatusOK, resp)
}

type InsertTextRequest struct {
	Text string `json:"text"`
	User string `json:"user,omitempty"`
}

// InsertTextHandler types text at the document cursor
func (a *API) InsertTextHandler(w http.ResponseWriter, r *http.Request) {
	var req InsertTextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Text == "" {
		errorResponse(w, http.StatusBadRequest, "text is required")
		return
	}

	user := req.User
	if user == "" {
		user = requester(r)
	}
	a.hub.InsertText(user, req.Text)

	jsonResponse(w, http.StatusOK, a.documentResponse())
}

type DeleteTextRequest struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	User  string `json:"user,omitempty"`
}

func (a *API) DeleteTextHandler(w http.ResponseWriter, r *http.Request) {
	var req DeleteTextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	user := req.User
	if user == "" {
		user = requester(r)
	}
	if err := a.hub.DeleteText(user, req.Start, req.End); err != nil {
		errorResponse(w, http.StatusBadRequest, "Range out of bounds")
		return
	}

	jsonResponse(w, http.StatusOK, a.documentResponse())
}

func (a *API) SaveHandler(w http.ResponseWriter, r *http.Request) {
	if a.saver == nil {
		errorResponse(w, http.StatusServiceUnavailable, "Storage is not configured")
		return
	}
	if err := a.saver.SaveNow(r.Context()); err != nil {
		log.Printf("Save failed: %v", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to save document")
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"message": "Document saved"})
}

// Version handlers

type VersionResponse struct {
	ID          int       `json:"id"`
	DocumentID  string    `json:"document_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Content     string    `json:"content,omitempty"`
	ContentHash string    `json:"content_hash"`
	CreatedBy   string    `json:"created_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	IsAuto      bool      `json:"is_auto"`
}

type CreateVersionRequest struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	CreatedBy   string  `json:"created_by,omitempty"`
	Content     *string `json:"content,omitempty"` // defaults to the live text
}

func versionResponse(v *db.Version, withContent bool) VersionResponse {
	resp := VersionResponse{
		ID:          v.ID,
		DocumentID:  v.DocumentID,
		Name:        v.Name,
		Description: v.Description,
		ContentHash: v.ContentHash,
		CreatedBy:   v.CreatedBy,
		CreatedAt:   v.CreatedAt,
		IsAuto:      v.IsAuto,
	}
	if withContent {
		resp.Content = v.Content
	}
	return resp
}

func (a *API) documentParam(r *http.Request) string {
	if id := r.URL.Query().Get("document_id"); id != "" {
		return id
	}
	return a.documentID
}

// ListVersionsHandler returns the versions of a document, newest first
func (a *API) ListVersionsHandler(w http.ResponseWriter, r *http.Request) {
	documentID := a.documentParam(r)
	limit, offset := pagination(r, 50)

	versions, err := a.database.ListVersions(r.Context(), documentID, limit, offset)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to list versions")
		return
	}

	response := make([]VersionResponse, len(versions))
	for i := range versions {
		response[i] = versionResponse(&versions[i], false)
	}

	total, _ := a.database.GetVersionCount(r.Context(), documentID)

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"versions": response,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

func (a *API) CreateVersionHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateVersionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	content := a.hub.Store().Content()
	if req.Content != nil {
		content = *req.Content
	}
	if req.Name == "" {
		req.Name = fmt.Sprintf("Version %s", time.Now().Format("Jan 2, 3:04 PM"))
	}

	version, err := a.database.CreateVersion(
		r.Context(), a.documentID, req.Name, req.Description, content, req.CreatedBy, false,
	)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to create version")
		return
	}

	jsonResponse(w, http.StatusCreated, versionResponse(version, false))
}

func versionID(r *http.Request) (int, error) {
	return strconv.Atoi(mux.Vars(r)["id"])
}

// GetVersionHandler returns a version with its full content
func (a *API) GetVersionHandler(w http.ResponseWriter, r *http.Request) {
	id, err := versionID(r)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid version ID")
		return
	}

	version, err := a.database.GetVersion(r.Context(), id)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to get version")
		return
	}
	if version == nil {
		errorResponse(w, http.StatusNotFound, "Version not found")
		return
	}

	jsonResponse(w, http.StatusOK, versionResponse(version, true))
}

func (a *API) DeleteVersionHandler(w http.ResponseWriter, r *http.Request) {
	id, err := versionID(r)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid version ID")
		return
	}

	deleted, err := a.database.DeleteVersion(r.Context(), id)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to delete version")
		return
	}
	if !deleted {
		errorResponse(w, http.StatusNotFound, "Version not found")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]string{"message": "Version deleted"})
}

// DiffVersionsHandler compares two versions line by line
func (a *API) DiffVersionsHandler(w http.ResponseWriter, r *http.Request) {
	fromID, err := strconv.Atoi(r.URL.Query().Get("from"))
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid 'from' version ID")
		return
	}

	toID, err := strconv.Atoi(r.URL.Query().Get("to"))
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid 'to' version ID")
		return
	}

	fromVersion, err := a.database.GetVersion(r.Context(), fromID)
	if err != nil || fromVersion == nil {
		errorResponse(w, http.StatusNotFound, "From version not found")
		return
	}

	toVersion, err := a.database.GetVersion(r.Context(), toID)
	if err != nil || toVersion == nil {
		errorResponse(w, http.StatusNotFound, "To version not found")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"from":       versionResponse(fromVersion, false),
		"to":         versionResponse(toVersion, false),
		"diff":       diff.Lines(fromVersion.Content, toVersion.Content),
		"operations": diff.Diff(fromVersion.Content, toVersion.Content),
	})
}

// RestoreVersionHandler makes a version's content live again and records the
// restore as a new version.
func (a *API) RestoreVersionHandler(w http.ResponseWriter, r *http.Request) {
	id, err := versionID(r)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid version ID")
		return
	}

	version, err := a.database.GetVersion(r.Context(), id)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to get version")
		return
	}
	if version == nil {
		errorResponse(w, http.StatusNotFound, "Version not found")
		return
	}

	user := requester(r)
	a.hub.Replace(user, version.Content)

	newVersion, err := a.database.CreateVersion(
		r.Context(),
		version.DocumentID,
		fmt.Sprintf("Restored from: %s", version.Name),
		fmt.Sprintf("Restored to version %d (%s)", version.ID, version.Name),
		version.Content,
		user,
		false,
	)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to create restore version")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"message":       "Version restored",
		"restored_from": version.ID,
		"new_version":   newVersion.ID,
		"document_id":   version.DocumentID,
		"content":       version.Content,
	})
}
