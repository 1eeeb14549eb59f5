package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/metascope/explorer"
	"github.com/maxpert/metascope/metadata"
	"github.com/rs/zerolog/log"
)

// Explorer is the subset of explorer.Service the API serves.
type Explorer interface {
	GetTables(ctx context.Context, sourceID int64, forceRefresh bool) ([]metadata.TableInfo, error)
	GetTableStructure(ctx context.Context, sourceID int64, schema *string, table string, forceRefresh bool) (metadata.TableInfo, error)
	GetKafkaTopics(ctx context.Context, sourceID int64, forceRefresh bool) ([]metadata.KafkaTopicInfo, error)
	GetSchemaRegistrySchemas(ctx context.Context, sourceID int64, forceRefresh bool) (metadata.SchemaListing, error)
	RefreshMetadata(ctx context.Context, sourceID int64, cacheType *string) error
	CompareTables(ctx context.Context, source1ID, source2ID int64, schema1, schema2 *string, table string) (metadata.TableComparison, error)
	TestConnection(ctx context.Context, sourceID int64) error

	CreateSource(ctx context.Context, ds metadata.DataSource) (metadata.DataSource, error)
	GetSource(ctx context.Context, id int64) (metadata.DataSource, error)
	ListSources(ctx context.Context, contextID *int64) ([]metadata.DataSource, error)
	UpdateSource(ctx context.Context, ds metadata.DataSource) (metadata.DataSource, error)
	DeleteSource(ctx context.Context, id int64) error

	CreateContext(ctx context.Context, c metadata.Context) (metadata.Context, error)
	GetContext(ctx context.Context, id int64) (metadata.Context, error)
	ListContexts(ctx context.Context) ([]metadata.Context, error)
	UpdateContext(ctx context.Context, c metadata.Context) (metadata.Context, error)
	DeleteContext(ctx context.Context, id int64) error
}

var _ Explorer = (*explorer.Service)(nil)

// Handlers serves the metadata API
type Handlers struct {
	explorer Explorer
}

// NewHandlers creates a new Handlers instance
func NewHandlers(e Explorer) *Handlers {
	return &Handlers{explorer: e}
}

// serverFields are accepted and ignored so a fetched document can be sent
// back unchanged.
type serverFields struct {
	ID        json.RawMessage `json:"id"`
	CreatedAt json.RawMessage `json:"created_at"`
	UpdatedAt json.RawMessage `json:"updated_at"`
}

// sourceRequest is the body of create and update calls. Kind is parsed so
// aliases like "postgres" are accepted. An empty password on update keeps the
// stored one.
type sourceRequest struct {
	serverFields
	ContextID         *int64  `json:"context_id"`
	Name              string  `json:"name"`
	Kind              string  `json:"kind"`
	Host              string  `json:"host"`
	Port              int     `json:"port"`
	Database          *string `json:"database"`
	Username          string  `json:"username"`
	Password          string  `json:"password"`
	SchemaRegistryURL *string `json:"schema_registry_url"`
}

func (s sourceRequest) toDataSource() metadata.DataSource {
	return metadata.DataSource{
		ContextID:         s.ContextID,
		Name:              s.Name,
		Kind:              metadata.BackendKind(s.Kind),
		Host:              s.Host,
		Port:              s.Port,
		Database:          s.Database,
		Username:          s.Username,
		Password:          s.Password,
		SchemaRegistryURL: s.SchemaRegistryURL,
	}
}

// redact strips credentials before a descriptor leaves the process
func redact(ds metadata.DataSource) metadata.DataSource {
	ds.Password = ""
	return ds
}

type contextRequest struct {
	serverFields
	Name        string  `json:"name"`
	Description *string `json:"description"`
}

func (c contextRequest) toContext() metadata.Context {
	return metadata.Context{Name: c.Name, Description: c.Description}
}

func (h *Handlers) handleListSources(w http.ResponseWriter, r *http.Request) {
	var contextID *int64
	if raw := r.URL.Query().Get("context_id"); raw != "" {
		id, err := parseID("context", raw)
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		contextID = &id
	}
	h.writeSources(w, r, contextID)
}

func (h *Handlers) writeSources(w http.ResponseWriter, r *http.Request, contextID *int64) {
	sources, err := h.explorer.ListSources(r.Context(), contextID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]metadata.DataSource, 0, len(sources))
	for _, ds := range sources {
		out = append(out, redact(ds))
	}
	writeJSONResponse(w, http.StatusOK, out)
}

func (h *Handlers) handleCreateSource(w http.ResponseWriter, r *http.Request) {
	var req sourceRequest
	if err := decodeBody(r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	ds, err := h.explorer.CreateSource(r.Context(), req.toDataSource())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, redact(ds))
}

func (h *Handlers) handleGetSource(w http.ResponseWriter, r *http.Request, id int64) {
	ds, err := h.explorer.GetSource(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, redact(ds))
}

func (h *Handlers) handleUpdateSource(w http.ResponseWriter, r *http.Request, id int64) {
	var req sourceRequest
	if err := decodeBody(r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	ds := req.toDataSource()
	ds.ID = id
	updated, err := h.explorer.UpdateSource(r.Context(), ds)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, redact(updated))
}

func (h *Handlers) handleDeleteSource(w http.ResponseWriter, r *http.Request, id int64) {
	if err := h.explorer.DeleteSource(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleListContexts(w http.ResponseWriter, r *http.Request) {
	contexts, err := h.explorer.ListContexts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if contexts == nil {
		contexts = []metadata.Context{}
	}
	writeJSONResponse(w, http.StatusOK, contexts)
}

func (h *Handlers) handleCreateContext(w http.ResponseWriter, r *http.Request) {
	var req contextRequest
	if err := decodeBody(r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	c, err := h.explorer.CreateContext(r.Context(), req.toContext())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, c)
}

func (h *Handlers) handleGetContext(w http.ResponseWriter, r *http.Request, id int64) {
	c, err := h.explorer.GetContext(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, c)
}

func (h *Handlers) handleUpdateContext(w http.ResponseWriter, r *http.Request, id int64) {
	var req contextRequest
	if err := decodeBody(r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	c := req.toContext()
	c.ID = id
	updated, err := h.explorer.UpdateContext(r.Context(), c)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, updated)
}

// handleDeleteContext also deletes every source in the context
func (h *Handlers) handleDeleteContext(w http.ResponseWriter, r *http.Request, id int64) {
	if err := h.explorer.DeleteContext(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleContextSources(w http.ResponseWriter, r *http.Request, id int64) {
	h.writeSources(w, r, &id)
}

func (h *Handlers) handleTestConnection(w http.ResponseWriter, r *http.Request, id int64) {
	if err := h.explorer.TestConnection(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{"connected": true})
}

func (h *Handlers) handleTables(w http.ResponseWriter, r *http.Request, id int64) {
	tables, err := h.explorer.GetTables(r.Context(), id, parseRefresh(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, tables)
}

func (h *Handlers) handleTableStructure(w http.ResponseWriter, r *http.Request, id int64) {
	table := chi.URLParam(r, "table")
	info, err := h.explorer.GetTableStructure(r.Context(), id, queryPtr(r, "schema"), table, parseRefresh(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, info)
}

func (h *Handlers) handleTopics(w http.ResponseWriter, r *http.Request, id int64) {
	topics, err := h.explorer.GetKafkaTopics(r.Context(), id, parseRefresh(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, topics)
}

func (h *Handlers) handleSchemas(w http.ResponseWriter, r *http.Request, id int64) {
	listing, err := h.explorer.GetSchemaRegistrySchemas(r.Context(), id, parseRefresh(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, listing)
}

func (h *Handlers) handleRefresh(w http.ResponseWriter, r *http.Request, id int64) {
	cacheType := queryPtr(r, "type")
	if err := h.explorer.RefreshMetadata(r.Context(), id, cacheType); err != nil {
		writeError(w, err)
		return
	}
	cleared := "all"
	if cacheType != nil {
		cleared = *cacheType
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"source_id": id,
		"cleared":   cleared,
	})
}

func (h *Handlers) handleCompare(w http.ResponseWriter, r *http.Request) {
	source1, err := parseSourceID(r.URL.Query().Get("source1"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "source1: "+err.Error())
		return
	}
	source2, err := parseSourceID(r.URL.Query().Get("source2"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "source2: "+err.Error())
		return
	}

	result, err := h.explorer.CompareTables(
		r.Context(),
		source1, source2,
		queryPtr(r, "schema1"), queryPtr(r, "schema2"),
		r.URL.Query().Get("table"),
	)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, result)
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	response := map[string]interface{}{
		"data": data,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	response := map[string]interface{}{
		"error": message,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// writeError maps a service error onto a status code
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Warn().Err(err).Int("status", status).Msg("Metadata request failed")
	}
	writeErrorResponse(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, metadata.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, metadata.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, metadata.ErrUnsupportedBackend),
		errors.Is(err, metadata.ErrUnsupportedOperation),
		errors.Is(err, explorer.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, metadata.ErrConnection),
		errors.Is(err, metadata.ErrFetchFailed),
		errors.Is(err, metadata.ErrRegistryUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// parseRefresh reads the refresh flag; "1" and "true" force a live fetch
func parseRefresh(r *http.Request) bool {
	v := r.URL.Query().Get("refresh")
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// queryPtr returns nil for an absent or empty query parameter
func queryPtr(r *http.Request, name string) *string {
	return metadata.StringPtr(r.URL.Query().Get(name))
}

// parseSourceID parses a data source ID
func parseSourceID(idStr string) (int64, error) {
	return parseID("source", idStr)
}

// parseID parses a positive entity ID
func parseID(entity, idStr string) (int64, error) {
	if idStr == "" {
		return 0, fmt.Errorf("%s ID is required", entity)
	}

	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("invalid %s ID: %q", entity, idStr)
	}

	return id, nil
}
