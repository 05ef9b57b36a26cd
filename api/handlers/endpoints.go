package handlers

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/llmlb/llmlb/registry"
	"github.com/llmlb/llmlb/types"
)

// Prober is the subset of health.Prober the endpoints API depends on, kept
// as an interface here so this package never imports health directly.
type Prober interface {
	Check(ctx context.Context, id string) error
}

// Catalog is the subset of catalog.Catalog the endpoints API depends on for
// the sync/download management actions.
type Catalog interface {
	Sync(ctx context.Context, endpointID string) error
	Download(ctx context.Context, endpointID, model string) (string, error)
}

// EndpointsHandler exposes the registry's CRUD operations as the JWT-guarded
// management API's /api/endpoints routes.
type EndpointsHandler struct {
	store   *registry.Store
	prober  Prober
	catalog Catalog
	logger  *zap.Logger
}

// NewEndpointsHandler builds an EndpointsHandler bound to store. prober may
// be nil, in which case POST /api/endpoints/{id}/test is unavailable.
func NewEndpointsHandler(store *registry.Store, prober Prober, logger *zap.Logger) *EndpointsHandler {
	return &EndpointsHandler{store: store, prober: prober, logger: logger}
}

// SetCatalog wires in the model catalog so .../sync and .../download become
// available. Without it both actions respond 503.
func (h *EndpointsHandler) SetCatalog(c Catalog) {
	h.catalog = c
}

// RegisterRoutes mounts the endpoint CRUD routes on mux under /api/endpoints.
func (h *EndpointsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/endpoints", h.handleCollection)
	mux.HandleFunc("/api/endpoints/", h.handleItem)
}

// createEndpointRequest is the wire shape for POST /api/endpoints.
type createEndpointRequest struct {
	Name                    string   `json:"name"`
	BaseURL                 string   `json:"base_url"`
	APIKey                  string   `json:"api_key,omitempty"`
	Notes                   string   `json:"notes,omitempty"`
	Capabilities            []string `json:"capabilities,omitempty"`
	HealthCheckIntervalSecs int      `json:"health_check_interval_secs,omitempty"`
	InferenceTimeoutSecs    int      `json:"inference_timeout_secs,omitempty"`
}

// updateEndpointRequest is the wire shape for PATCH /api/endpoints/{id}.
// Every field is a pointer so omitted fields leave the stored value intact.
type updateEndpointRequest struct {
	Name                    *string `json:"name,omitempty"`
	BaseURL                 *string `json:"base_url,omitempty"`
	APIKey                  *string `json:"api_key,omitempty"`
	Notes                   *string `json:"notes,omitempty"`
	HealthCheckIntervalSecs *int    `json:"health_check_interval_secs,omitempty"`
	InferenceTimeoutSecs    *int    `json:"inference_timeout_secs,omitempty"`
	ManualType              *string `json:"manual_type,omitempty"`
}

func (h *EndpointsHandler) handleCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.list(w, r)
	case http.MethodPost:
		h.create(w, r)
	default:
		WriteErrorMessage(w, types.ErrInvalidRequest, "method not allowed", h.logger)
	}
}

func (h *EndpointsHandler) handleItem(w http.ResponseWriter, r *http.Request) {
	id, action, ok := parseItemPath(r.URL.Path)
	if !ok {
		WriteErrorMessage(w, types.ErrNotFound, "endpoint not found", h.logger)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		h.get(w, r, id)
	case action == "" && r.Method == http.MethodPatch:
		h.update(w, r, id)
	case action == "" && r.Method == http.MethodDelete:
		h.delete(w, r, id)
	case action == "test" && r.Method == http.MethodPost:
		h.test(w, r, id)
	case action == "sync" && r.Method == http.MethodPost:
		h.sync(w, r, id)
	case action == "download" && r.Method == http.MethodPost:
		h.download(w, r, id)
	default:
		WriteErrorMessage(w, types.ErrInvalidRequest, "unsupported endpoint operation", h.logger)
	}
}

// sync refreshes an endpoint's model catalog rows from its live /v1/models
// response, per §4.6 / §6's POST /api/endpoints/{id}/sync.
func (h *EndpointsHandler) sync(w http.ResponseWriter, r *http.Request, id string) {
	if h.catalog == nil {
		WriteErrorMessage(w, types.ErrServiceUnavailable, "model catalog not available", h.logger)
		return
	}
	if err := h.catalog.Sync(r.Context(), id); err != nil {
		writeStoreError(w, err, h.logger)
		return
	}
	ep, _ := h.store.Get(id)
	WriteSuccess(w, ep)
}

// downloadRequest is the wire shape for POST /api/endpoints/{id}/download.
type downloadRequest struct {
	Model string `json:"model"`
}

// download requests that an xllm endpoint pull a model, per §6: a 202 with
// {task_id, model, status:"pending"} on success, 400 for non-xllm endpoints.
func (h *EndpointsHandler) download(w http.ResponseWriter, r *http.Request, id string) {
	if h.catalog == nil {
		WriteErrorMessage(w, types.ErrServiceUnavailable, "model catalog not available", h.logger)
		return
	}
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req downloadRequest
	if DecodeJSONBody(w, r, &req, h.logger) != nil {
		return
	}
	if req.Model == "" {
		WriteErrorMessage(w, types.ErrInvalidRequest, "model is required", h.logger)
		return
	}

	taskID, err := h.catalog.Download(r.Context(), id, req.Model)
	if err != nil {
		writeStoreError(w, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusAccepted, Response{Success: true, Data: map[string]string{
		"task_id": taskID,
		"model":   req.Model,
		"status":  "pending",
	}})
}

// test forces one immediate probe tick for the endpoint, per §4.3's manual
// check() operation.
func (h *EndpointsHandler) test(w http.ResponseWriter, r *http.Request, id string) {
	if h.prober == nil {
		WriteErrorMessage(w, types.ErrServiceUnavailable, "health prober not available", h.logger)
		return
	}
	if err := h.prober.Check(r.Context(), id); err != nil {
		writeStoreError(w, err, h.logger)
		return
	}
	ep, _ := h.store.Get(id)
	WriteSuccess(w, ep)
}

// parseItemPath splits "/api/endpoints/{id}[/{action}]" into its parts.
func parseItemPath(path string) (id, action string, ok bool) {
	rest := strings.TrimPrefix(path, "/api/endpoints/")
	if rest == "" || rest == path {
		return "", "", false
	}
	parts := strings.SplitN(strings.Trim(rest, "/"), "/", 2)
	if parts[0] == "" {
		return "", "", false
	}
	if len(parts) == 2 {
		return parts[0], parts[1], true
	}
	return parts[0], "", true
}

func (h *EndpointsHandler) list(w http.ResponseWriter, r *http.Request) {
	var filter registry.Filter
	if status := r.URL.Query().Get("status"); status != "" {
		s := types.EndpointStatus(status)
		filter.Status = &s
	}
	if typ := r.URL.Query().Get("type"); typ != "" {
		t := types.EndpointType(typ)
		filter.Type = &t
	}
	if capability := r.URL.Query().Get("capability"); capability != "" {
		c := types.Capability(capability)
		filter.Capability = &c
	}
	WriteSuccess(w, h.store.List(filter))
}

func (h *EndpointsHandler) create(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req createEndpointRequest
	if DecodeJSONBody(w, r, &req, h.logger) != nil {
		return
	}

	ep, err := h.store.Create(r.Context(), registry.CreateSpec{
		Name:                    req.Name,
		BaseURL:                 req.BaseURL,
		APIKey:                  req.APIKey,
		Notes:                   req.Notes,
		Capabilities:            req.Capabilities,
		HealthCheckIntervalSecs: req.HealthCheckIntervalSecs,
		InferenceTimeoutSecs:    req.InferenceTimeoutSecs,
	})
	if err != nil {
		writeStoreError(w, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusCreated, Response{Success: true, Data: ep})
}

func (h *EndpointsHandler) get(w http.ResponseWriter, r *http.Request, id string) {
	ep, ok := h.store.Get(id)
	if !ok {
		WriteErrorMessage(w, types.ErrNotFound, "endpoint not found", h.logger)
		return
	}
	WriteSuccess(w, ep)
}

func (h *EndpointsHandler) update(w http.ResponseWriter, r *http.Request, id string) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req updateEndpointRequest
	if DecodeJSONBody(w, r, &req, h.logger) != nil {
		return
	}

	patch := registry.UpdatePatch{
		Name:                    req.Name,
		BaseURL:                 req.BaseURL,
		APIKey:                  req.APIKey,
		Notes:                   req.Notes,
		HealthCheckIntervalSecs: req.HealthCheckIntervalSecs,
		InferenceTimeoutSecs:    req.InferenceTimeoutSecs,
	}
	if req.ManualType != nil {
		t := types.EndpointType(*req.ManualType)
		patch.ManualType = &t
	}

	ep, err := h.store.Update(id, patch)
	if err != nil {
		writeStoreError(w, err, h.logger)
		return
	}
	WriteSuccess(w, ep)
}

func (h *EndpointsHandler) delete(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.store.Delete(id); err != nil {
		writeStoreError(w, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeStoreError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if taggedErr, ok := err.(*types.Error); ok {
		WriteError(w, taggedErr, logger)
		return
	}
	WriteError(w, types.NewServerError("unexpected registry error").WithCause(err), logger)
}
