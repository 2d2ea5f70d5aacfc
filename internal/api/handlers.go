// Package api implements the HTTP surface of the extension host.
package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/picteus/picteus/internal/apperr"
	"github.com/picteus/picteus/internal/gateway"
	"github.com/picteus/picteus/internal/host"
	"github.com/picteus/picteus/internal/registry"
	"github.com/picteus/picteus/pkg/models"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// Handlers holds the handler dependencies.
type Handlers struct {
	Host    *host.Host
	Gateway *gateway.Gateway
}

// NewHandlers creates the handler set over the running host.
func NewHandlers(h *host.Host, gw *gateway.Gateway) *Handlers {
	return &Handlers{Host: h, Gateway: gw}
}

// extensionView is the wire shape of an installed extension.
type extensionView struct {
	ID       string                 `json:"id"`
	Version  string                 `json:"version"`
	Name     string                 `json:"name"`
	Status   models.ExtensionStatus `json:"status"`
	Activity models.Activity        `json:"activity"`
	BuiltIn  bool                   `json:"builtIn"`
	Manifest interface{}            `json:"manifest"`
}

func viewOf(e *registry.Extension) extensionView {
	return extensionView{
		ID:       e.Manifest.ID,
		Version:  e.Manifest.Version,
		Name:     e.Manifest.Name,
		Status:   e.Status,
		Activity: e.Activity,
		BuiltIn:  e.BuiltIn,
		Manifest: e.Manifest,
	}
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to encode response")
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.BadRequest("invalid request body: %v", err)
	}
	return nil
}

// ListExtensions returns every installed extension.
func (h *Handlers) ListExtensions(w http.ResponseWriter, r *http.Request) {
	exts := h.Host.Extensions()
	views := make([]extensionView, 0, len(exts))
	for _, e := range exts {
		views = append(views, viewOf(e))
	}
	respondJSON(w, http.StatusOK, views)
}

// GetExtension returns a single installed extension.
func (h *Handlers) GetExtension(w http.ResponseWriter, r *http.Request) {
	ext, err := h.Host.Extension(chi.URLParam(r, "extensionId"))
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	respondJSON(w, http.StatusOK, viewOf(ext))
}

// InstallExtension installs an extension from the archive in the request
// body.
func (h *Handlers) InstallExtension(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, models.MaxArchiveBytes+1))
	if err != nil {
		apperr.WriteJSON(w, apperr.BadRequest("failed to read archive: %v", err))
		return
	}
	ext, err := h.Host.Install(r.Context(), data)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, viewOf(ext))
}

// UpdateExtension replaces an installed extension with the archive in the
// request body.
func (h *Handlers) UpdateExtension(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, models.MaxArchiveBytes+1))
	if err != nil {
		apperr.WriteJSON(w, apperr.BadRequest("failed to read archive: %v", err))
		return
	}
	ext, err := h.Host.Update(r.Context(), chi.URLParam(r, "extensionId"), data)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	respondJSON(w, http.StatusOK, viewOf(ext))
}

// UninstallExtension removes an extension and its owned data.
func (h *Handlers) UninstallExtension(w http.ResponseWriter, r *http.Request) {
	if err := h.Host.Uninstall(r.Context(), chi.URLParam(r, "extensionId")); err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PauseExtension pauses or resumes an extension.
func (h *Handlers) PauseExtension(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Paused bool `json:"paused"`
	}
	if err := decodeBody(r, &body); err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	id := chi.URLParam(r, "extensionId")
	if err := h.Host.PauseOrResume(r.Context(), id, body.Paused); err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	ext, err := h.Host.Extension(id)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	respondJSON(w, http.StatusOK, viewOf(ext))
}

// SynchronizeExtension replays the image catalog to an extension.
func (h *Handlers) SynchronizeExtension(w http.ResponseWriter, r *http.Request) {
	if err := h.Host.Synchronize(r.Context(), chi.URLParam(r, "extensionId")); err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// GetSettings returns the stored settings of an extension.
func (h *Handlers) GetSettings(w http.ResponseWriter, r *http.Request) {
	values, err := h.Host.Settings(r.Context(), chi.URLParam(r, "extensionId"))
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	if values == nil {
		values = map[string]interface{}{}
	}
	respondJSON(w, http.StatusOK, values)
}

// PutSettings validates and stores new settings for an extension.
func (h *Handlers) PutSettings(w http.ResponseWriter, r *http.Request) {
	var values map[string]interface{}
	if err := decodeBody(r, &values); err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	if err := h.Host.SetSettings(r.Context(), chi.URLParam(r, "extensionId"), values); err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	respondJSON(w, http.StatusOK, values)
}

// GetLogs returns the recent process output of an extension.
func (h *Handlers) GetLogs(w http.ResponseWriter, r *http.Request) {
	n := 200
	if raw := r.URL.Query().Get("lines"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			apperr.WriteJSON(w, apperr.BadRequest("invalid lines parameter %q", raw))
			return
		}
		n = parsed
	}
	entries, err := h.Host.RecentOutput(chi.URLParam(r, "extensionId"), n)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

// GetConfiguration returns the aggregate capability and command map.
func (h *Handlers) GetConfiguration(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Host.Configuration())
}

// RunProcessCommand invokes a process-entity command on an extension and
// waits for its acknowledgment.
func (h *Handlers) RunProcessCommand(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CommandID  string                 `json:"commandId"`
		Parameters map[string]interface{} `json:"parameters"`
	}
	if err := decodeBody(r, &body); err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	value, err := h.Host.RunProcessCommand(r.Context(), chi.URLParam(r, "extensionId"), body.CommandID, body.Parameters)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"value": value})
}

// RunImageCommand invokes an image-entity command on an extension and
// waits for its acknowledgment.
func (h *Handlers) RunImageCommand(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CommandID  string                 `json:"commandId"`
		Parameters map[string]interface{} `json:"parameters"`
		ImageIDs   []string               `json:"imageIds"`
	}
	if err := decodeBody(r, &body); err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	value, err := h.Host.RunImageCommand(r.Context(), chi.URLParam(r, "extensionId"), body.CommandID, body.Parameters, body.ImageIDs)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"value": value})
}

// RunCapability routes a capability request to a connected extension.
func (h *Handlers) RunCapability(w http.ResponseWriter, r *http.Request) {
	var payload map[string]interface{}
	if err := decodeBody(r, &payload); err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	value, err := h.Host.RunCapability(r.Context(), chi.URLParam(r, "capability"), payload)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"value": value})
}

// ServeSocket upgrades the request and hands the connection to the
// gateway, which authenticates it through its connection frame.
func (h *Handlers) ServeSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := gateway.Upgrade(w, r)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	h.Gateway.Handle(r.Context(), conn)
}
