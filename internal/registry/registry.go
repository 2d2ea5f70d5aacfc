package registry

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/picteus/picteus/internal/apperr"
	"github.com/picteus/picteus/internal/config"
	"github.com/picteus/picteus/internal/manifest"
	"github.com/picteus/picteus/pkg/models"
)

// parametersFile is written into each extension directory so the spawned
// process can find its identity and credentials.
const parametersFile = "parameters.json"

// cacheLink is the symlink every extension directory gets to the shared
// model cache.
const cacheLink = ".cache"

// Extension is one installed extension as the registry tracks it.
type Extension struct {
	Manifest  *manifest.Manifest
	Directory string
	Status    models.ExtensionStatus
	Activity  models.Activity
	BuiltIn   bool
}

// Enabled reports whether the extension participates in event delivery.
func (e *Extension) Enabled() bool { return e.Status == models.ExtensionEnabled }

// Configuration is the master UI's view of what the installed extensions
// collectively provide.
type Configuration struct {
	// Capabilities maps each capability to the ids of the extensions
	// declaring it, in installation order.
	Capabilities map[manifest.Capability][]string `json:"capabilities"`
	// Commands maps each extension id to its declared commands.
	Commands map[string][]manifest.Command `json:"commands"`
}

// BuiltInCandidate is a bundled archive whose version is strictly newer
// than any installed copy of the same extension.
type BuiltInCandidate struct {
	Path    string
	Archive *Archive
}

// Registry indexes installed extensions and owns their on-disk layout.
type Registry struct {
	paths   config.PathsConfig
	baseURL string

	mu    sync.RWMutex
	order []string
	byID  map[string]*Extension
}

func New(paths config.PathsConfig, baseURL string) *Registry {
	return &Registry{
		paths:   paths,
		baseURL: baseURL,
		byID:    make(map[string]*Extension),
	}
}

// ── Index ────────────────────────────────────────────────────

// Get returns the extension with the given id, or nil.
func (r *Registry) Get(id string) *Extension {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// List returns all extensions in installation order.
func (r *Registry) List() []*Extension {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Extension, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// ByCapability returns the enabled, connected extensions declaring cap,
// in installation order.
func (r *Registry) ByCapability(cap manifest.Capability) []*Extension {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Extension
	for _, id := range r.order {
		ext := r.byID[id]
		if ext.Enabled() && ext.Activity == models.ActivityConnected && ext.Manifest.HasCapability(cap) {
			out = append(out, ext)
		}
	}
	return out
}

// Command resolves a declared command by extension and command id.
func (r *Registry) Command(extensionID, commandID string) (*Extension, *manifest.Command, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ext := r.byID[extensionID]
	if ext == nil {
		return nil, nil, apperr.BadRequest("unknown extension %q", extensionID)
	}
	cmd, ok := ext.Manifest.Command(commandID)
	if !ok {
		return nil, nil, apperr.BadRequest("extension %q declares no command %q", extensionID, commandID)
	}
	return ext, &cmd, nil
}

// Configuration returns the capability and command union across all
// installed extensions.
func (r *Registry) Configuration() Configuration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg := Configuration{
		Capabilities: make(map[manifest.Capability][]string),
		Commands:     make(map[string][]manifest.Command),
	}
	for _, id := range r.order {
		ext := r.byID[id]
		for _, cap := range ext.Manifest.Capabilities() {
			cfg.Capabilities[cap] = append(cfg.Capabilities[cap], id)
		}
		if cmds := ext.Manifest.Commands(); len(cmds) > 0 {
			cfg.Commands[id] = cmds
		}
	}
	return cfg
}

// SetStatus records the user-chosen enabled/paused state.
func (r *Registry) SetStatus(id string, status models.ExtensionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ext := r.byID[id]
	if ext == nil {
		return apperr.BadRequest("unknown extension %q", id)
	}
	ext.Status = status
	return nil
}

// SetActivity records the socket-derived connection state.
func (r *Registry) SetActivity(id string, activity models.Activity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ext := r.byID[id]; ext != nil {
		ext.Activity = activity
	}
}

// ── Persistence ──────────────────────────────────────────────

// Install extracts the archive under the installed-extensions directory,
// links the model cache, writes parameters.json and indexes the result.
func (r *Registry) Install(a *Archive, apiKey string, builtIn bool) (*Extension, error) {
	id := a.Manifest.ID
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[id]; exists {
		return nil, apperr.BadRequest("extension %q is already installed", id)
	}

	dir := filepath.Join(r.paths.InstalledExtensionsDir, id)
	if err := r.writeTree(a, dir, apiKey); err != nil {
		return nil, err
	}

	ext := &Extension{
		Manifest:  a.Manifest,
		Directory: dir,
		Status:    models.ExtensionEnabled,
		Activity:  models.ActivityConnecting,
		BuiltIn:   builtIn,
	}
	r.byID[id] = ext
	r.order = append(r.order, id)
	log.Info().Str("extension", id).Str("version", a.Manifest.Version).Bool("builtIn", builtIn).Msg("extension installed")
	return ext, nil
}

// Replace swaps the on-disk tree of an installed extension with the
// archive's contents, keeping its installation order and status.
func (r *Registry) Replace(a *Archive, apiKey string) (*Extension, error) {
	id := a.Manifest.ID
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.byID[id]
	if prev == nil {
		return nil, apperr.BadRequest("unknown extension %q", id)
	}

	// Extract aside, then swap, so a failed extraction never leaves a
	// half-written install.
	staging := prev.Directory + ".staging-" + uuid.NewString()[:8]
	if err := r.writeTree(a, staging, apiKey); err != nil {
		os.RemoveAll(staging)
		return nil, err
	}
	if err := os.RemoveAll(prev.Directory); err != nil {
		os.RemoveAll(staging)
		return nil, err
	}
	if err := os.Rename(staging, prev.Directory); err != nil {
		return nil, err
	}

	ext := &Extension{
		Manifest:  a.Manifest,
		Directory: prev.Directory,
		Status:    prev.Status,
		Activity:  models.ActivityConnecting,
		BuiltIn:   prev.BuiltIn,
	}
	r.byID[id] = ext
	log.Info().Str("extension", id).Str("version", a.Manifest.Version).Msg("extension updated")
	return ext, nil
}

// Remove deletes the extension's directory and drops it from the index.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ext := r.byID[id]
	if ext == nil {
		return apperr.BadRequest("unknown extension %q", id)
	}
	if err := os.RemoveAll(ext.Directory); err != nil {
		return err
	}
	delete(r.byID, id)
	for i, other := range r.order {
		if other == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	log.Info().Str("extension", id).Msg("extension removed")
	return nil
}

func (r *Registry) writeTree(a *Archive, dir string, apiKey string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := a.Extract(dir); err != nil {
		return err
	}
	if err := linkCache(dir, r.paths.ModelsDir); err != nil {
		return err
	}
	return writeParameters(dir, a.Manifest.ID, r.baseURL, apiKey)
}

// linkCache points <dir>/.cache at the shared models directory so every
// extension downloads models into one place.
func linkCache(dir, modelsDir string) error {
	if modelsDir == "" {
		return nil
	}
	if err := os.MkdirAll(modelsDir, 0o755); err != nil {
		return err
	}
	link := filepath.Join(dir, cacheLink)
	os.Remove(link)
	return os.Symlink(modelsDir, link)
}

// extensionParameters is the contents of parameters.json: what the
// process needs to reach the host and authenticate. Anything else
// travels over the socket.
type extensionParameters struct {
	ExtensionID        string `json:"extensionId"`
	WebServicesBaseURL string `json:"webServicesBaseUrl"`
	APIKey             string `json:"apiKey"`
}

// writeParameters writes parameters.json atomically, and only when the
// contents actually change, so file watchers in extensions do not fire
// spuriously.
func writeParameters(dir, extensionID, baseURL, apiKey string) error {
	payload, err := json.MarshalIndent(extensionParameters{
		ExtensionID:        extensionID,
		WebServicesBaseURL: baseURL,
		APIKey:             apiKey,
	}, "", "  ")
	if err != nil {
		return err
	}
	payload = append(payload, '\n')

	path := filepath.Join(dir, parametersFile)
	if prev, err := os.ReadFile(path); err == nil && bytes.Equal(prev, payload) {
		return nil
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// RefreshParameters rewrites parameters.json for an installed extension,
// typically after its API key rotates.
func (r *Registry) RefreshParameters(id, apiKey string) error {
	ext := r.Get(id)
	if ext == nil {
		return apperr.BadRequest("unknown extension %q", id)
	}
	return writeParameters(ext.Directory, id, r.baseURL, apiKey)
}

// ── Startup scans ────────────────────────────────────────────

// LoadInstalled indexes every extension already extracted under the
// installed-extensions directory. Unparsable directories are skipped with
// a warning rather than failing startup.
func (r *Registry) LoadInstalled(builtInIDs map[string]bool) error {
	entries, err := os.ReadDir(r.paths.InstalledExtensionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(r.paths.InstalledExtensionsDir, entry.Name())
		raw, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
		if err != nil {
			log.Warn().Str("dir", dir).Err(err).Msg("skipping extension directory without manifest")
			continue
		}
		m, err := manifest.Parse(raw)
		if err != nil {
			log.Warn().Str("dir", dir).Err(err).Msg("skipping extension with invalid manifest")
			continue
		}
		if err := linkCache(dir, r.paths.ModelsDir); err != nil {
			return err
		}
		r.mu.Lock()
		r.byID[m.ID] = &Extension{
			Manifest:  m,
			Directory: dir,
			Status:    models.ExtensionEnabled,
			Activity:  models.ActivityConnecting,
			BuiltIn:   builtInIDs[m.ID],
		}
		r.order = append(r.order, m.ID)
		r.mu.Unlock()
		log.Info().Str("extension", m.ID).Str("version", m.Version).Msg("extension loaded")
	}
	r.mu.Lock()
	sort.Strings(r.order)
	r.mu.Unlock()
	return nil
}

// BuiltInCandidates scans the bundled-archives directory and returns the
// archives whose version is strictly newer than the installed copy of the
// same extension, or which are not installed at all.
// BuiltInIDs lists the ids of every readable bundled archive, regardless
// of version. Reloaded extensions matching one keep their built-in flag
// even when the bundled copy is not newer.
func (r *Registry) BuiltInIDs() (map[string]bool, error) {
	entries, err := os.ReadDir(r.paths.BuiltInExtensionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	ids := make(map[string]bool)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(r.paths.BuiltInExtensionsDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		a, err := OpenArchive(data)
		if err != nil {
			log.Warn().Str("path", path).Err(err).Msg("skipping unreadable built-in archive")
			continue
		}
		ids[a.Manifest.ID] = true
	}
	return ids, nil
}

func (r *Registry) BuiltInCandidates() ([]BuiltInCandidate, error) {
	entries, err := os.ReadDir(r.paths.BuiltInExtensionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []BuiltInCandidate
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(r.paths.BuiltInExtensionsDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		a, err := OpenArchive(data)
		if err != nil {
			log.Warn().Str("path", path).Err(err).Msg("skipping unreadable built-in archive")
			continue
		}
		if installed := r.Get(a.Manifest.ID); installed != nil {
			bundled, err := semver.NewVersion(a.Manifest.Version)
			if err != nil {
				continue
			}
			current, err := semver.NewVersion(installed.Manifest.Version)
			if err == nil && !bundled.GreaterThan(current) {
				continue
			}
		}
		out = append(out, BuiltInCandidate{Path: path, Archive: a})
	}
	return out, nil
}
