// Package host is the extension orchestrator: the single component that
// coordinates the registry, credential store, supervisor, gateway and
// stores. Every user-facing extension operation enters here.
package host

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/picteus/picteus/internal/apperr"
	"github.com/picteus/picteus/internal/bus"
	"github.com/picteus/picteus/internal/config"
	"github.com/picteus/picteus/internal/credentials"
	"github.com/picteus/picteus/internal/gateway"
	"github.com/picteus/picteus/internal/manifest"
	"github.com/picteus/picteus/internal/registry"
	"github.com/picteus/picteus/internal/store"
	"github.com/picteus/picteus/internal/supervisor"
	"github.com/picteus/picteus/internal/vectorstore"
	"github.com/picteus/picteus/pkg/models"
)

// Host mediates between the extension-facing components. It owns the
// references the others must not hold on each other: the supervisor never
// sees the gateway, and the gateway never calls the supervisor.
type Host struct {
	cfg        config.Config
	bus        *bus.Bus
	creds      *credentials.Store
	registry   *registry.Registry
	supervisor *supervisor.Supervisor
	gateway    *gateway.Gateway
	store      store.Store
	vectors    vectorstore.Store

	client *bus.Client
}

func New(
	cfg config.Config,
	b *bus.Bus,
	creds *credentials.Store,
	reg *registry.Registry,
	sup *supervisor.Supervisor,
	gw *gateway.Gateway,
	st store.Store,
	vs vectorstore.Store,
) *Host {
	return &Host{
		cfg:        cfg,
		bus:        b,
		creds:      creds,
		registry:   reg,
		supervisor: sup,
		gateway:    gw,
		store:      st,
		vectors:    vs,
		client:     b.NewClient(),
	}
}

// Start loads the installed extensions, installs newer bundled built-ins,
// wires the bus listeners and brings the supervisor up.
func (h *Host) Start(ctx context.Context) error {
	builtIns, err := h.registry.BuiltInIDs()
	if err != nil {
		return err
	}
	if err := h.registry.LoadInstalled(builtIns); err != nil {
		return err
	}

	// Keys are not persisted: every load mints a fresh key and rewrites
	// parameters.json so the extension picks it up on launch.
	apiKeys := make(map[string]string)
	for _, ext := range h.registry.List() {
		id := ext.Manifest.ID
		_, key := h.creds.RegisterExtensionKey(id)
		if err := h.registry.RefreshParameters(id, key); err != nil {
			return err
		}
		if ext.Enabled() {
			apiKeys[id] = key
		}
	}

	h.wireBus()

	if err := h.supervisor.Start(h.cfg.Extension.WebServicesBaseUrl, apiKeys); err != nil {
		return err
	}

	// Built-ins newer than (or absent from) the installed set come last:
	// installing is a normal operation and needs the supervisor running.
	candidates, err := h.registry.BuiltInCandidates()
	if err != nil {
		return err
	}
	for _, c := range candidates {
		var err error
		if h.registry.Get(c.Archive.Manifest.ID) != nil {
			_, err = h.updateArchive(ctx, c.Archive.Manifest.ID, c.Archive)
		} else {
			_, err = h.installArchive(ctx, c.Archive, true)
		}
		if err != nil {
			log.Warn().Str("path", c.Path).Err(err).Msg("built-in extension install failed")
		}
	}
	return nil
}

// wireBus connects the listeners the host mediates: activity tracking from
// the gateway's connection events, and image-event fan-out into the
// supervisor.
func (h *Host) wireBus() {
	activity := map[string]models.Activity{
		bus.ExtensionProcessStarted:    models.ActivityConnecting,
		bus.ExtensionProcessConnecting: models.ActivityConnecting,
		bus.ExtensionProcessConnected:  models.ActivityConnected,
		bus.ExtensionProcessStopped:    models.ActivityConnecting,
		bus.ExtensionProcessError:      models.ActivityError,
	}
	for name, act := range activity {
		act := act
		h.client.Subscribe(name, func(e bus.Event) {
			if v, ok := e.Value.(map[string]interface{}); ok {
				if id, ok := v["extensionId"].(string); ok {
					h.registry.SetActivity(id, act)
				}
			}
		})
	}
	for _, name := range bus.ImageEvents {
		h.client.Subscribe(name, h.supervisor.OnImageEvent)
	}
}

// Close drops the host's bus subscriptions.
func (h *Host) Close() {
	h.client.Close()
}

// ── Extension lifecycle ──────────────────────────────────────

// Install validates and installs an extension archive, issues its API key
// and starts its processes.
func (h *Host) Install(ctx context.Context, archive []byte) (*registry.Extension, error) {
	a, err := registry.OpenArchive(archive)
	if err != nil {
		return nil, err
	}
	return h.installArchive(ctx, a, false)
}

func (h *Host) installArchive(ctx context.Context, a *registry.Archive, builtIn bool) (*registry.Extension, error) {
	id := a.Manifest.ID
	if h.registry.Get(id) != nil {
		return nil, apperr.BadRequest("extension %q is already installed", id)
	}
	_, key := h.creds.RegisterExtensionKey(id)
	ext, err := h.registry.Install(a, key, builtIn)
	if err != nil {
		h.creds.Unregister(id)
		return nil, err
	}

	h.bus.Publish(bus.ExtensionInstalled, extensionPayload(ext))
	if err := h.supervisor.StartProcesses(map[string]string{id: key}); err != nil {
		log.Warn().Str("extension", id).Err(err).Msg("extension processes not started")
	}
	return ext, nil
}

// Update replaces an installed extension with a new archive. The archive
// must carry the same extension id; status survives, the API key does not.
func (h *Host) Update(ctx context.Context, id string, archive []byte) (*registry.Extension, error) {
	a, err := registry.OpenArchive(archive)
	if err != nil {
		return nil, err
	}
	return h.updateArchive(ctx, id, a)
}

func (h *Host) updateArchive(ctx context.Context, id string, a *registry.Archive) (*registry.Extension, error) {
	if a.Manifest.ID != id {
		return nil, apperr.BadRequest("archive manifest id %q does not match %q", a.Manifest.ID, id)
	}
	if h.registry.Get(id) == nil {
		return nil, apperr.BadRequest("unknown extension %q", id)
	}

	if err := h.supervisor.StopProcesses([]string{id}); err != nil {
		log.Warn().Str("extension", id).Err(err).Msg("stop before update failed")
	}

	_, key := h.creds.RegisterExtensionKey(id)
	ext, err := h.registry.Replace(a, key)
	if err != nil {
		return nil, err
	}
	// The replaced manifest may carry different throttling policies.
	h.gateway.ForgetExtension(id)

	h.bus.Publish(bus.ExtensionUpdated, extensionPayload(ext))
	if ext.Enabled() {
		if err := h.supervisor.StartProcesses(map[string]string{id: key}); err != nil {
			log.Warn().Str("extension", id).Err(err).Msg("restart after update failed")
		}
	}
	return ext, nil
}

// Uninstall stops and removes an extension and deletes every row it owns.
func (h *Host) Uninstall(ctx context.Context, id string) error {
	if h.registry.Get(id) == nil {
		return apperr.BadRequest("unknown extension %q", id)
	}

	if err := h.supervisor.ForgetExtension(id); err != nil {
		log.Warn().Str("extension", id).Err(err).Msg("supervisor forget failed")
	}
	if err := h.registry.Remove(id); err != nil {
		return err
	}
	h.creds.Unregister(id)
	h.gateway.ForgetExtension(id)

	if err := h.purgeExtensionData(ctx, id); err != nil {
		// The extension is gone either way; orphaned rows are logged, not
		// resurrected.
		log.Error().Str("extension", id).Err(err).Msg("extension data cleanup incomplete")
	}

	h.bus.Publish(bus.ExtensionUninstalled, map[string]interface{}{"extensionId": id})
	return nil
}

// PauseOrResume flips the user-visible status. Resuming restarts processes
// and replays the catalogue through Synchronize.
func (h *Host) PauseOrResume(ctx context.Context, id string, paused bool) error {
	ext := h.registry.Get(id)
	if ext == nil {
		return apperr.BadRequest("unknown extension %q", id)
	}

	if paused {
		if err := h.registry.SetStatus(id, models.ExtensionPaused); err != nil {
			return err
		}
		if err := h.supervisor.StopProcesses([]string{id}); err != nil {
			log.Warn().Str("extension", id).Err(err).Msg("stop on pause failed")
		}
		return nil
	}

	if err := h.registry.SetStatus(id, models.ExtensionEnabled); err != nil {
		return err
	}
	key, ok := h.creds.ExtensionKey(id)
	if !ok {
		_, key = h.creds.RegisterExtensionKey(id)
		if err := h.registry.RefreshParameters(id, key); err != nil {
			return err
		}
	}
	if err := h.supervisor.StartProcesses(map[string]string{id: key}); err != nil {
		log.Warn().Str("extension", id).Err(err).Msg("start on resume failed")
	}
	return h.Synchronize(ctx, id)
}

// Synchronize replays the image catalogue to one extension: every image
// event the extension subscribes to is re-emitted with its marker, skipping
// compute events whose capability the extension does not declare.
func (h *Host) Synchronize(ctx context.Context, id string) error {
	ext := h.registry.Get(id)
	if ext == nil {
		return apperr.BadRequest("unknown extension %q", id)
	}
	if !ext.Enabled() {
		return apperr.BadRequest("extension %q is paused", id)
	}

	subscribed := ext.Manifest.SubscribedBusEvents()
	var names []string
	if subscribed[bus.ImageCreated] {
		names = append(names, bus.ImageCreated)
	}
	for cap, event := range map[manifest.Capability]string{
		manifest.CapabilityImageFeatures:   bus.ImageComputeFeatures,
		manifest.CapabilityImageEmbeddings: bus.ImageComputeEmbeddings,
		manifest.CapabilityImageTags:       bus.ImageComputeTags,
	} {
		if subscribed[event] && ext.Manifest.HasCapability(cap) {
			names = append(names, event)
		}
	}
	if len(names) == 0 {
		return nil
	}

	repos, err := h.store.ListRepositories(ctx)
	if err != nil {
		return err
	}
	count := 0
	for _, repo := range repos {
		images, err := h.store.ListImages(ctx, repo.ID)
		if err != nil {
			return err
		}
		for _, img := range images {
			for _, name := range names {
				h.bus.PublishMarked(name, imagePayload(img), id)
				count++
			}
		}
	}
	log.Info().Str("extension", id).Int("events", count).Msg("synchronize replayed catalogue")
	return nil
}

// ── Views ────────────────────────────────────────────────────

// Extensions lists the installed extensions in installation order.
func (h *Host) Extensions() []*registry.Extension { return h.registry.List() }

// Extension returns one installed extension, BadRequest when unknown.
func (h *Host) Extension(id string) (*registry.Extension, error) {
	ext := h.registry.Get(id)
	if ext == nil {
		return nil, apperr.BadRequest("unknown extension %q", id)
	}
	return ext, nil
}

// Configuration returns the cross-extension capability and command view.
func (h *Host) Configuration() registry.Configuration {
	return h.registry.Configuration()
}

// RecentOutput returns the last n output lines captured from an
// extension's processes.
func (h *Host) RecentOutput(id string, n int) ([]supervisor.LogEntry, error) {
	if _, err := h.Extension(id); err != nil {
		return nil, err
	}
	return h.supervisor.RecentOutput(id, n), nil
}

// ── Settings ─────────────────────────────────────────────────

// Settings returns an extension's stored settings.
func (h *Host) Settings(ctx context.Context, id string) (map[string]interface{}, error) {
	if h.registry.Get(id) == nil {
		return nil, apperr.BadRequest("unknown extension %q", id)
	}
	return h.store.GetSettings(ctx, id)
}

// SetSettings validates values against the manifest's settings schema,
// persists them and notifies the extension.
func (h *Host) SetSettings(ctx context.Context, id string, values map[string]interface{}) error {
	ext := h.registry.Get(id)
	if ext == nil {
		return apperr.BadRequest("unknown extension %q", id)
	}
	schema, err := manifest.CompileSchema(ext.Manifest.Settings)
	if err != nil {
		return err
	}
	if err := manifest.ValidateAgainst(schema, normalizeJSON(values)); err != nil {
		return err
	}
	if err := h.store.SetSettings(ctx, id, values); err != nil {
		return err
	}
	h.bus.PublishMarked(bus.ExtensionSettings, values, id)
	return nil
}

func extensionPayload(ext *registry.Extension) map[string]interface{} {
	return map[string]interface{}{
		"extensionId": ext.Manifest.ID,
		"version":     ext.Manifest.Version,
		"name":        ext.Manifest.Name,
		"status":      ext.Status,
	}
}

func imagePayload(img models.Image) map[string]interface{} {
	return map[string]interface{}{
		"imageId":      img.ID,
		"imageUrl":     img.URL,
		"repositoryId": img.RepositoryID,
	}
}
