package host

import (
	"context"
	"encoding/json"

	"github.com/picteus/picteus/internal/apperr"
	"github.com/picteus/picteus/internal/bus"
	"github.com/picteus/picteus/internal/manifest"
	"github.com/picteus/picteus/pkg/models"
)

// RunCapability dispatches a compute request to the first enabled,
// connected extension declaring the capability and returns the value its
// acknowledgment carries.
func (h *Host) RunCapability(ctx context.Context, capability string, payload map[string]interface{}) (interface{}, error) {
	cap := manifest.Capability(capability)
	event, ok := manifest.CapabilityBusEvent(cap)
	if !ok {
		return nil, apperr.Internal("unknown capability %q", capability)
	}
	candidates := h.registry.ByCapability(cap)
	if len(candidates) == 0 {
		return nil, apperr.Internal("no connected extension provides %q", capability)
	}
	chosen := candidates[0].Manifest.ID
	return h.emitAwait(ctx, event, payload, chosen)
}

// RunProcessCommand invokes a Process-scoped command on one extension and
// awaits its acknowledgment.
func (h *Host) RunProcessCommand(ctx context.Context, id, commandID string, parameters map[string]interface{}) (interface{}, error) {
	_, cmd, err := h.registry.Command(id, commandID)
	if err != nil {
		return nil, err
	}
	if cmd.On.Entity != manifest.EntityProcess {
		return nil, apperr.BadRequest("command %q of extension %q does not act on the process", commandID, id)
	}
	if err := validateParameters(cmd, parameters); err != nil {
		return nil, err
	}
	return h.emitAwait(ctx, bus.ProcessRunCommand, map[string]interface{}{
		"commandId":  commandID,
		"parameters": parameters,
	}, id)
}

// RunImageCommand invokes an image-scoped command. Every image id must
// exist; an Image-entity command takes exactly one image; with-tags
// constraints must hold for this extension on every image.
func (h *Host) RunImageCommand(ctx context.Context, id, commandID string, parameters map[string]interface{}, imageIDs []string) (interface{}, error) {
	_, cmd, err := h.registry.Command(id, commandID)
	if err != nil {
		return nil, err
	}
	switch cmd.On.Entity {
	case manifest.EntityImage:
		if len(imageIDs) != 1 {
			return nil, apperr.BadRequest("command %q acts on a single image, got %d", commandID, len(imageIDs))
		}
	case manifest.EntityImages:
		if len(imageIDs) == 0 {
			return nil, apperr.BadRequest("command %q needs at least one image", commandID)
		}
	default:
		return nil, apperr.BadRequest("command %q of extension %q does not act on images", commandID, id)
	}
	if err := validateParameters(cmd, parameters); err != nil {
		return nil, err
	}

	for _, imageID := range imageIDs {
		img, err := h.store.GetImage(ctx, imageID)
		if err != nil {
			return nil, err
		}
		if img == nil {
			return nil, apperr.BadRequest("unknown image %q", imageID)
		}
		if len(cmd.On.WithTags) > 0 {
			ok, err := h.store.ImageHasTags(ctx, imageID, id, cmd.On.WithTags)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, apperr.BadRequest("image %q does not carry the tags command %q requires", imageID, commandID)
			}
		}
	}

	return h.emitAwait(ctx, bus.ImageRunCommand, map[string]interface{}{
		"commandId":  commandID,
		"parameters": parameters,
		"imageIds":   imageIDs,
	}, id)
}

// validateParameters checks a command invocation against the declared
// parameter schema, closed against unknown properties.
func validateParameters(cmd *manifest.Command, parameters map[string]interface{}) error {
	if cmd.Parameters == nil {
		if len(parameters) > 0 {
			return apperr.BadRequest("command %q takes no parameters", cmd.ID)
		}
		return nil
	}
	schema, err := manifest.CompileClosedSchema(cmd.Parameters)
	if err != nil {
		return err
	}
	if parameters == nil {
		parameters = map[string]interface{}{}
	}
	return manifest.ValidateAgainst(schema, normalizeJSON(parameters))
}

// emitAwait publishes a marked event with a result sink and blocks until
// the extension's acknowledgment arrives or ctx ends. A failed
// acknowledgment surfaces as an internal error: the extension accepted
// the delivery but could not process it.
func (h *Host) emitAwait(ctx context.Context, name string, value interface{}, marker string) (interface{}, error) {
	results := make(chan interface{}, 1)
	h.bus.PublishWith(name, value, bus.PublishOptions{
		Marker: marker,
		Result: func(v interface{}) { results <- v },
	})

	select {
	case v := <-results:
		ack, ok := v.(models.Acknowledgment)
		if !ok {
			return nil, apperr.Internal("malformed acknowledgment from extension %q", marker)
		}
		if !ack.Success {
			if ack.Error != "" {
				return nil, apperr.Internal("extension %q failed: %s", marker, ack.Error)
			}
			return nil, apperr.Internal("extension %q failed", marker)
		}
		return ack.Value, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// normalizeJSON round-trips v through JSON so schema validation sees wire
// types rather than Go structs.
func normalizeJSON(v interface{}) interface{} {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
