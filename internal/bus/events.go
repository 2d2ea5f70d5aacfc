package bus

import "strings"

// Bus event names are two or three dot-joined tokens entity.action[.state]
// drawn from closed per-entity enums. They are the sole inter-component
// coordination primitive other than direct function calls.
const (
	ProcessStarted    = "process.started"
	ProcessRunCommand = "process.runCommand"

	ExtensionInstalled      = "extension.installed"
	ExtensionUpdated        = "extension.updated"
	ExtensionUninstalled    = "extension.uninstalled"
	ExtensionSettings       = "extension.settings"
	ExtensionError          = "extension.error"
	ExtensionLog            = "extension.log"
	ExtensionNotification   = "extension.notification"
	ExtensionAcknowledgment = "extension.acknowledgment"
	ExtensionIntent         = "extension.intent"

	ExtensionProcessStarted    = "extension.process.started"
	ExtensionProcessStopped    = "extension.process.stopped"
	ExtensionProcessConnecting = "extension.process.connecting"
	ExtensionProcessConnected  = "extension.process.connected"
	ExtensionProcessError      = "extension.process.error"

	ImageCreated           = "image.created"
	ImageUpdated           = "image.updated"
	ImageDeleted           = "image.deleted"
	ImageComputeFeatures   = "image.computeFeatures"
	ImageComputeEmbeddings = "image.computeEmbeddings"
	ImageComputeTags       = "image.computeTags"
	ImageRunCommand        = "image.runCommand"

	TextComputeEmbeddings = "text.computeEmbeddings"

	RepositoryCreated = "repository.created"
	RepositoryDeleted = "repository.deleted"
)

// returnPrefix marks the single-use reply names generated for result sinks.
const returnPrefix = "return|"

var actions = map[string][]string{
	"process":    {"started", "runCommand"},
	"extension":  {"installed", "updated", "uninstalled", "settings", "error", "log", "notification", "acknowledgment", "intent", "process.started", "process.stopped", "process.connecting", "process.connected", "process.error"},
	"image":      {"created", "updated", "deleted", "computeFeatures", "computeEmbeddings", "computeTags", "runCommand"},
	"text":       {"computeEmbeddings"},
	"repository": {"created", "deleted"},
}

// Valid reports whether name belongs to the closed event-name set. Reply
// names (return|<callbackId>) are always valid.
func Valid(name string) bool {
	if strings.HasPrefix(name, returnPrefix) {
		return len(name) > len(returnPrefix)
	}
	entity, rest, ok := strings.Cut(name, ".")
	if !ok {
		return false
	}
	for _, a := range actions[entity] {
		if a == rest {
			return true
		}
	}
	return false
}

// ImageEvents is the set of image-scoped events fanned out to extensions.
var ImageEvents = []string{
	ImageCreated,
	ImageUpdated,
	ImageDeleted,
	ImageComputeFeatures,
	ImageComputeEmbeddings,
	ImageComputeTags,
	ImageRunCommand,
}

// SocketEvents is the set of events the gateway routes to sockets. Reply
// names and host-internal events stay off the wire.
var SocketEvents = []string{
	ProcessRunCommand,
	ExtensionInstalled,
	ExtensionUpdated,
	ExtensionUninstalled,
	ExtensionSettings,
	ExtensionError,
	ExtensionLog,
	ExtensionNotification,
	ExtensionAcknowledgment,
	ExtensionProcessStarted,
	ExtensionProcessStopped,
	ExtensionProcessConnecting,
	ExtensionProcessConnected,
	ExtensionProcessError,
	ImageCreated,
	ImageUpdated,
	ImageDeleted,
	ImageComputeFeatures,
	ImageComputeEmbeddings,
	ImageComputeTags,
	ImageRunCommand,
	TextComputeEmbeddings,
	RepositoryCreated,
	RepositoryDeleted,
}
