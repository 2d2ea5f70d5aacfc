// Package manifest defines the static descriptor of an extension and its
// validation rules: the JSON shape of manifest.json, the closed manifest
// event and capability sets, and the mapping onto bus event names.
package manifest

import "regexp"

// IDPattern constrains extension identifiers.
var IDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,32}$`)

// RuntimeEnv identifies the platform an extension's executable runs under.
type RuntimeEnv string

const (
	RuntimeNode   RuntimeEnv = "node"
	RuntimePython RuntimeEnv = "python"
	RuntimeShell  RuntimeEnv = "shell"
)

// Event is a manifest-declared event name, drawn from a closed set.
type Event string

const (
	EventProcessStarted         Event = "process.started"
	EventProcessRunCommand      Event = "process.runCommand"
	EventExtensionSettings      Event = "extension.settings"
	EventImageCreated           Event = "image.created"
	EventImageUpdated           Event = "image.updated"
	EventImageDeleted           Event = "image.deleted"
	EventImageComputeFeatures   Event = "image.computeFeatures"
	EventImageComputeEmbeddings Event = "image.computeEmbeddings"
	EventImageComputeTags       Event = "image.computeTags"
	EventImageRunCommand        Event = "image.runCommand"
	EventTextComputeEmbeddings  Event = "text.computeEmbeddings"
)

// busEventByManifestEvent is the closed manifest-event → bus-event mapping.
// process.started is synthesized by the supervisor and never delivered to
// extension sockets.
var busEventByManifestEvent = map[Event]string{
	EventProcessStarted:         "process.started",
	EventProcessRunCommand:      "process.runCommand",
	EventExtensionSettings:      "extension.settings",
	EventImageCreated:           "image.created",
	EventImageUpdated:           "image.updated",
	EventImageDeleted:           "image.deleted",
	EventImageComputeFeatures:   "image.computeFeatures",
	EventImageComputeEmbeddings: "image.computeEmbeddings",
	EventImageComputeTags:       "image.computeTags",
	EventImageRunCommand:        "image.runCommand",
	EventTextComputeEmbeddings:  "text.computeEmbeddings",
}

// BusEvent maps a manifest event onto its bus event name.
func BusEvent(e Event) (string, bool) {
	name, ok := busEventByManifestEvent[e]
	return name, ok
}

// KnownEvent reports membership in the closed manifest-event set.
func KnownEvent(e Event) bool {
	_, ok := busEventByManifestEvent[e]
	return ok
}

// Capability is a coarse-grained model-backed service an extension declares.
type Capability string

const (
	CapabilityImageFeatures   Capability = "image.features"
	CapabilityImageEmbeddings Capability = "image.embeddings"
	CapabilityImageTags       Capability = "image.tags"
	CapabilityTextEmbeddings  Capability = "text.embeddings"
)

// requiredEventsByCapability lists the manifest events a capability needs.
var requiredEventsByCapability = map[Capability][]Event{
	CapabilityImageFeatures:   {EventProcessStarted, EventImageComputeFeatures},
	CapabilityImageEmbeddings: {EventProcessStarted, EventImageComputeEmbeddings},
	CapabilityImageTags:       {EventProcessStarted, EventImageComputeTags},
	CapabilityTextEmbeddings:  {EventProcessStarted, EventTextComputeEmbeddings},
}

// busEventByCapability maps a capability onto the bus event that invokes it.
var busEventByCapability = map[Capability]string{
	CapabilityImageFeatures:   "image.computeFeatures",
	CapabilityImageEmbeddings: "image.computeEmbeddings",
	CapabilityImageTags:       "image.computeTags",
	CapabilityTextEmbeddings:  "text.computeEmbeddings",
}

// RequiredEvents returns the manifest events capability c depends on.
func RequiredEvents(c Capability) ([]Event, bool) {
	evs, ok := requiredEventsByCapability[c]
	return evs, ok
}

// CapabilityBusEvent returns the bus event that dispatches capability c.
func CapabilityBusEvent(c Capability) (string, bool) {
	name, ok := busEventByCapability[c]
	return name, ok
}

// CommandEntity scopes a command to what it acts on.
type CommandEntity string

const (
	EntityProcess CommandEntity = "Process"
	EntityImages  CommandEntity = "Images"
	EntityImage   CommandEntity = "Image"
)

// Execution placeholders resolved by the supervisor when spawning a child.
const (
	VarNode                   = "${node}"
	VarShell                  = "${shell}"
	VarVenvPython             = "${venvPython}"
	VarExtensionID            = "${extensionId}"
	VarAPIKey                 = "${apiKey}"
	VarWebServicesBaseURL     = "${webServicesBaseUrl}"
	VarImageID                = "${imageId}"
	VarImageURL               = "${imageUrl}"
	VarExtensionDirectoryPath = "${extensionDirectoryPath}"
)

// Manifest is the static description of an extension, parsed from the
// manifest.json of its archive.
type Manifest struct {
	ID           string         `json:"id"`
	Version      string         `json:"version"`
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	Runtimes     []RuntimeEnv   `json:"runtimes"`
	Instructions []Instructions `json:"instructions"`
	UI           *UI            `json:"ui,omitempty"`
	// Settings is the JSON-schema of the extension's user settings.
	Settings map[string]interface{} `json:"settings"`
	// Icon and Manual are archive-relative file paths.
	Icon   string `json:"icon,omitempty"`
	Manual string `json:"manual,omitempty"`
}

// Instructions binds one execution template to an event list.
type Instructions struct {
	Events             []Event            `json:"events"`
	Capabilities       []Capability       `json:"capabilities,omitempty"`
	ThrottlingPolicies []ThrottlingPolicy `json:"throttlingPolicies,omitempty"`
	Execution          Execution          `json:"execution"`
	Commands           []Command          `json:"commands,omitempty"`
}

// ThrottlingPolicy limits the delivery rate of matched events.
type ThrottlingPolicy struct {
	Events       []Event `json:"events"`
	DurationMs   int64   `json:"durationMs"`
	MaximumCount int     `json:"maximumCount"`
}

// Execution is the template the supervisor spawns.
type Execution struct {
	Executable string   `json:"executable"`
	Arguments  []string `json:"arguments,omitempty"`
}

// Command is a user-invokable verb declared by an extension.
type Command struct {
	ID             string                 `json:"id"`
	On             CommandTarget          `json:"on"`
	Parameters     map[string]interface{} `json:"parameters,omitempty"`
	Specifications []CommandSpecification `json:"specifications"`
}

// CommandTarget names the entity a command acts on.
type CommandTarget struct {
	Entity   CommandEntity `json:"entity"`
	WithTags []string      `json:"withTags,omitempty"`
}

// CommandSpecification localizes a command for the master UI.
type CommandSpecification struct {
	Locale      string `json:"locale"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// UI declares pages the extension contributes to the master UI.
type UI struct {
	Elements []UIElement `json:"elements"`
}

// UIElement is one contributed page; URL is archive-relative and must name
// a file contained in the archive.
type UIElement struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// ── Derived views ────────────────────────────────────────────

// HasEvent reports whether any instructions entry declares e.
func (m *Manifest) HasEvent(e Event) bool {
	for _, entry := range m.Instructions {
		if entry.HasEvent(e) {
			return true
		}
	}
	return false
}

// LongLived reports whether the extension declares a process.started
// entry, i.e. the supervisor keeps a child alive for it.
func (m *Manifest) LongLived() bool {
	return m.HasEvent(EventProcessStarted)
}

// Capabilities returns the union of declared capabilities, in declaration
// order, without duplicates.
func (m *Manifest) Capabilities() []Capability {
	seen := map[Capability]bool{}
	var out []Capability
	for _, entry := range m.Instructions {
		for _, c := range entry.Capabilities {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out
}

// HasCapability reports whether the manifest declares c.
func (m *Manifest) HasCapability(c Capability) bool {
	for _, entry := range m.Instructions {
		for _, have := range entry.Capabilities {
			if have == c {
				return true
			}
		}
	}
	return false
}

// Commands returns every declared command, in declaration order.
func (m *Manifest) Commands() []Command {
	var out []Command
	for _, entry := range m.Instructions {
		out = append(out, entry.Commands...)
	}
	return out
}

// Command returns the command with the given id.
func (m *Manifest) Command(id string) (Command, bool) {
	for _, c := range m.Commands() {
		if c.ID == id {
			return c, true
		}
	}
	return Command{}, false
}

// SubscribedBusEvents computes the bus events an extension socket may
// receive: the union of every instructions entry's events mapped to bus
// names, plus extension.settings implicitly.
func (m *Manifest) SubscribedBusEvents() map[string]bool {
	out := map[string]bool{"extension.settings": true}
	for _, entry := range m.Instructions {
		for _, e := range entry.Events {
			if name, ok := BusEvent(e); ok {
				out[name] = true
			}
		}
	}
	return out
}

// ThrottlingPoliciesFor returns every policy of the manifest matching the
// given manifest event, in declaration order.
func (m *Manifest) ThrottlingPoliciesFor(e Event) []ThrottlingPolicy {
	var out []ThrottlingPolicy
	for _, entry := range m.Instructions {
		for _, p := range entry.ThrottlingPolicies {
			for _, pe := range p.Events {
				if pe == e {
					out = append(out, p)
					break
				}
			}
		}
	}
	return out
}

// HasEvent reports whether the entry lists e.
func (i Instructions) HasEvent(e Event) bool {
	for _, have := range i.Events {
		if have == e {
			return true
		}
	}
	return false
}
