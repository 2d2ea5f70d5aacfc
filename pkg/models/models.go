// Package models defines the shared data model of the Picteus extension
// host: extension runtime records, images and their extension-owned
// satellites (tags, features, attachments, embeddings), and the socket
// payload shapes exchanged with extensions and the master client.
package models

import "time"

// ── Extension runtime state ──────────────────────────────────

// ExtensionStatus is the operator-controlled lifecycle state.
type ExtensionStatus string

const (
	ExtensionEnabled ExtensionStatus = "Enabled"
	ExtensionPaused  ExtensionStatus = "Paused"
)

// Activity is the observed connection state of an extension's processes.
type Activity string

const (
	ActivityConnecting Activity = "Connecting"
	ActivityConnected  Activity = "Connected"
	ActivityError      Activity = "Error"
)

// ── Images and extension-owned satellites ────────────────────

// Binary limits enforced at the edges.
const (
	MaxImageBytes      = 32 << 20
	MaxAttachmentBytes = 1 << 20
	MaxArchiveBytes    = 8 << 20
)

// Repository is an image repository (a watched directory tree).
type Repository struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

// Image is the minimal view of an image the host needs: identity plus the
// URL handed to extension processes.
type Image struct {
	ID           string    `json:"id"`
	RepositoryID string    `json:"repositoryId"`
	FileName     string    `json:"fileName"`
	URL          string    `json:"url"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Tag is an extension-assigned label on an image.
type Tag struct {
	ImageID     string `json:"imageId"`
	ExtensionID string `json:"extensionId"`
	Name        string `json:"name"`
}

// Feature is an extension-computed scalar or structured value on an image.
type Feature struct {
	ImageID     string      `json:"imageId"`
	ExtensionID string      `json:"extensionId"`
	Name        string      `json:"name"`
	Value       interface{} `json:"value"`
}

// Attachment is a binary feature payload, at most MaxAttachmentBytes.
type Attachment struct {
	ImageID     string `json:"imageId"`
	ExtensionID string `json:"extensionId"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Data        []byte `json:"-"`
}

// Embedding is a vector owned by an extension for an image or a text.
type Embedding struct {
	ID          string            `json:"id"`
	ExtensionID string            `json:"extensionId"`
	ImageID     string            `json:"imageId,omitempty"`
	Vector      []float64         `json:"vector"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// EmbeddingMatch is a nearest-neighbour search hit.
type EmbeddingMatch struct {
	Embedding Embedding `json:"embedding"`
	Score     float64   `json:"score"`
}

// Secret is a persisted credential with optional expiry, resolvable as an
// API key by the credential store.
type Secret struct {
	Value     string     `json:"value"`
	Scopes    []string   `json:"scopes"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// ── Socket payloads ──────────────────────────────────────────

// ConnectionPayload announces a socket on the connection channel.
type ConnectionPayload struct {
	APIKey      string `json:"apiKey"`
	IsOpen      bool   `json:"isOpen"`
	ExtensionID string `json:"extensionId,omitempty"`
	SDKVersion  string `json:"sdkVersion,omitempty"`
	Runtime     string `json:"runtime,omitempty"`
}

// LogPayload is an extension log line relayed to the host.
type LogPayload struct {
	Log   string `json:"log"`
	Level string `json:"level"`
}

// Acknowledgment confirms that an extension processed a delivered event.
// Value optionally carries the result when the host expects one.
type Acknowledgment struct {
	ContextID string      `json:"contextId"`
	Success   bool        `json:"success"`
	Value     interface{} `json:"value,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// NotificationPayload routes inbound traffic on the notifications channel.
// Exactly one of Log, Notification, Ack, Intent is set.
type NotificationPayload struct {
	APIKey       string                 `json:"apiKey"`
	ExtensionID  string                 `json:"extensionId"`
	ContextID    string                 `json:"contextId,omitempty"`
	Log          *LogPayload            `json:"log,omitempty"`
	Notification map[string]interface{} `json:"notification,omitempty"`
	Ack          *Acknowledgment        `json:"acknowledgment,omitempty"`
	Intent       *Intent                `json:"intent,omitempty"`
}

// EventEnvelope is the server→client shape on the events channel.
type EventEnvelope struct {
	Channel      string      `json:"channel"`
	ContextID    string      `json:"contextId"`
	Milliseconds int64       `json:"milliseconds"`
	Value        interface{} `json:"value,omitempty"`
}

// ── Intents ──────────────────────────────────────────────────

// Intent is an extension-initiated request that needs user interaction,
// routed to the master client. Exactly one member is set; the set member
// discriminates the shape.
type Intent struct {
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	UI         *UIIntent              `json:"ui,omitempty"`
	Dialog     *DialogIntent          `json:"dialog,omitempty"`
	Images     *ImagesIntent          `json:"images,omitempty"`
	Show       *ShowIntent            `json:"show,omitempty"`
}

// UIIntent opens an extension page at a named anchor.
type UIIntent struct {
	Anchor string `json:"anchor"`
	URL    string `json:"url"`
}

// DialogIntent asks the master to present a dialog.
type DialogIntent struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Buttons     []string `json:"buttons"`
}

// ImagesIntent asks the master to present an image selection.
type ImagesIntent struct {
	ImageIDs []string `json:"imageIds,omitempty"`
}

// ShowIntent jumps to a named entity in the master UI.
type ShowIntent struct {
	Entity string `json:"entity"`
	ID     string `json:"id,omitempty"`
}

// IntentResult is the master's answer to a forwarded intent. Exactly one
// of Value, Cancel, Error is meaningful; callers distinguish the three.
type IntentResult struct {
	Value  interface{} `json:"value,omitempty"`
	Cancel string      `json:"cancel,omitempty"`
	Error  string      `json:"error,omitempty"`
}
