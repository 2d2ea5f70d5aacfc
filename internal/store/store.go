// Package store provides the narrow repository interfaces the extension
// host uses to reach the relational store. The host never owns the image
// catalogue; it only reads images and reconciles the extension-owned rows
// (tags, features, attachments, settings) keyed by extensionId.
package store

import (
	"context"

	"github.com/picteus/picteus/pkg/models"
)

// Store aggregates every repository the host depends on. The orchestrator
// depends on this interface, so tests swap in the in-memory
// implementation.
type Store interface {
	ImageRepository
	TagRepository
	FeatureRepository
	SettingsRepository
	SecretRepository

	// Close releases all resources held by the store.
	Close() error
}

// ── Images ───────────────────────────────────────────────────

// ImageRepository reads the image catalogue.
type ImageRepository interface {
	ListRepositories(ctx context.Context) ([]models.Repository, error)
	ListImages(ctx context.Context, repositoryID string) ([]models.Image, error)
	// GetImage returns (nil, nil) when the id is unknown.
	GetImage(ctx context.Context, id string) (*models.Image, error)
}

// ── Extension-owned satellites ───────────────────────────────

// TagRepository holds extension-assigned image tags.
type TagRepository interface {
	AddTag(ctx context.Context, tag models.Tag) error
	ListTagsByExtension(ctx context.Context, extensionID string) ([]models.Tag, error)
	// ImageHasTags reports whether the image carries every named tag for
	// the given extension.
	ImageHasTags(ctx context.Context, imageID, extensionID string, names []string) (bool, error)
	DeleteTagsByExtension(ctx context.Context, extensionID string) error
}

// FeatureRepository holds extension-computed features and their binary
// attachments.
type FeatureRepository interface {
	PutFeature(ctx context.Context, f models.Feature) error
	ListFeaturesByExtension(ctx context.Context, extensionID string) ([]models.Feature, error)
	PutAttachment(ctx context.Context, a models.Attachment) error
	ListAttachmentsByExtension(ctx context.Context, extensionID string) ([]models.Attachment, error)
	DeleteFeaturesByExtension(ctx context.Context, extensionID string) error
}

// SettingsRepository holds per-extension user settings.
type SettingsRepository interface {
	// GetSettings fails BadRequest when the extension has no settings row.
	GetSettings(ctx context.Context, extensionID string) (map[string]interface{}, error)
	SetSettings(ctx context.Context, extensionID string, values map[string]interface{}) error
	DeleteSettings(ctx context.Context, extensionID string) error
}

// SecretRepository resolves persisted secrets by value. Consumed by the
// credential store as its third resolution tier.
type SecretRepository interface {
	// LookupSecret returns (nil, nil) when the value is unknown.
	LookupSecret(ctx context.Context, value string) (*models.Secret, error)
	PutSecret(ctx context.Context, s models.Secret) error
	DeleteSecret(ctx context.Context, value string) error
}
