package host

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// purgeExtensionData deletes every row an uninstalled extension owns:
// tags, features and attachments, embeddings and settings. Each store is
// retried independently so a flaky backend does not re-run the deletes
// that already succeeded.
func (h *Host) purgeExtensionData(ctx context.Context, id string) error {
	steps := []struct {
		name string
		run  func() error
	}{
		{"tags", func() error { return h.store.DeleteTagsByExtension(ctx, id) }},
		{"features", func() error { return h.store.DeleteFeaturesByExtension(ctx, id) }},
		{"settings", func() error { return h.store.DeleteSettings(ctx, id) }},
		{"embeddings", func() error { return h.vectors.DeleteByExtension(ctx, id) }},
	}

	var firstErr error
	for _, step := range steps {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 100 * time.Millisecond
		bo.MaxElapsedTime = 5 * time.Second
		if err := backoff.Retry(step.run, backoff.WithContext(bo, ctx)); err != nil {
			log.Error().Str("extension", id).Str("step", step.name).Err(err).Msg("cleanup step failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
