package registry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// stagingMaxAge is how long a staging directory may exist before the
// janitor treats it as the leftover of a crashed update.
const stagingMaxAge = time.Hour

// Janitor periodically removes stale staging directories from the
// installed-extensions tree. Replace swaps a fully written staging
// directory into place; a crash between the two steps leaves the
// staging copy behind.
type Janitor struct {
	dir      string
	interval time.Duration
}

// NewJanitor creates a janitor that sweeps on the given interval.
func NewJanitor(dir string, interval time.Duration) *Janitor {
	if interval < time.Minute {
		interval = time.Hour
	}
	return &Janitor{dir: dir, interval: interval}
}

// Run sweeps until the context is canceled. Call it in its own
// goroutine.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep()
		}
	}
}

func (j *Janitor) sweep() {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Msg("janitor failed to read extensions directory")
		}
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() || !strings.Contains(entry.Name(), ".staging-") {
			continue
		}
		path := filepath.Join(j.dir, entry.Name())
		info, err := entry.Info()
		if err != nil || time.Since(info.ModTime()) < stagingMaxAge {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			log.Warn().Str("path", path).Err(err).Msg("janitor failed to remove stale staging directory")
			continue
		}
		log.Info().Str("path", path).Msg("removed stale staging directory")
	}
}
