package manifest

import (
	"github.com/Masterminds/semver/v3"

	"github.com/picteus/picteus/internal/apperr"
)

// Validate applies the cross-field rules the JSON-schema cannot express.
// The first violation is reported as BadRequest with one descriptive
// message.
func (m *Manifest) Validate() error {
	if !IDPattern.MatchString(m.ID) {
		return apperr.BadRequest("extension id %q does not match [A-Za-z0-9._-]{1,32}", m.ID)
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return apperr.BadRequest("extension %q: version %q is not a semantic version", m.ID, m.Version)
	}

	for i, entry := range m.Instructions {
		declared := map[Event]bool{}
		for _, e := range entry.Events {
			if !KnownEvent(e) {
				return apperr.BadRequest("extension %q: instructions[%d] declares unknown event %q", m.ID, i, e)
			}
			declared[e] = true
		}

		// A capability must be backed by the events it requires, in the
		// same instructions entry.
		for _, c := range entry.Capabilities {
			required, ok := RequiredEvents(c)
			if !ok {
				return apperr.BadRequest("extension %q: instructions[%d] declares unknown capability %q", m.ID, i, c)
			}
			for _, e := range required {
				if !declared[e] {
					return apperr.BadRequest("extension %q: capability %q requires event %q in the same instructions entry", m.ID, c, e)
				}
			}
		}

		// Throttling policies may only name declared events.
		for _, p := range entry.ThrottlingPolicies {
			if p.DurationMs <= 0 {
				return apperr.BadRequest("extension %q: throttling policy durationMs must be positive, got %d", m.ID, p.DurationMs)
			}
			if p.MaximumCount <= 0 {
				return apperr.BadRequest("extension %q: throttling policy maximumCount must be positive, got %d", m.ID, p.MaximumCount)
			}
			for _, e := range p.Events {
				if !declared[e] {
					return apperr.BadRequest("extension %q: throttling policy names event %q not declared by its instructions entry", m.ID, e)
				}
			}
		}

		// Commands.
		for _, c := range entry.Commands {
			if c.On.Entity == EntityProcess {
				if !declared[EventProcessStarted] || !declared[EventProcessRunCommand] {
					return apperr.BadRequest("extension %q: command %q on Process requires events %q and %q in the same instructions entry",
						m.ID, c.ID, EventProcessStarted, EventProcessRunCommand)
				}
			}
			if c.Parameters != nil {
				if _, err := CompileSchema(c.Parameters); err != nil {
					return apperr.BadRequest("extension %q: command %q parameters is not a valid JSON-schema: %v", m.ID, c.ID, err)
				}
			}
		}
	}

	// Command ids are unique per extension.
	seen := map[string]bool{}
	for _, c := range m.Commands() {
		if seen[c.ID] {
			return apperr.BadRequest("extension %q: duplicate command id %q", m.ID, c.ID)
		}
		seen[c.ID] = true
	}

	if _, err := CompileSchema(m.Settings); err != nil {
		return apperr.BadRequest("extension %q: settings is not a valid JSON-schema: %v", m.ID, err)
	}

	return nil
}
