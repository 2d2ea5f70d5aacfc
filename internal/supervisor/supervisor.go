// Package supervisor spawns and restarts extension child processes. It
// runs in its own worker goroutine: every command posts into a mailbox
// and executes serially against the state machine, so child bookkeeping
// never races with the request path.
package supervisor

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/picteus/picteus/internal/apperr"
	"github.com/picteus/picteus/internal/bus"
	"github.com/picteus/picteus/internal/config"
	"github.com/picteus/picteus/internal/manifest"
	"github.com/picteus/picteus/internal/registry"
)

// State is the supervisor's lifecycle position.
type State string

const (
	StateStopped  State = "Stopped"
	StateStarting State = "Starting"
	StateStarted  State = "Started"
	StateStopping State = "Stopping"
)

// maxConsecutiveFailures is the number of unintended exits after which a
// long-lived child is no longer restarted.
const maxConsecutiveFailures = 3

// ManifestSource is the registry surface the supervisor reads.
type ManifestSource interface {
	Get(id string) *registry.Extension
	List() []*registry.Extension
}

// command is one mailbox entry; done receives the outcome.
type command struct {
	run  func() error
	done chan error
}

// Supervisor owns every extension child process.
type Supervisor struct {
	bus       *bus.Bus
	manifests ManifestSource
	cfg       config.ExtensionConfig

	mailbox chan command
	quit    chan struct{}

	// Worker-goroutine state; touched only from run().
	state    State
	baseURL  string
	apiKeys  map[string]string
	children map[string][]*child
	failures map[string]int
	backoffs map[string]*backoff.ExponentialBackOff

	// output is written by the relay goroutines, so it locks on its own.
	output *outputLog
}

func New(b *bus.Bus, manifests ManifestSource, cfg config.ExtensionConfig) *Supervisor {
	s := &Supervisor{
		bus:       b,
		manifests: manifests,
		cfg:       cfg,
		mailbox:   make(chan command, 64),
		quit:      make(chan struct{}),
		state:     StateStopped,
		apiKeys:   make(map[string]string),
		children:  make(map[string][]*child),
		failures:  make(map[string]int),
		backoffs:  make(map[string]*backoff.ExponentialBackOff),
		output:    newOutputLog(500),
	}
	go s.run()
	return s
}

func (s *Supervisor) run() {
	for {
		select {
		case cmd := <-s.mailbox:
			err := cmd.run()
			if cmd.done != nil {
				cmd.done <- err
			}
		case <-s.quit:
			return
		}
	}
}

// post executes fn on the worker goroutine and waits for its outcome.
func (s *Supervisor) post(fn func() error) error {
	done := make(chan error, 1)
	select {
	case s.mailbox <- command{run: fn, done: done}:
		return <-done
	case <-s.quit:
		return apperr.Internal("supervisor shut down")
	}
}

// postAsync executes fn on the worker goroutine without waiting.
func (s *Supervisor) postAsync(fn func() error) {
	select {
	case s.mailbox <- command{run: fn}:
	case <-s.quit:
	}
}

func (s *Supervisor) requireState(op string, want State) error {
	if s.state != want {
		return apperr.Internal("supervisor cannot %s while %s", op, s.state)
	}
	return nil
}

// State reports the current lifecycle position.
func (s *Supervisor) State() State {
	var st State
	s.post(func() error {
		st = s.state
		return nil
	})
	return st
}

// Start brings the supervisor up and launches the long-lived processes of
// every extension with an API key in apiKeys.
func (s *Supervisor) Start(webServicesBaseURL string, apiKeys map[string]string) error {
	return s.post(func() error {
		if err := s.requireState("start", StateStopped); err != nil {
			return err
		}
		s.state = StateStarting
		s.baseURL = webServicesBaseURL
		for id, key := range apiKeys {
			s.apiKeys[id] = key
		}
		for id := range apiKeys {
			s.launchExtension(id)
		}
		s.state = StateStarted
		log.Info().Int("extensions", len(apiKeys)).Msg("supervisor started")
		return nil
	})
}

// Stop terminates every child and returns the supervisor to Stopped.
func (s *Supervisor) Stop() error {
	return s.post(func() error {
		if err := s.requireState("stop", StateStarted); err != nil {
			return err
		}
		s.state = StateStopping
		for id := range s.children {
			s.stopExtension(id)
		}
		s.state = StateStopped
		log.Info().Msg("supervisor stopped")
		return nil
	})
}

// StartProcesses launches the long-lived processes of the given
// extensions, recording their API keys.
func (s *Supervisor) StartProcesses(apiKeys map[string]string) error {
	return s.post(func() error {
		if err := s.requireState("start processes", StateStarted); err != nil {
			return err
		}
		for id, key := range apiKeys {
			s.apiKeys[id] = key
			s.resetFailures(id)
			s.launchExtension(id)
		}
		return nil
	})
}

// StopProcesses terminates the children of the given extensions. The
// failure counter resets: stopping is a deliberate action.
func (s *Supervisor) StopProcesses(ids []string) error {
	return s.post(func() error {
		if err := s.requireState("stop processes", StateStarted); err != nil {
			return err
		}
		for _, id := range ids {
			s.stopExtension(id)
			s.resetFailures(id)
		}
		return nil
	})
}

// resetFailures clears the consecutive-exit counter after a deliberate
// human action. Runs on the worker goroutine.
func (s *Supervisor) resetFailures(id string) {
	s.failures[id] = 0
	delete(s.backoffs, id)
}

// ForgetExtension drops all supervisor bookkeeping for an extension,
// stopping its children first.
func (s *Supervisor) ForgetExtension(id string) error {
	return s.post(func() error {
		s.stopExtension(id)
		delete(s.apiKeys, id)
		delete(s.failures, id)
		s.output.drop(id)
		return nil
	})
}

// RecentOutput returns the last n output lines of an extension's
// processes.
func (s *Supervisor) RecentOutput(id string, n int) []LogEntry {
	return s.output.recent(id, n)
}

// OnImageEvent fans an image event out to short-lived extensions: every
// enabled extension without a long-lived process that declares the event
// gets one child, with the image variables bound.
func (s *Supervisor) OnImageEvent(e bus.Event) {
	s.postAsync(func() error {
		if s.state != StateStarted {
			return nil
		}
		imageID, imageURL := imageBindings(e)
		for _, ext := range s.manifests.List() {
			if !ext.Enabled() || ext.Manifest.LongLived() {
				continue
			}
			if e.Marker != "" && e.Marker != ext.Manifest.ID {
				continue
			}
			mEvent := manifest.Event(e.Name)
			if !ext.Manifest.HasEvent(mEvent) {
				continue
			}
			for i := range ext.Manifest.Instructions {
				if !ext.Manifest.Instructions[i].HasEvent(mEvent) {
					continue
				}
				s.spawn(ext, i, bindings{imageID: imageID, imageURL: imageURL}, false)
			}
		}
		return nil
	})
}

// imageBindings extracts the image variables from an event payload. A
// deleted image no longer exists, so only its id survives.
func imageBindings(e bus.Event) (imageID, imageURL string) {
	v, ok := e.Value.(map[string]interface{})
	if !ok {
		return "", ""
	}
	imageID, _ = v["imageId"].(string)
	if e.Name != bus.ImageDeleted {
		imageURL, _ = v["imageUrl"].(string)
	}
	return imageID, imageURL
}

// Close shuts the worker down, stopping every child first.
func (s *Supervisor) Close() {
	s.post(func() error {
		for id := range s.children {
			s.stopExtension(id)
		}
		s.state = StateStopped
		return nil
	})
	close(s.quit)
}

// launchExtension spawns one long-lived child per instructions entry
// declaring process.started. Runs on the worker goroutine.
func (s *Supervisor) launchExtension(id string) {
	ext := s.manifests.Get(id)
	if ext == nil || !ext.Enabled() || !ext.Manifest.LongLived() {
		return
	}
	for i := range ext.Manifest.Instructions {
		if !ext.Manifest.Instructions[i].HasEvent(manifest.EventProcessStarted) {
			continue
		}
		if s.entryAlive(id, i) {
			continue
		}
		s.spawn(ext, i, bindings{}, true)
	}
}

// entryAlive reports whether one instructions entry already has a live
// long-lived child. Runs on the worker goroutine.
func (s *Supervisor) entryAlive(id string, entry int) bool {
	for _, c := range s.children[id] {
		if c.longLived && c.entry == entry {
			return true
		}
	}
	return false
}

// stopExtension terminates every child of one extension. Runs on the
// worker goroutine.
func (s *Supervisor) stopExtension(id string) {
	for _, c := range s.children[id] {
		c.terminate()
	}
	delete(s.children, id)
}

// reportFailure counts an unintended exit and decides between respawn and
// giving up. Runs on the worker goroutine.
func (s *Supervisor) reportFailure(c *child, exitErr error) {
	id := c.extensionID
	s.removeChild(c)

	if s.state != StateStarted {
		return
	}
	s.failures[id]++
	count := s.failures[id]
	log.Warn().Str("extension", id).Int("failures", count).Err(exitErr).Msg("extension process exited")

	if count >= maxConsecutiveFailures {
		msg := fmt.Sprintf("extension %q exited %d times in a row; giving up", id, count)
		s.bus.Publish(bus.ExtensionError, map[string]interface{}{"extensionId": id, "error": msg})
		s.bus.Publish(bus.ExtensionProcessError, map[string]interface{}{"extensionId": id, "error": msg})
		return
	}

	bo := s.backoffs[id]
	if bo == nil {
		bo = backoff.NewExponentialBackOff()
		bo.InitialInterval = 250 * time.Millisecond
		bo.MaxElapsedTime = 0
		s.backoffs[id] = bo
	}
	entry := c.entry
	time.AfterFunc(bo.NextBackOff(), func() {
		s.postAsync(func() error {
			if s.state != StateStarted {
				return nil
			}
			if ext := s.manifests.Get(id); ext != nil && ext.Enabled() && !s.entryAlive(id, entry) {
				s.spawn(ext, entry, bindings{}, true)
			}
			return nil
		})
	})
}

func (s *Supervisor) removeChild(c *child) {
	siblings := s.children[c.extensionID]
	for i, other := range siblings {
		if other == c {
			siblings = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}
	if len(siblings) == 0 {
		delete(s.children, c.extensionID)
	} else {
		s.children[c.extensionID] = siblings
	}
}
