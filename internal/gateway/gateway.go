package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/picteus/picteus/internal/apperr"
	"github.com/picteus/picteus/internal/bus"
	"github.com/picteus/picteus/internal/credentials"
	"github.com/picteus/picteus/internal/manifest"
	"github.com/picteus/picteus/internal/registry"
	"github.com/picteus/picteus/pkg/models"
)

// Conn is the transport the gateway speaks over. The production
// implementation wraps a websocket; tests plug in-memory pipes.
type Conn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	Close() error
}

// ExtensionDirectory is the registry surface the gateway needs: manifests
// for computing subscribed events and throttling policies.
type ExtensionDirectory interface {
	Get(id string) *registry.Extension
}

// inboundFrame is the client→server wire shape.
type inboundFrame struct {
	Channel string          `json:"channel"`
	Value   json.RawMessage `json:"value"`
}

// outboundFrame is the server→client wire shape; Value is an EventEnvelope.
type outboundFrame struct {
	Channel string      `json:"channel"`
	Value   interface{} `json:"value"`
}

const (
	channelConnection    = "connection"
	channelNotifications = "notifications"
	channelEvents        = "events"
)

type pendingKind int

const (
	kindDelivery pendingKind = iota
	kindIntent
)

// pending is an in-flight delivery awaiting an acknowledgment keyed by its
// contextId.
type pending struct {
	kind    pendingKind
	session *session
	event   bus.Event
	release func()

	// Intent fields: where the master's answer goes back to.
	origin       *session
	originCtxID  string
	valueSchema  *jsonschema.Schema
	intentSource string
}

// session is one live socket, master or extension.
type session struct {
	id          string
	conn        Conn
	extensionID string // empty for the master client

	ctx    context.Context
	cancel context.CancelFunc
	out    chan bus.Event

	writeMu sync.Mutex
}

func (s *session) write(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// Gateway accepts persistent sockets from extensions and the master client,
// routes bus events outward and inbound notifications inward.
type Gateway struct {
	bus      *bus.Bus
	creds    *credentials.Store
	dir      ExtensionDirectory
	throttle *Throttler
	client   *bus.Client

	mu          sync.Mutex
	closed      bool
	master      *session
	sessions    map[string]*session
	byExtension map[string][]string
	pendings    map[string]*pending
}

func New(b *bus.Bus, creds *credentials.Store, dir ExtensionDirectory) *Gateway {
	g := &Gateway{
		bus:         b,
		creds:       creds,
		dir:         dir,
		throttle:    NewThrottler(),
		client:      b.NewClient(),
		sessions:    make(map[string]*session),
		byExtension: make(map[string][]string),
		pendings:    make(map[string]*pending),
	}
	for _, name := range bus.SocketEvents {
		g.client.Subscribe(name, g.route)
	}
	return g
}

// ── Outbound ─────────────────────────────────────────────────

// route fans one bus event out to the sockets that should see it: the
// master gets every unmarked event, an extension socket gets the event iff
// it is in its subscribed set and the marker is absent or its own id.
func (g *Gateway) route(e bus.Event) {
	g.mu.Lock()
	var targets []*session
	if g.master != nil && e.Marker == "" {
		targets = append(targets, g.master)
	}
	for extID, ids := range g.byExtension {
		if e.Marker != "" && e.Marker != extID {
			continue
		}
		ext := g.dir.Get(extID)
		if ext == nil || !ext.Manifest.SubscribedBusEvents()[e.Name] {
			continue
		}
		for _, sid := range ids {
			targets = append(targets, g.sessions[sid])
		}
	}
	g.mu.Unlock()

	for _, s := range targets {
		select {
		case s.out <- e:
		case <-s.ctx.Done():
		}
	}
}

// writeLoop drains one session's outbound queue, throttling and recording
// pending acknowledgments per delivery. Per-session FIFO keeps emission
// order on the socket. The out channel is never closed; the loop ends on
// context cancel, so a router blocked on a send always has the Done case
// to fall back to.
func (g *Gateway) writeLoop(s *session) {
	for {
		select {
		case e := <-s.out:
			g.deliver(s, e)
		case <-s.ctx.Done():
			return
		}
	}
}

func (g *Gateway) deliver(s *session, e bus.Event) {
	ctxID := uuid.NewString()

	awaited := false
	release := func() {}
	if s.extensionID != "" {
		var policies []manifest.ThrottlingPolicy
		if ext := g.dir.Get(s.extensionID); ext != nil {
			policies = ext.Manifest.ThrottlingPoliciesFor(manifest.Event(e.Name))
		}
		var err error
		release, err = g.throttle.Acquire(s.ctx, s.extensionID, e.Name, policies)
		if err != nil {
			return
		}
		awaited = true
	} else if e.CallbackID != "" {
		awaited = true
	}

	if awaited {
		g.mu.Lock()
		g.pendings[ctxID] = &pending{kind: kindDelivery, session: s, event: e, release: release}
		g.mu.Unlock()
	}

	env := models.EventEnvelope{
		Channel:      e.Name,
		ContextID:    ctxID,
		Milliseconds: time.Now().UnixMilli(),
		Value:        e.Value,
	}
	if err := s.write(outboundFrame{Channel: channelEvents, Value: env}); err != nil {
		log.Warn().Str("session", s.id).Str("event", e.Name).Err(err).Msg("socket write failed")
		g.dropPending(ctxID, "socket write failed")
	}
}

// ── Connection handling ──────────────────────────────────────

// Handle runs one socket to completion. It blocks until the peer
// disconnects, announces isOpen=false, or the gateway closes.
func (g *Gateway) Handle(ctx context.Context, conn Conn) {
	defer conn.Close()

	sess, err := g.open(ctx, conn)
	if err != nil {
		conn.WriteJSON(outboundFrame{
			Channel: channelConnection,
			Value:   map[string]interface{}{"error": err.Error()},
		})
		return
	}
	defer g.unregister(sess)

	go g.writeLoop(sess)

	for {
		var f inboundFrame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		switch f.Channel {
		case channelConnection:
			var p models.ConnectionPayload
			if err := json.Unmarshal(f.Value, &p); err == nil && !p.IsOpen {
				return
			}
		case channelNotifications:
			var p models.NotificationPayload
			if err := json.Unmarshal(f.Value, &p); err != nil {
				log.Warn().Str("session", sess.id).Err(err).Msg("malformed notification")
				continue
			}
			g.handleNotification(sess, p)
		}
	}
}

// open reads and authenticates the initial connection frame.
func (g *Gateway) open(ctx context.Context, conn Conn) (*session, error) {
	var f inboundFrame
	if err := conn.ReadJSON(&f); err != nil {
		return nil, apperr.BadRequest("expected a connection frame")
	}
	if f.Channel != channelConnection {
		return nil, apperr.BadRequest("expected a connection frame, got %q", f.Channel)
	}
	var p models.ConnectionPayload
	if err := json.Unmarshal(f.Value, &p); err != nil {
		return nil, apperr.BadRequest("malformed connection payload")
	}
	if !p.IsOpen {
		return nil, apperr.BadRequest("connection frame must open the socket")
	}

	access, err := g.creds.Resolve(ctx, p.APIKey)
	if err != nil {
		return nil, err
	}
	if p.ExtensionID != "" {
		if !access.IsMaster() && access.ExtensionID != p.ExtensionID {
			return nil, apperr.Unauthorized("API key does not match extension %q", p.ExtensionID)
		}
		if g.dir.Get(p.ExtensionID) == nil {
			return nil, apperr.Unauthorized("unknown extension %q", p.ExtensionID)
		}
	} else if !access.IsMaster() {
		return nil, apperr.Unauthorized("master key required")
	}

	sctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		id:          uuid.NewString(),
		conn:        conn,
		extensionID: p.ExtensionID,
		ctx:         sctx,
		cancel:      cancel,
		out:         make(chan bus.Event, 256),
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		cancel()
		return nil, apperr.Internal("gateway closed")
	}
	g.sessions[sess.id] = sess
	if p.ExtensionID != "" {
		g.byExtension[p.ExtensionID] = append(g.byExtension[p.ExtensionID], sess.id)
	} else {
		if prev := g.master; prev != nil {
			prev.cancel()
			prev.conn.Close()
		}
		g.master = sess
	}
	g.mu.Unlock()

	if p.ExtensionID != "" {
		log.Info().Str("extension", p.ExtensionID).Str("sdkVersion", p.SDKVersion).Str("runtime", p.Runtime).Msg("extension socket connected")
		g.bus.Publish(bus.ExtensionProcessConnected, map[string]interface{}{"extensionId": p.ExtensionID})
	} else {
		log.Info().Msg("master socket connected")
	}
	return sess, nil
}

func (g *Gateway) unregister(sess *session) {
	sess.cancel()

	g.mu.Lock()
	delete(g.sessions, sess.id)
	if sess.extensionID != "" {
		ids := g.byExtension[sess.extensionID]
		for i, sid := range ids {
			if sid == sess.id {
				ids = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		if len(ids) == 0 {
			delete(g.byExtension, sess.extensionID)
		} else {
			g.byExtension[sess.extensionID] = ids
		}
	} else if g.master == sess {
		g.master = nil
	}
	var orphaned []string
	for ctxID, p := range g.pendings {
		if p.session == sess {
			orphaned = append(orphaned, ctxID)
		}
	}
	lastSocket := sess.extensionID != "" && g.byExtension[sess.extensionID] == nil
	closed := g.closed
	g.mu.Unlock()

	for _, ctxID := range orphaned {
		g.dropPending(ctxID, "socket disconnected")
	}

	if closed || sess.extensionID == "" {
		return
	}
	if lastSocket {
		if ext := g.dir.Get(sess.extensionID); ext != nil && ext.Manifest.LongLived() {
			g.bus.Publish(bus.ExtensionProcessStopped, map[string]interface{}{"extensionId": sess.extensionID})
		}
	}
}

// Close tears down every socket and rejects all pending acknowledgments.
func (g *Gateway) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	sessions := make([]*session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	orphaned := make([]string, 0, len(g.pendings))
	for ctxID := range g.pendings {
		orphaned = append(orphaned, ctxID)
	}
	g.mu.Unlock()

	for _, ctxID := range orphaned {
		g.dropPending(ctxID, "gateway closed")
	}
	for _, s := range sessions {
		s.cancel()
		s.conn.Close()
	}
	g.client.Close()
}

// ── Inbound ──────────────────────────────────────────────────

func (g *Gateway) handleNotification(sess *session, p models.NotificationPayload) {
	switch {
	case p.Ack != nil:
		g.resolveAck(sess, *p.Ack)
	case p.Log != nil:
		g.bus.Publish(bus.ExtensionLog, map[string]interface{}{
			"extensionId": sess.extensionID,
			"log":         p.Log.Log,
			"level":       p.Log.Level,
		})
	case p.Notification != nil:
		g.bus.Publish(bus.ExtensionNotification, map[string]interface{}{
			"extensionId":  sess.extensionID,
			"notification": p.Notification,
		})
	case p.Intent != nil:
		g.handleIntent(sess, p.ContextID, p.Intent)
	default:
		log.Warn().Str("session", sess.id).Msg("notification with no payload")
	}
}

// resolveAck settles the pending entry for an acknowledged contextId:
// releases the throttle slot, answers an attached result sink, and tells
// the master the command completed. Master acks settle forwarded intents.
func (g *Gateway) resolveAck(sess *session, ack models.Acknowledgment) {
	g.mu.Lock()
	p := g.pendings[ack.ContextID]
	delete(g.pendings, ack.ContextID)
	g.mu.Unlock()
	if p == nil {
		log.Debug().Str("contextId", ack.ContextID).Msg("acknowledgment for unknown context")
		return
	}

	if p.kind == kindIntent {
		g.settleIntent(p, ack)
		return
	}

	p.release()
	if p.event.CallbackID != "" {
		g.bus.Respond(p.event, ack)
	}
	if sess.extensionID != "" {
		g.bus.Publish(bus.ExtensionAcknowledgment, map[string]interface{}{
			"extensionId":    sess.extensionID,
			"event":          p.event.Name,
			"acknowledgment": ack,
		})
	}
}

// dropPending rejects one pending acknowledgment with the given reason.
func (g *Gateway) dropPending(ctxID, reason string) {
	g.mu.Lock()
	p := g.pendings[ctxID]
	delete(g.pendings, ctxID)
	g.mu.Unlock()
	if p == nil {
		return
	}
	if p.kind == kindIntent {
		g.answerIntent(p, models.IntentResult{Error: reason})
		return
	}
	p.release()
	if p.event.CallbackID != "" {
		g.bus.Respond(p.event, models.Acknowledgment{ContextID: ctxID, Success: false, Error: reason})
	}
}

// ── Intents ──────────────────────────────────────────────────

// handleIntent validates an extension intent and forwards it to the master
// socket; the master's acknowledgment is routed back to the extension.
func (g *Gateway) handleIntent(sess *session, originCtxID string, in *models.Intent) {
	kind, err := validateIntent(in)
	if err != nil {
		g.answerIntent(&pending{origin: sess, originCtxID: originCtxID}, models.IntentResult{Error: err.Error()})
		return
	}

	g.mu.Lock()
	master := g.master
	g.mu.Unlock()
	if master == nil {
		g.answerIntent(&pending{origin: sess, originCtxID: originCtxID}, models.IntentResult{Error: "no master client connected"})
		return
	}

	p := &pending{
		kind:         kindIntent,
		session:      master,
		origin:       sess,
		originCtxID:  originCtxID,
		intentSource: sess.extensionID,
	}
	if kind == "parameters" {
		schema, err := manifest.CompileSchema(in.Parameters)
		if err != nil {
			g.answerIntent(p, models.IntentResult{Error: err.Error()})
			return
		}
		p.valueSchema = schema
	}

	ctxID := uuid.NewString()
	g.mu.Lock()
	g.pendings[ctxID] = p
	g.mu.Unlock()

	env := models.EventEnvelope{
		Channel:      bus.ExtensionIntent,
		ContextID:    ctxID,
		Milliseconds: time.Now().UnixMilli(),
		Value: map[string]interface{}{
			"extensionId": sess.extensionID,
			"intent":      in,
		},
	}
	if err := master.write(outboundFrame{Channel: channelEvents, Value: env}); err != nil {
		g.dropPending(ctxID, "socket write failed")
	}
}

// settleIntent interprets the master's answer to a forwarded intent. For a
// parameters intent the entered value is re-validated against the schema
// the extension supplied.
func (g *Gateway) settleIntent(p *pending, ack models.Acknowledgment) {
	var result models.IntentResult
	if raw, err := json.Marshal(ack.Value); err == nil {
		json.Unmarshal(raw, &result)
	}
	if !ack.Success && result.Error == "" && result.Cancel == "" {
		result = models.IntentResult{Error: ack.Error}
	}

	if result.Value != nil && p.valueSchema != nil {
		if err := validateShape(p.valueSchema, result.Value); err != nil {
			result = models.IntentResult{Error: err.Error()}
		}
	}
	g.answerIntent(p, result)
}

// answerIntent writes the intent outcome back to the originating
// extension, correlated by the extension's own contextId.
func (g *Gateway) answerIntent(p *pending, result models.IntentResult) {
	if p.origin == nil {
		return
	}
	env := models.EventEnvelope{
		Channel:      bus.ExtensionIntent,
		ContextID:    p.originCtxID,
		Milliseconds: time.Now().UnixMilli(),
		Value:        result,
	}
	if err := p.origin.write(outboundFrame{Channel: channelEvents, Value: env}); err != nil {
		log.Warn().Str("session", p.origin.id).Err(err).Msg("intent answer write failed")
	}
}

// Connected reports whether at least one socket is open for the extension.
func (g *Gateway) Connected(extensionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.byExtension[extensionID]) > 0
}

// ForgetExtension drops the throttle windows of a removed extension.
func (g *Gateway) ForgetExtension(extensionID string) {
	g.throttle.Forget(extensionID)
}

// MasterConnected reports whether the master client socket is open.
func (g *Gateway) MasterConnected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.master != nil
}
