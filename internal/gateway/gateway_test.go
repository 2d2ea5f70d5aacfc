package gateway_test

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picteus/picteus/internal/bus"
	"github.com/picteus/picteus/internal/credentials"
	"github.com/picteus/picteus/internal/gateway"
	"github.com/picteus/picteus/internal/manifest"
	"github.com/picteus/picteus/internal/registry"
	"github.com/picteus/picteus/pkg/models"
)

// fakeConn is an in-memory Conn: the test writes inbound frames and reads
// what the gateway sent.
type fakeConn struct {
	in        chan []byte
	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadJSON(v interface{}) error {
	select {
	case raw := <-c.in:
		return json.Unmarshal(raw, v)
	case <-c.closed:
		return io.EOF
	}
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case c.out <- raw:
		return nil
	case <-c.closed:
		return io.EOF
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) send(t *testing.T, channel string, value interface{}) {
	t.Helper()
	raw, err := json.Marshal(value)
	require.NoError(t, err)
	frame, err := json.Marshal(map[string]interface{}{"channel": channel, "value": json.RawMessage(raw)})
	require.NoError(t, err)
	c.in <- frame
}

// isLifecycle reports whether an envelope announces socket state. Those
// interleave with whatever a test publishes, so the readers skip them.
func isLifecycle(channel string) bool {
	return channel == bus.ExtensionProcessConnected || channel == bus.ExtensionProcessStopped
}

// expectEnvelope reads the next non-lifecycle events frame, failing
// after a timeout.
func (c *fakeConn) expectEnvelope(t *testing.T) models.EventEnvelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case raw := <-c.out:
			var frame struct {
				Channel string               `json:"channel"`
				Value   models.EventEnvelope `json:"value"`
			}
			require.NoError(t, json.Unmarshal(raw, &frame))
			require.Equal(t, "events", frame.Channel)
			if isLifecycle(frame.Value.Channel) {
				continue
			}
			return frame.Value
		case <-deadline:
			t.Fatal("no envelope arrived")
			return models.EventEnvelope{}
		}
	}
}

func (c *fakeConn) expectNone(t *testing.T, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case raw := <-c.out:
			var frame struct {
				Channel string               `json:"channel"`
				Value   models.EventEnvelope `json:"value"`
			}
			if json.Unmarshal(raw, &frame) == nil && frame.Channel == "events" && isLifecycle(frame.Value.Channel) {
				continue
			}
			t.Fatalf("unexpected frame: %s", raw)
		case <-deadline:
			return
		}
	}
}

type fakeDir struct {
	mu   sync.Mutex
	exts map[string]*registry.Extension
}

func (d *fakeDir) Get(id string) *registry.Extension {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exts[id]
}

func testManifest(t *testing.T, id string) *manifest.Manifest {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{
		"id":          id,
		"version":     "1.0.0",
		"name":        "Tagger",
		"description": "Tags images.",
		"runtimes":    []interface{}{"python"},
		"settings":    map[string]interface{}{"type": "object"},
		"instructions": []interface{}{
			map[string]interface{}{
				"events":       []interface{}{"process.started", "image.computeTags", "process.runCommand"},
				"capabilities": []interface{}{"image.tags"},
				"throttlingPolicies": []interface{}{
					map[string]interface{}{"events": []interface{}{"image.computeTags"}, "durationMs": 1, "maximumCount": 1},
				},
				"execution": map[string]interface{}{"executable": "${venvPython}"},
			},
		},
	})
	require.NoError(t, err)
	m, err := manifest.Parse(raw)
	require.NoError(t, err)
	return m
}

type fixture struct {
	bus   *bus.Bus
	creds *credentials.Store
	dir   *fakeDir
	gw    *gateway.Gateway

	masterKey string
	extKey    string
	extID     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		bus:       bus.New(),
		creds:     credentials.New(nil),
		dir:       &fakeDir{exts: make(map[string]*registry.Extension)},
		masterKey: "masterkeymasterkeymasterkeymasterkey",
		extID:     "image-tagger",
	}
	f.creds.SetMasterKey(f.masterKey)
	_, f.extKey = f.creds.RegisterExtensionKey(f.extID)
	f.dir.exts[f.extID] = &registry.Extension{
		Manifest: testManifest(t, f.extID),
		Status:   models.ExtensionEnabled,
		Activity: models.ActivityConnecting,
	}
	f.gw = gateway.New(f.bus, f.creds, f.dir)
	t.Cleanup(func() {
		f.gw.Close()
		f.bus.Close()
	})
	return f
}

func (f *fixture) connectMaster(t *testing.T) *fakeConn {
	t.Helper()
	conn := newFakeConn()
	go f.gw.Handle(context.Background(), conn)
	conn.send(t, "connection", models.ConnectionPayload{APIKey: f.masterKey, IsOpen: true})
	waitFor(t, f.gw.MasterConnected)
	return conn
}

func (f *fixture) connectExtension(t *testing.T) *fakeConn {
	t.Helper()
	conn := newFakeConn()
	go f.gw.Handle(context.Background(), conn)
	conn.send(t, "connection", models.ConnectionPayload{APIKey: f.extKey, IsOpen: true, ExtensionID: f.extID})
	waitFor(t, func() bool { return f.gw.Connected(f.extID) })
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func ack(conn *fakeConn, t *testing.T, extID, ctxID string, value interface{}) {
	t.Helper()
	conn.send(t, "notifications", models.NotificationPayload{
		ExtensionID: extID,
		Ack:         &models.Acknowledgment{ContextID: ctxID, Success: true, Value: value},
	})
}

func TestMasterReceivesUnmarkedEventsOnly(t *testing.T) {
	f := newFixture(t)
	master := f.connectMaster(t)

	f.bus.Publish(bus.ExtensionInstalled, map[string]interface{}{"extensionId": "x"})
	env := master.expectEnvelope(t)
	assert.Equal(t, bus.ExtensionInstalled, env.Channel)
	assert.NotEmpty(t, env.ContextID)

	f.bus.PublishMarked(bus.ImageComputeTags, map[string]interface{}{"imageId": "i1"}, f.extID)
	master.expectNone(t, 50*time.Millisecond)
}

func TestExtensionReceivesSubscribedMarkerMatchedEvents(t *testing.T) {
	f := newFixture(t)
	ext := f.connectExtension(t)

	// Subscribed, unmarked.
	f.bus.Publish(bus.ImageComputeTags, map[string]interface{}{"imageId": "i1"})
	env := ext.expectEnvelope(t)
	assert.Equal(t, bus.ImageComputeTags, env.Channel)
	ack(ext, t, f.extID, env.ContextID, nil)

	// Not in the subscribed set.
	f.bus.Publish(bus.ImageCreated, map[string]interface{}{"imageId": "i2"})
	ext.expectNone(t, 50*time.Millisecond)

	// Marked for another extension.
	f.bus.PublishMarked(bus.ImageComputeTags, map[string]interface{}{"imageId": "i3"}, "someone-else")
	ext.expectNone(t, 50*time.Millisecond)
}

func TestExtensionAuthRejection(t *testing.T) {
	f := newFixture(t)
	conn := newFakeConn()
	go f.gw.Handle(context.Background(), conn)
	conn.send(t, "connection", models.ConnectionPayload{APIKey: "wrongwrongwrongwrongwrongwrongwrongw", IsOpen: true, ExtensionID: f.extID})

	select {
	case raw := <-conn.out:
		var frame struct {
			Channel string                 `json:"channel"`
			Value   map[string]interface{} `json:"value"`
		}
		require.NoError(t, json.Unmarshal(raw, &frame))
		assert.Equal(t, "connection", frame.Channel)
		assert.NotEmpty(t, frame.Value["error"])
	case <-time.After(2 * time.Second):
		t.Fatal("no rejection frame")
	}
	assert.False(t, f.gw.Connected(f.extID))
}

func TestAcknowledgmentResolvesResultSinkAndInformsMaster(t *testing.T) {
	f := newFixture(t)
	master := f.connectMaster(t)
	ext := f.connectExtension(t)

	results := make(chan interface{}, 1)
	f.bus.PublishWith(bus.ImageComputeTags, map[string]interface{}{"imageId": "i1"}, bus.PublishOptions{
		Marker: f.extID,
		Result: func(v interface{}) { results <- v },
	})

	env := ext.expectEnvelope(t)
	ack(ext, t, f.extID, env.ContextID, []string{"cat", "outdoor"})

	select {
	case v := <-results:
		a, ok := v.(models.Acknowledgment)
		require.True(t, ok)
		assert.True(t, a.Success)
	case <-time.After(2 * time.Second):
		t.Fatal("result sink never resolved")
	}

	got := master.expectEnvelope(t)
	assert.Equal(t, bus.ExtensionAcknowledgment, got.Channel)
}

func TestThrottleHoldsSecondDeliveryUntilAck(t *testing.T) {
	f := newFixture(t)
	ext := f.connectExtension(t)

	f.bus.Publish(bus.ImageComputeTags, map[string]interface{}{"imageId": "i1"})
	f.bus.Publish(bus.ImageComputeTags, map[string]interface{}{"imageId": "i2"})

	first := ext.expectEnvelope(t)
	ext.expectNone(t, 50*time.Millisecond)

	ack(ext, t, f.extID, first.ContextID, nil)
	second := ext.expectEnvelope(t)
	assert.NotEqual(t, first.ContextID, second.ContextID)
	ack(ext, t, f.extID, second.ContextID, nil)
}

func TestLogRepublishedToMaster(t *testing.T) {
	f := newFixture(t)
	master := f.connectMaster(t)
	ext := f.connectExtension(t)

	ext.send(t, "notifications", models.NotificationPayload{
		ExtensionID: f.extID,
		Log:         &models.LogPayload{Log: "model loaded", Level: "info"},
	})

	env := master.expectEnvelope(t)
	assert.Equal(t, bus.ExtensionLog, env.Channel)
	value, ok := env.Value.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "model loaded", value["log"])
}

func TestDialogIntentRoundTrip(t *testing.T) {
	f := newFixture(t)
	master := f.connectMaster(t)
	ext := f.connectExtension(t)

	ext.send(t, "notifications", models.NotificationPayload{
		ExtensionID: f.extID,
		ContextID:   "intent-1",
		Intent: &models.Intent{
			Dialog: &models.DialogIntent{Title: "Retrain?", Buttons: []string{"Yes", "No"}},
		},
	})

	forwarded := master.expectEnvelope(t)
	assert.Equal(t, bus.ExtensionIntent, forwarded.Channel)

	master.send(t, "notifications", models.NotificationPayload{
		Ack: &models.Acknowledgment{ContextID: forwarded.ContextID, Success: true, Value: map[string]interface{}{"value": "Yes"}},
	})

	answer := ext.expectEnvelope(t)
	assert.Equal(t, bus.ExtensionIntent, answer.Channel)
	assert.Equal(t, "intent-1", answer.ContextID)
	var result models.IntentResult
	raw, _ := json.Marshal(answer.Value)
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Equal(t, "Yes", result.Value)
}

func TestInvalidIntentAnsweredWithoutForwarding(t *testing.T) {
	f := newFixture(t)
	master := f.connectMaster(t)
	ext := f.connectExtension(t)

	// Two members set: not a valid discriminated union.
	ext.send(t, "notifications", models.NotificationPayload{
		ExtensionID: f.extID,
		ContextID:   "intent-2",
		Intent: &models.Intent{
			Dialog: &models.DialogIntent{Title: "T", Buttons: []string{"Ok"}},
			Show:   &models.ShowIntent{Entity: "image", ID: "i1"},
		},
	})

	answer := ext.expectEnvelope(t)
	assert.Equal(t, "intent-2", answer.ContextID)
	var result models.IntentResult
	raw, _ := json.Marshal(answer.Value)
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.NotEmpty(t, result.Error)
	master.expectNone(t, 50*time.Millisecond)
}

func TestReservedAnchorRejected(t *testing.T) {
	f := newFixture(t)
	f.connectMaster(t)
	ext := f.connectExtension(t)

	ext.send(t, "notifications", models.NotificationPayload{
		ExtensionID: f.extID,
		ContextID:   "intent-3",
		Intent:      &models.Intent{UI: &models.UIIntent{Anchor: "imageDetail", URL: "./page.html"}},
	})

	answer := ext.expectEnvelope(t)
	var result models.IntentResult
	raw, _ := json.Marshal(answer.Value)
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Contains(t, result.Error, "reserved")
}

func TestParametersIntentRevalidatesMasterValue(t *testing.T) {
	f := newFixture(t)
	master := f.connectMaster(t)
	ext := f.connectExtension(t)

	ext.send(t, "notifications", models.NotificationPayload{
		ExtensionID: f.extID,
		ContextID:   "intent-4",
		Intent: &models.Intent{
			Parameters: map[string]interface{}{
				"type":       "object",
				"required":   []interface{}{"epochs"},
				"properties": map[string]interface{}{"epochs": map[string]interface{}{"type": "integer"}},
			},
		},
	})

	forwarded := master.expectEnvelope(t)
	// The master returns a value missing the required property.
	master.send(t, "notifications", models.NotificationPayload{
		Ack: &models.Acknowledgment{ContextID: forwarded.ContextID, Success: true, Value: map[string]interface{}{"value": map[string]interface{}{}}},
	})

	answer := ext.expectEnvelope(t)
	var result models.IntentResult
	raw, _ := json.Marshal(answer.Value)
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.NotEmpty(t, result.Error)
}

func TestDisconnectDuringRoutingKeepsBusAlive(t *testing.T) {
	f := newFixture(t)
	master := f.connectMaster(t)
	ext := f.connectExtension(t)

	// Flood deliveries racing the socket teardown; the router must
	// survive sends against a session that just unregistered.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			f.bus.PublishMarked(bus.ImageComputeTags, map[string]interface{}{"imageId": "x"}, f.extID)
		}
		close(done)
	}()
	ext.Close()
	<-done
	waitFor(t, func() bool { return !f.gw.Connected(f.extID) })

	// The dispatch goroutine is still routing afterwards.
	f.bus.Publish(bus.ExtensionInstalled, map[string]interface{}{"extensionId": "y"})
	env := master.expectEnvelope(t)
	assert.Equal(t, bus.ExtensionInstalled, env.Channel)
}

func TestDisconnectOfLongLivedExtensionEmitsProcessStopped(t *testing.T) {
	f := newFixture(t)
	ext := f.connectExtension(t)

	stopped := make(chan bus.Event, 1)
	off := f.bus.Subscribe(bus.ExtensionProcessStopped, func(e bus.Event) { stopped <- e })
	defer off()

	ext.send(t, "connection", models.ConnectionPayload{IsOpen: false})

	select {
	case e := <-stopped:
		value, ok := e.Value.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, f.extID, value["extensionId"])
	case <-time.After(2 * time.Second):
		t.Fatal("no extension.process.stopped")
	}
	waitFor(t, func() bool { return !f.gw.Connected(f.extID) })
}

func TestCloseRejectsPendingAcks(t *testing.T) {
	f := newFixture(t)
	ext := f.connectExtension(t)

	results := make(chan interface{}, 1)
	f.bus.PublishWith(bus.ImageComputeTags, map[string]interface{}{"imageId": "i1"}, bus.PublishOptions{
		Marker: f.extID,
		Result: func(v interface{}) { results <- v },
	})
	ext.expectEnvelope(t)

	f.gw.Close()

	select {
	case v := <-results:
		a, ok := v.(models.Acknowledgment)
		require.True(t, ok)
		assert.False(t, a.Success)
		assert.Contains(t, a.Error, "closed")
	case <-time.After(2 * time.Second):
		t.Fatal("pending acknowledgment was not rejected")
	}
}
