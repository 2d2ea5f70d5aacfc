package bus_test

import (
	"sync"
	"testing"
	"time"

	"github.com/picteus/picteus/internal/bus"
)

// wait polls until check passes or the deadline expires.
func wait(t *testing.T, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached within deadline")
}

func TestSubscribePublish(t *testing.T) {
	b := bus.New()
	defer b.Close()

	var mu sync.Mutex
	var got []interface{}
	b.Subscribe(bus.ImageCreated, func(e bus.Event) {
		mu.Lock()
		got = append(got, e.Value)
		mu.Unlock()
	})

	b.Publish(bus.ImageCreated, "a")
	b.Publish(bus.ImageCreated, "b")
	b.Publish(bus.ImageCreated, "c")

	wait(t, func() bool { mu.Lock(); defer mu.Unlock(); return len(got) == 3 })
	mu.Lock()
	defer mu.Unlock()
	for i, want := range []string{"a", "b", "c"} {
		if got[i] != want {
			t.Errorf("delivery order got[%d] = %v, want %q", i, got[i], want)
		}
	}
}

func TestExactNameOnly(t *testing.T) {
	b := bus.New()
	defer b.Close()

	var mu sync.Mutex
	count := 0
	b.Subscribe(bus.ImageCreated, func(bus.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	b.Publish(bus.ImageUpdated, nil)
	b.Publish(bus.ImageCreated, nil)
	wait(t, func() bool { mu.Lock(); defer mu.Unlock(); return count == 1 })

	// Give the updated event a chance to be (wrongly) delivered.
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("subscriber received %d events, want 1", count)
	}
}

func TestOffStopsDelivery(t *testing.T) {
	b := bus.New()
	defer b.Close()

	var mu sync.Mutex
	count := 0
	off := b.Subscribe(bus.ExtensionInstalled, func(bus.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	b.Publish(bus.ExtensionInstalled, nil)
	wait(t, func() bool { mu.Lock(); defer mu.Unlock(); return count == 1 })

	off()
	b.Publish(bus.ExtensionInstalled, nil)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("received %d events after off(), want 1", count)
	}
}

func TestMarkerPassesThrough(t *testing.T) {
	b := bus.New()
	defer b.Close()

	markerCh := make(chan string, 1)
	b.Subscribe(bus.ImageRunCommand, func(e bus.Event) {
		markerCh <- e.Marker
	})

	b.PublishMarked(bus.ImageRunCommand, nil, "ext.one")

	select {
	case m := <-markerCh:
		if m != "ext.one" {
			t.Errorf("marker = %q, want %q", m, "ext.one")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
	}
}

func TestResultSinkRoundTrip(t *testing.T) {
	b := bus.New()
	defer b.Close()

	// Callee: answers every computeTags request.
	b.Subscribe(bus.ImageComputeTags, func(e bus.Event) {
		if e.CallbackID == "" {
			t.Error("expected a callback id on the request")
		}
		b.Respond(e, []string{"sunset", "beach"})
	})

	resultCh := make(chan interface{}, 1)
	b.PublishWith(bus.ImageComputeTags, map[string]string{"imageId": "img-1"}, bus.PublishOptions{
		Result: func(v interface{}) { resultCh <- v },
	})

	select {
	case v := <-resultCh:
		tags, ok := v.([]string)
		if !ok || len(tags) != 2 {
			t.Errorf("result = %#v, want two tags", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("result sink never resolved")
	}
}

func TestResultSinkSingleUse(t *testing.T) {
	b := bus.New()
	defer b.Close()

	b.Subscribe(bus.TextComputeEmbeddings, func(e bus.Event) {
		// Answer twice; only the first response may land.
		b.Respond(e, 1)
		b.Respond(e, 2)
	})

	resultCh := make(chan interface{}, 4)
	b.PublishWith(bus.TextComputeEmbeddings, nil, bus.PublishOptions{
		Result: func(v interface{}) { resultCh <- v },
	})

	select {
	case v := <-resultCh:
		if v != 1 {
			t.Errorf("first result = %v, want 1", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no result")
	}
	select {
	case v := <-resultCh:
		t.Errorf("second response delivered (%v), want single use", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClientCloseUnsubscribesAll(t *testing.T) {
	b := bus.New()
	defer b.Close()

	c := b.NewClient()
	var mu sync.Mutex
	count := 0
	c.Subscribe(bus.ImageCreated, func(bus.Event) { mu.Lock(); count++; mu.Unlock() })
	c.Subscribe(bus.ImageDeleted, func(bus.Event) { mu.Lock(); count++; mu.Unlock() })

	c.Close()
	b.Publish(bus.ImageCreated, nil)
	b.Publish(bus.ImageDeleted, nil)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Errorf("closed client received %d events, want 0", count)
	}
}

func TestUnknownNameDropped(t *testing.T) {
	b := bus.New()
	defer b.Close()

	// Publishing an out-of-enum name must not reach anyone.
	var mu sync.Mutex
	count := 0
	b.Subscribe(bus.ImageCreated, func(bus.Event) { mu.Lock(); count++; mu.Unlock() })
	b.Publish("image.exploded", nil)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Errorf("received %d events for an invalid name, want 0", count)
	}
}

func TestValid(t *testing.T) {
	cases := []struct {
		name string
		want bool
	}{
		{bus.ProcessStarted, true},
		{bus.ExtensionProcessStopped, true},
		{bus.TextComputeEmbeddings, true},
		{"image.exploded", false},
		{"image", false},
		{"return|abc", true},
		{"return|", false},
	}
	for _, tc := range cases {
		if got := bus.Valid(tc.name); got != tc.want {
			t.Errorf("Valid(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}
