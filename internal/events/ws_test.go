package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func newTestStream(t *testing.T, token string) (*Bus, string) {
	t.Helper()
	bus := NewBus(8, discardLogger())
	t.Cleanup(bus.Close)

	srv := NewServer(bus, token, discardLogger())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return bus, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dialStream(t *testing.T, url string, opts *websocket.DialOptions) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if opts == nil {
		opts = &websocket.DialOptions{}
	}
	opts.Subprotocols = []string{Subprotocol}
	conn, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		t.Fatalf("Dial(%q) error: %v", url, err)
	}
	t.Cleanup(func() {
		conn.Close(websocket.StatusNormalClosure, "test done")
	})
	return conn
}

// waitForSubscriber blocks until the server side has attached the
// connection to the bus, so published events are not lost to the
// upgrade race.
func waitForSubscriber(t *testing.T, bus *Bus, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if bus.SubscriberCount() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("subscriber count never reached %d", want)
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	kind, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read error: %v", err)
	}
	if kind != websocket.MessageText {
		t.Fatalf("message type = %v, want text", kind)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("Unmarshal(%q) error: %v", data, err)
	}
	return ev
}

func TestStreamDeliversPublishedEvents(t *testing.T) {
	bus, url := newTestStream(t, "")
	conn := dialStream(t, url, nil)
	waitForSubscriber(t, bus, 1)

	sent := New(TypeVMStateChanged, "web", map[string]any{"state": "running"})
	bus.Publish(sent)

	got := readEvent(t, conn)
	if got.ID != sent.ID || got.Type != TypeVMStateChanged || got.Resource != "web" {
		t.Errorf("event = %+v, want id %q type %q resource web", got, sent.ID, TypeVMStateChanged)
	}
	if got.Data["state"] != "running" {
		t.Errorf("data = %v, want state=running", got.Data)
	}
}

func TestStreamRejectsBadToken(t *testing.T) {
	_, url := newTestStream(t, "secret")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, url+"?token=wrong", &websocket.DialOptions{})
	if err == nil {
		conn.Close(websocket.StatusNormalClosure, "")
		t.Fatal("Dial succeeded with a wrong token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %+v, want status 401", resp)
	}
}

func TestStreamAcceptsQueryToken(t *testing.T) {
	bus, url := newTestStream(t, "secret")
	dialStream(t, url+"?token=secret", nil)
	waitForSubscriber(t, bus, 1)
}

func TestStreamAcceptsBearerToken(t *testing.T) {
	bus, url := newTestStream(t, "secret")
	header := http.Header{}
	header.Set("Authorization", "Bearer secret")
	dialStream(t, url, &websocket.DialOptions{HTTPHeader: header})
	waitForSubscriber(t, bus, 1)
}

func TestStreamFiltersEventTypes(t *testing.T) {
	bus, url := newTestStream(t, "")
	conn := dialStream(t, url+"?types="+TypeVMStateChanged, nil)
	waitForSubscriber(t, bus, 1)

	bus.Publish(New(TypeOperation, "web", nil))
	wanted := New(TypeVMStateChanged, "web", map[string]any{"state": "paused"})
	bus.Publish(wanted)

	got := readEvent(t, conn)
	if got.ID != wanted.ID {
		t.Errorf("first delivered event = %+v, want only %q events", got, TypeVMStateChanged)
	}
}

func TestStreamDetachesOnClientClose(t *testing.T) {
	bus, url := newTestStream(t, "")
	conn := dialStream(t, url, nil)
	waitForSubscriber(t, bus, 1)

	conn.Close(websocket.StatusNormalClosure, "done")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if bus.SubscriberCount() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("server never unsubscribed the closed client")
}
