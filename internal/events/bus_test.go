package events

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jkaninda/sanduku/internal/dispatch"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("channel closed before event arrived")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus(4, discardLogger())
	defer bus.Close()

	a, cancelA := bus.Subscribe()
	defer cancelA()
	b, cancelB := bus.Subscribe()
	defer cancelB()

	if got := bus.SubscriberCount(); got != 2 {
		t.Fatalf("SubscriberCount = %d, want 2", got)
	}

	ev := New(TypeVMStateChanged, "web", map[string]any{"state": "running"})
	bus.Publish(ev)

	for _, ch := range []<-chan Event{a, b} {
		got := recv(t, ch)
		if got.ID != ev.ID {
			t.Errorf("event ID = %q, want %q", got.ID, ev.ID)
		}
		if got.Type != TypeVMStateChanged || got.Resource != "web" {
			t.Errorf("event = %+v, want type %q resource web", got, TypeVMStateChanged)
		}
	}
}

func TestBusSlowSubscriberDropsEvents(t *testing.T) {
	bus := NewBus(2, discardLogger())
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	defer cancel()

	for i := 0; i < 5; i++ {
		bus.Publish(New(TypeOperation, "vm-0", map[string]any{"seq": i}))
	}

	if got := bus.Dropped(); got != 3 {
		t.Fatalf("Dropped = %d, want 3", got)
	}

	// The queue holds the oldest events, not the newest.
	for want := 0; want < 2; want++ {
		ev := recv(t, ch)
		if got := ev.Data["seq"]; got != want {
			t.Errorf("seq = %v, want %d", got, want)
		}
	}
}

func TestBusCancelRemovesSubscriber(t *testing.T) {
	bus := NewBus(0, discardLogger())
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	cancel()
	cancel() // idempotent

	if _, ok := <-ch; ok {
		t.Error("channel still open after cancel")
	}
	if got := bus.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount = %d, want 0", got)
	}

	// Publishing to an empty bus must not panic or block.
	bus.Publish(New(TypeOperation, "", nil))
}

func TestBusCloseClosesSubscribers(t *testing.T) {
	bus := NewBus(0, discardLogger())
	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Close()
	bus.Close() // idempotent

	if _, ok := <-ch; ok {
		t.Error("channel still open after bus close")
	}

	bus.Publish(New(TypeOperation, "", nil))

	late, lateCancel := bus.Subscribe()
	defer lateCancel()
	if _, ok := <-late; ok {
		t.Error("subscription after close returned an open channel")
	}
}

func TestOperationPublisherBridgesDispatch(t *testing.T) {
	bus := NewBus(4, discardLogger())
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	defer cancel()

	op := dispatch.Operation{
		ID:       "op-123",
		Domain:   "vm",
		Action:   "start",
		Resource: "web",
		Outcome:  dispatch.OutcomeToolFailure,
		Error:    "VBOX_E_OBJECT_NOT_FOUND",
		Duration: 1500 * time.Millisecond,
	}
	OperationPublisher{Bus: bus}.PublishOperation(op)

	ev := recv(t, ch)
	if ev.ID != op.ID {
		t.Errorf("event ID = %q, want the operation id %q", ev.ID, op.ID)
	}
	if ev.Type != TypeOperation || ev.Resource != "web" {
		t.Errorf("event = %+v, want type %q resource web", ev, TypeOperation)
	}
	if ev.Data["domain"] != "vm" || ev.Data["action"] != "start" {
		t.Errorf("data = %v, want domain/action carried over", ev.Data)
	}
	if ev.Data["outcome"] != string(dispatch.OutcomeToolFailure) {
		t.Errorf("outcome = %v, want %q", ev.Data["outcome"], dispatch.OutcomeToolFailure)
	}
	if ev.Data["duration_ms"] != int64(1500) {
		t.Errorf("duration_ms = %v, want 1500", ev.Data["duration_ms"])
	}
	if ev.Data["error"] != op.Error {
		t.Errorf("error = %v, want %q", ev.Data["error"], op.Error)
	}
}

func TestOperationPublisherOmitsEmptyError(t *testing.T) {
	bus := NewBus(4, discardLogger())
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	defer cancel()

	OperationPublisher{Bus: bus}.PublishOperation(dispatch.Operation{
		ID:      "op-ok",
		Domain:  "vm",
		Action:  "list",
		Outcome: dispatch.OutcomeOK,
	})

	ev := recv(t, ch)
	if _, present := ev.Data["error"]; present {
		t.Errorf("data = %v, successful operations must not carry an error field", ev.Data)
	}
}
