package httpapi

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/sanduku/internal/events"
)

const (
	ssePingInterval = 25 * time.Second

	// The server's write deadline caps any response at 60 seconds, so
	// each stream ends cleanly before it and clients resume through the
	// EventSource auto-reconnect.
	sseStreamWindow = 55 * time.Second
)

func (a *API) registerEventRoutes() {
	a.group.Get("/events/stream", a.handleEventStream,
		okapi.DocSummary("Stream live events via SSE (operations, state changes, monitor snapshots)"),
		okapi.DocTags("Events"),
		okapi.DocResponse(events.Event{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
}

// handleEventStream forwards bus events as server-sent events until the
// client disconnects or the stream window closes. The optional types
// query parameter is a comma separated list of event types to keep.
func (a *API) handleEventStream(c *okapi.Context) error {
	if a.bus == nil {
		return c.AbortServiceUnavailable("event stream not configured")
	}
	if !a.allow(c) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	filter := sseTypeFilter(c)
	ch, cancel := a.bus.Subscribe()
	defer cancel()

	a.logger.Debug("sse client connected",
		slog.String("caller", a.caller(c)),
		slog.Int("subscribers", a.bus.SubscriberCount()),
	)

	// Open the stream right away so the client sees headers before the
	// first bus event arrives.
	c.SSEvent("connected", events.New("connected", "", nil))

	ping := time.NewTicker(ssePingInterval)
	defer ping.Stop()
	window := time.NewTimer(sseStreamWindow)
	defer window.Stop()

	ctx := c.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-window.C:
			c.SSEvent("end", events.New("end", "", nil))
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if filter != nil && !filter[ev.Type] {
				continue
			}
			c.SSEvent(ev.Type, ev)
		case <-ping.C:
			c.SSEvent("ping", events.New("ping", "", nil))
		}
	}
}

func sseTypeFilter(c *okapi.Context) map[string]bool {
	raw := c.Request().URL.Query().Get("types")
	if raw == "" {
		return nil
	}
	filter := make(map[string]bool)
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			filter[t] = true
		}
	}
	return filter
}
