package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/inkwell-pm/inkwell/internal/eventbus"
	"github.com/inkwell-pm/inkwell/internal/fault"
)

// handleSSE streams bus events as text/event-stream frames. The stream is a
// cache-invalidation channel: no replay, no delivery guarantee across
// reconnects. Duplicate entity:updated events for one id within the
// coalescing window collapse into a single frame.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.error(w, r, fault.Internal(errors.New("response writer does not support streaming")))
		return
	}

	topics, err := parseTopics(r.URL.Query().Get("topics"))
	if err != nil {
		s.error(w, r, err)
		return
	}

	sub := s.bus.Subscribe(topics...)
	defer sub.Unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()

	co := newCoalescer(s.coalesceWindow)
	defer co.stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if _, err := io.WriteString(w, ":ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-co.ready():
			if writeFrames(w, flusher, co.take()) != nil {
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if writeFrames(w, flusher, co.add(ev)) != nil {
				return
			}
		}
	}
}

func parseTopics(raw string) ([]eventbus.Topic, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	topics := make([]eventbus.Topic, 0, len(parts))
	for _, p := range parts {
		t := eventbus.Topic(strings.TrimSpace(p))
		if t == "" {
			continue
		}
		if !t.IsValid() {
			return nil, fault.Validation(fmt.Sprintf("unknown topic %q", t),
				fault.Issue{Path: "topics", Message: "unknown topic"})
		}
		topics = append(topics, t)
	}
	return topics, nil
}

func writeFrames(w io.Writer, flusher http.Flusher, events []eventbus.Event) error {
	if len(events) == 0 {
		return nil
	}
	for _, ev := range events {
		data, err := json.Marshal(ev.Payload)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Topic, data); err != nil {
			return err
		}
	}
	flusher.Flush()
	return nil
}

// coalescer folds duplicate entity:updated events per id inside one window.
// Other topics flush whatever is held first, so cross-topic order survives.
type coalescer struct {
	window time.Duration
	timer  *time.Timer
	armed  bool
	held   []eventbus.Event
	ids    map[string]bool
}

func newCoalescer(window time.Duration) *coalescer {
	t := time.NewTimer(window)
	if !t.Stop() {
		<-t.C
	}
	return &coalescer{window: window, timer: t, ids: make(map[string]bool)}
}

// ready fires when the window on the held events closes.
func (c *coalescer) ready() <-chan time.Time { return c.timer.C }

// add registers an event and returns whatever must be written now. An
// entity:updated event waits out the window; a duplicate of a held id is
// dropped.
func (c *coalescer) add(ev eventbus.Event) []eventbus.Event {
	id, ok := entityUpdatedID(ev)
	if !ok {
		return append(c.take(), ev)
	}
	if c.ids[id] {
		return nil
	}
	c.ids[id] = true
	c.held = append(c.held, ev)
	if !c.armed {
		c.timer.Reset(c.window)
		c.armed = true
	}
	return nil
}

// take hands back the held events in arrival order and resets the window.
func (c *coalescer) take() []eventbus.Event {
	c.disarm()
	out := c.held
	c.held = nil
	if len(c.ids) > 0 {
		c.ids = make(map[string]bool)
	}
	return out
}

func (c *coalescer) stop() { c.disarm() }

func (c *coalescer) disarm() {
	if !c.timer.Stop() {
		select {
		case <-c.timer.C:
		default:
		}
	}
	c.armed = false
}

// entityUpdatedID extracts the entity id from an entity:updated payload.
// Remote events injected by the bridge carry raw JSON.
func entityUpdatedID(ev eventbus.Event) (string, bool) {
	if ev.Topic != eventbus.TopicEntityUpdated {
		return "", false
	}
	switch p := ev.Payload.(type) {
	case eventbus.EntityUpdated:
		return p.ID, true
	case *eventbus.EntityUpdated:
		return p.ID, true
	case json.RawMessage:
		var u eventbus.EntityUpdated
		if err := json.Unmarshal(p, &u); err == nil && u.ID != "" {
			return u.ID, true
		}
	}
	return "", false
}
