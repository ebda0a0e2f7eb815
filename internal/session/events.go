package session

import (
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventType discriminates the two observable callback channels.
type EventType string

const (
	// EventStatus is a status change: the playing flag or status key
	// moved.
	EventStatus EventType = "status"
	// EventMetadata is an in-band metadata change: the track title moved.
	EventMetadata EventType = "metadata"
)

// Event is one observable session change. Status events carry Playing and
// Status; metadata events carry TrackTitle. All events are published from
// the controller's run loop, so no subscriber ever sees two concurrently.
type Event struct {
	Type EventType `json:"type"`

	Playing bool      `json:"playing,omitempty"`
	Status  StatusKey `json:"status,omitempty"`

	// TrackTitle is nil when the stream cleared its title.
	TrackTitle *string `json:"track_title,omitempty"`

	At time.Time `json:"at"`
}

// Subscription is a handle on the session event feed. Cancel releases it;
// an unreleased subscription that stops draining its channel loses events
// rather than blocking the session.
type Subscription struct {
	// ID identifies the subscription, for log correlation.
	ID string
	// C delivers events until Cancel or controller shutdown closes it.
	C <-chan Event

	cancel func()
}

// Cancel detaches the subscription and closes its channel. Safe to call
// more than once, and a no-op on a hand-built subscription.
func (s *Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Subscribe attaches a new event subscriber. The returned channel is
// buffered; a subscriber that falls behind has events dropped, never
// queued without bound. After Close the returned channel is already
// closed.
func (c *Controller) Subscribe() *Subscription {
	id := ulid.Make().String()
	ch := make(chan Event, c.eventBuffer)

	c.subsMu.Lock()
	if c.subsClosed {
		close(ch)
	} else {
		c.subs[id] = ch
	}
	c.subsMu.Unlock()

	return &Subscription{
		ID:     id,
		C:      ch,
		cancel: func() { c.unsubscribe(id) },
	}
}

func (c *Controller) unsubscribe(id string) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if ch, ok := c.subs[id]; ok {
		delete(c.subs, id)
		close(ch)
	}
}

// publish fans an event out to every subscriber. Only the run loop calls
// this, which is what guarantees single-threaded delivery.
func (c *Controller) publish(ev Event) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for id, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.logger.Debug("session event dropped for slow subscriber",
				slog.String("subscription", id),
				slog.String("event", string(ev.Type)),
			)
		}
	}
}

// closeSubscribers closes every subscriber channel. Called once, after the
// run loop has exited and no further publish can happen.
func (c *Controller) closeSubscribers() {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.subsClosed = true
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
}
