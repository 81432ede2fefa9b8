package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// NewEvent stamps an event with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}

// PayloadAs returns the event payload as T. The boolean is false when the
// payload has a different type.
func PayloadAs[T any](evt Event) (T, bool) {
	v, ok := evt.Payload.(T)
	return v, ok
}
