// Package realtime multiplexes named logical channels over a realtime
// transport and keeps them connected across errors and auth changes.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ChannelStatus is reported by a transport channel to its Subscribe callback.
type ChannelStatus string

const (
	StatusSubscribing  ChannelStatus = "SUBSCRIBING"
	StatusSubscribed   ChannelStatus = "SUBSCRIBED"
	StatusTimedOut     ChannelStatus = "TIMED_OUT"
	StatusClosed       ChannelStatus = "CLOSED"
	StatusChannelError ChannelStatus = "CHANNEL_ERROR"
)

// ChannelState is the transport-level state of a channel object.
type ChannelState string

const (
	StateClosed  ChannelState = "closed"
	StateJoining ChannelState = "joining"
	StateJoined  ChannelState = "joined"
	StateErrored ChannelState = "errored"
	StateLeaving ChannelState = "leaving"
)

// ChangeFilter selects database change notifications. Event is INSERT,
// UPDATE, DELETE or "*". Filter has the form "column=eq.value" or is empty.
type ChangeFilter struct {
	Schema string
	Table  string
	Event  string
	Filter string
}

// Matches reports whether c passes the filter.
func (f ChangeFilter) Matches(c Change) bool {
	if f.Schema != "" && c.Schema != "" && f.Schema != c.Schema {
		return false
	}
	if f.Table != c.Table {
		return false
	}
	if f.Event != "" && f.Event != "*" && f.Event != c.Type {
		return false
	}
	if f.Filter == "" {
		return true
	}
	column, value, ok := parseEqFilter(f.Filter)
	if !ok {
		return false
	}
	row := c.Record
	if len(row) == 0 {
		row = c.OldRecord
	}
	v, present := row[column]
	return present && fmt.Sprint(v) == value
}

func parseEqFilter(filter string) (column, value string, ok bool) {
	column, rest, found := strings.Cut(filter, "=")
	if !found {
		return "", "", false
	}
	value, found = strings.CutPrefix(rest, "eq.")
	return column, value, found && column != ""
}

// Change is a database change notification.
type Change struct {
	Schema          string         `json:"schema"`
	Table           string         `json:"table"`
	Type            string         `json:"type"`
	Record          map[string]any `json:"record,omitempty"`
	OldRecord       map[string]any `json:"old_record,omitempty"`
	CommitTimestamp time.Time      `json:"commit_timestamp"`
}

// Broadcast is an ephemeral message sent to every other member of a channel.
type Broadcast struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Channel is one transport channel object. Handlers must be registered before
// Subscribe. Implementations never invoke a callback from inside one of these
// methods; status and messages are delivered on the transport's own
// goroutines, in order per channel.
type Channel interface {
	Topic() string
	State() ChannelState
	OnChange(filter ChangeFilter, fn func(Change))
	OnBroadcast(event string, fn func(Broadcast))
	Subscribe(fn func(ChannelStatus, error))
	Send(ctx context.Context, event string, payload any) error
	Unsubscribe() error
}

// Transport creates channel objects. A channel object is single-use: once it
// has errored or been removed a new one must be created for the same topic.
type Transport interface {
	Channel(topic string) Channel
	RemoveChannel(ch Channel) error
	SetAuth(token string)
}
