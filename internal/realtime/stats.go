package realtime

import (
	"sort"
	"time"
)

// ChannelStats describes one subscription.
type ChannelStats struct {
	ID         string        `json:"id"`
	Phase      Phase         `json:"phase"`
	State      ChannelState  `json:"state"`
	Listeners  int           `json:"listeners"`
	IdleFor    time.Duration `json:"idle_for"`
	Generation uint64        `json:"generation"`
}

// Stats is a diagnostic snapshot of the manager.
type Stats struct {
	TotalChannels     int            `json:"total_channels"`
	ConnectedChannels int            `json:"connected_channels"`
	TotalListeners    int            `json:"total_listeners"`
	Connected         bool           `json:"connected"`
	Connecting        bool           `json:"connecting"`
	ReconnectAttempts int            `json:"reconnect_attempts"`
	LastError         string         `json:"last_error,omitempty"`
	Channels          []ChannelStats `json:"channels"`
}

// GetConnectionStats returns counts, per-channel state and idle times,
// sorted by channel id.
func (m *Manager) GetConnectionStats() Stats {
	now := m.clock.Now()

	m.mu.Lock()
	st := Stats{
		TotalChannels:     len(m.subs),
		Connected:         m.state.Connected,
		Connecting:        m.state.Connecting,
		ReconnectAttempts: m.state.ReconnectAttempts,
	}
	if m.state.LastError != nil {
		st.LastError = m.state.LastError.Error()
	}
	chans := make([]Channel, 0, len(m.subs))
	for _, sub := range m.subs {
		cs := ChannelStats{
			ID:         sub.id,
			Phase:      sub.phase.Current(),
			State:      StateClosed,
			Listeners:  len(sub.listeners),
			IdleFor:    now.Sub(sub.lastActivity),
			Generation: sub.generation,
		}
		st.TotalListeners += cs.Listeners
		if cs.Phase == PhaseSubscribed {
			st.ConnectedChannels++
		}
		st.Channels = append(st.Channels, cs)
		chans = append(chans, sub.channel)
	}
	m.mu.Unlock()

	for i, ch := range chans {
		if ch != nil {
			st.Channels[i].State = ch.State()
		}
	}
	sort.Slice(st.Channels, func(i, j int) bool { return st.Channels[i].ID < st.Channels[j].ID })
	return st
}
