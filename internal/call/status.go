package call

import "github.com/matheus3301/swoon/internal/status"

// Status is the lifecycle state of a call.
type Status string

const (
	Ringing    Status = "ringing"
	Connecting Status = "connecting"
	Connected  Status = "connected"
	Ended      Status = "ended"
	Declined   Status = "declined"
)

// Transitions is the legal status graph. Ended and Declined are terminal.
var Transitions = status.Transitions[Status]{
	Ringing:    {Connecting, Declined},
	Connecting: {Connected, Ended},
	Connected:  {Ended},
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool { return s == Ended || s == Declined }

func newStatusMachine(onChange func(status.Change[Status])) *status.Machine[Status] {
	return status.NewMachine(Ringing, Transitions, onChange)
}
