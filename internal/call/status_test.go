package call

import (
	"errors"
	"testing"

	"github.com/matheus3301/swoon/internal/status"
)

func TestStatusTransitions(t *testing.T) {
	all := []Status{Ringing, Connecting, Connected, Ended, Declined}
	allowed := map[Status][]Status{
		Ringing:    {Connecting, Declined},
		Connecting: {Connected, Ended},
		Connected:  {Ended},
	}
	for _, from := range all {
		for _, to := range all {
			want := false
			for _, ok := range allowed[from] {
				if ok == to {
					want = true
				}
			}
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				m := newStatusMachine(nil)
				m.Reset(from)
				err := m.Transition(to)
				if want && err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if !want && !errors.Is(err, status.ErrInvalidTransition) {
					t.Fatalf("err = %v, want ErrInvalidTransition", err)
				}
			})
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []Status{Ended, Declined} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
		m := newStatusMachine(nil)
		m.Reset(s)
		if !m.Terminal() {
			t.Errorf("machine at %s should be terminal", s)
		}
	}
	if Ringing.Terminal() || Connecting.Terminal() || Connected.Terminal() {
		t.Error("live statuses reported terminal")
	}
}
