package protocol

import "testing"

func TestTransitionAllowedEdges(t *testing.T) {
	cases := []struct {
		from, to Phase
	}{
		{PhaseDisconnected, PhaseConnecting},
		{PhaseConnecting, PhaseInitialSync},
		{PhaseConnecting, PhaseCatchup},
		{PhaseConnecting, PhaseLive},
		{PhaseInitialSync, PhaseCatchup},
		{PhaseCatchup, PhaseLive},
		{PhaseLive, PhaseDisconnected},
	}
	for _, c := range cases {
		if err := c.from.Transition(c.to); err != nil {
			t.Errorf("%s -> %s should be allowed: %v", c.from, c.to, err)
		}
	}
}

func TestTransitionRejectsIllegalEdges(t *testing.T) {
	cases := []struct {
		from, to Phase
	}{
		{PhaseDisconnected, PhaseLive},
		{PhaseInitialSync, PhaseLive},
		{PhaseLive, PhaseInitialSync},
		{PhaseCatchup, PhaseInitialSync},
		{PhaseDisconnected, PhaseDisconnected},
	}
	for _, c := range cases {
		if err := c.from.Transition(c.to); err == nil {
			t.Errorf("%s -> %s should be rejected", c.from, c.to)
		}
	}
}
