package bib

import (
	"testing"

	"github.com/nat64io/nat64d/pkg/nat64"
	"github.com/nat64io/nat64d/pkg/packet"
)

func TestTransition(t *testing.T) {
	fin := packet.TCPFlags{FIN: true}
	rst := packet.TCPFlags{RST: true}
	ack := packet.TCPFlags{}

	cases := []struct {
		name      string
		state     nat64.TCPState
		dir       nat64.Direction
		flags     packet.TCPFlags
		wantState nat64.TCPState
		wantFate  Fate
	}{
		{"v6init v4 syn", nat64.V6Init, nat64.Dir4To6, syn, nat64.Established, FateTimerEst},
		{"v6init v6 syn retransmit", nat64.V6Init, nat64.Dir6To4, syn, nat64.V6Init, FateTimerTrans},
		{"v6init stray ack", nat64.V6Init, nat64.Dir4To6, ack, nat64.V6Init, FatePreserve},

		{"v4init v6 syn", nat64.V4Init, nat64.Dir6To4, syn, nat64.Established, FateTimerEst},
		{"v4init v4 syn retransmit", nat64.V4Init, nat64.Dir4To6, syn, nat64.V4Init, FatePreserve},

		{"est v4 fin", nat64.Established, nat64.Dir4To6, fin, nat64.V4FinRcv, FateTimerEst},
		{"est v6 fin", nat64.Established, nat64.Dir6To4, fin, nat64.V6FinRcv, FateTimerEst},
		{"est rst", nat64.Established, nat64.Dir6To4, rst, nat64.Trans, FateTimerTrans},
		{"est data", nat64.Established, nat64.Dir4To6, ack, nat64.Established, FateTimerEst},

		{"v4finrcv v6 fin", nat64.V4FinRcv, nat64.Dir6To4, fin, nat64.V4FinV6FinRcv, FateTimerTrans},
		{"v4finrcv data", nat64.V4FinRcv, nat64.Dir4To6, ack, nat64.V4FinRcv, FateTimerEst},
		{"v6finrcv v4 fin", nat64.V6FinRcv, nat64.Dir4To6, fin, nat64.V4FinV6FinRcv, FateTimerTrans},
		{"v6finrcv data", nat64.V6FinRcv, nat64.Dir6To4, ack, nat64.V6FinRcv, FateTimerEst},

		{"bothfin anything", nat64.V4FinV6FinRcv, nat64.Dir6To4, ack, nat64.V4FinV6FinRcv, FatePreserve},

		{"trans data revives", nat64.Trans, nat64.Dir4To6, ack, nat64.Established, FateTimerEst},
		{"trans rst stays", nat64.Trans, nat64.Dir6To4, rst, nat64.Trans, FatePreserve},
	}

	for _, tc := range cases {
		gotState, gotFate := Transition(tc.state, tc.dir, tc.flags)
		if gotState != tc.wantState || gotFate != tc.wantFate {
			t.Errorf("%s: Transition(%v, %v) = (%v, %v), want (%v, %v)",
				tc.name, tc.state, tc.flags, gotState, gotFate, tc.wantState, tc.wantFate)
		}
	}
}

// Completing a Simultaneous Open discards the session's held packet.
func TestStateMachineClearsStored(t *testing.T) {
	cb := tcpStateMachine(nat64.Dir6To4, syn)
	se := &nat64.SessionEntry{State: nat64.V4Init, HasStored: true}
	fate := cb(se)
	if se.State != nat64.Established || fate != FateTimerEst {
		t.Fatalf("V4_INIT + v6 SYN = (%v, %v)", se.State, fate)
	}
	if se.HasStored {
		t.Fatalf("stored packet not released on SO completion")
	}
}
