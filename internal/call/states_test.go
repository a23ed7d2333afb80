package call

import "testing"

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		name string
		from State
		ev   event
		to   State
		ok   bool
	}{
		{"outgoing answered", StateRingingOutgoing, evAnswerApplied, StateInCall, true},
		{"outgoing hangup", StateRingingOutgoing, evHangup, StateEnded, true},
		{"outgoing lost", StateRingingOutgoing, evConnectionLost, StateEnded, true},
		{"incoming accepted", StateRingingIncoming, evAccept, StateInCall, true},
		{"incoming rejected", StateRingingIncoming, evReject, StateEnded, true},
		{"incoming remote hangup", StateRingingIncoming, evHangup, StateEnded, true},
		{"in-call hangup", StateInCall, evHangup, StateEnded, true},
		{"in-call lost", StateInCall, evConnectionLost, StateEnded, true},

		{"accept while outgoing", StateRingingOutgoing, evAccept, 0, false},
		{"accept while in-call", StateInCall, evAccept, 0, false},
		{"answer while in-call", StateInCall, evAnswerApplied, 0, false},
		{"answer while incoming", StateRingingIncoming, evAnswerApplied, 0, false},
		{"reject while in-call", StateInCall, evReject, 0, false},
		{"hangup after ended", StateEnded, evHangup, 0, false},
		{"accept after ended", StateEnded, evAccept, 0, false},
		{"anything from idle", StateIdle, evHangup, 0, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			to, ok := next(tc.from, tc.ev)
			if ok != tc.ok {
				t.Fatalf("next(%s, %s) ok = %v, want %v", tc.from, tc.ev, ok, tc.ok)
			}
			if ok && to != tc.to {
				t.Fatalf("next(%s, %s) = %s, want %s", tc.from, tc.ev, to, tc.to)
			}
		})
	}
}

func TestStateStrings(t *testing.T) {
	want := map[State]string{
		StateIdle:            "idle",
		StateRingingOutgoing: "ringing-outgoing",
		StateRingingIncoming: "ringing-incoming",
		StateInCall:          "in-call",
		StateEnded:           "ended",
	}
	for st, label := range want {
		if got := st.String(); got != label {
			t.Errorf("%d.String() = %q, want %q", st, got, label)
		}
	}
}
