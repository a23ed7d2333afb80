package call

// State is the lifecycle position of a call session. Idle is the absence of
// a session; Ended is terminal — a new call needs a new session.
type State int

const (
	StateIdle State = iota
	StateRingingOutgoing
	StateRingingIncoming
	StateInCall
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRingingOutgoing:
		return "ringing-outgoing"
	case StateRingingIncoming:
		return "ringing-incoming"
	case StateInCall:
		return "in-call"
	case StateEnded:
		return "ended"
	}
	return "unknown"
}

// Role says which side of the offer/answer exchange this session is on.
// The Caller emits the first offer.
type Role int

const (
	RoleCaller Role = iota
	RoleCallee
)

func (r Role) String() string {
	if r == RoleCaller {
		return "caller"
	}
	return "callee"
}

// event is a state machine input. Events arriving in a state with no
// matching transition are ignored and logged, never fatal — late or
// duplicate signaling must not re-trigger transitions.
type event int

const (
	evAnswerApplied event = iota // remote accepted our offer
	evAccept                     // local user accepts incoming ring
	evReject                     // local user declines incoming ring
	evHangup                     // local or remote hangup
	evConnectionLost             // media failed after the ICE restart attempt
)

func (e event) String() string {
	switch e {
	case evAnswerApplied:
		return "answer-applied"
	case evAccept:
		return "accept"
	case evReject:
		return "reject"
	case evHangup:
		return "hangup"
	case evConnectionLost:
		return "connection-lost"
	}
	return "unknown"
}

var transitions = map[State]map[event]State{
	StateRingingOutgoing: {
		evAnswerApplied:  StateInCall,
		evHangup:         StateEnded,
		evConnectionLost: StateEnded,
	},
	StateRingingIncoming: {
		evAccept:         StateInCall,
		evReject:         StateEnded,
		evHangup:         StateEnded,
		evConnectionLost: StateEnded,
	},
	StateInCall: {
		evHangup:         StateEnded,
		evConnectionLost: StateEnded,
	},
}

// next resolves a transition. ok=false means the event has no row for the
// current state and must be ignored.
func next(cur State, ev event) (State, bool) {
	to, ok := transitions[cur][ev]
	return to, ok
}
