package call

import "errors"

var (
	// ErrCallInProgress rejects a second start-call while a non-ended
	// session exists for the same conversation.
	ErrCallInProgress = errors.New("call: a call is already in progress for this conversation")

	// ErrSignalingNotReady refuses outbound signaling while the transport
	// has no live connection. The attempt is abandoned, never queued.
	ErrSignalingNotReady = errors.New("call: signaling transport not ready")

	// ErrNoSession is returned by commands addressed to a conversation with
	// no active call session.
	ErrNoSession = errors.New("call: no active session")

	// ErrRoomNotWatched is returned by StartCall for a room whose topics
	// were never bound.
	ErrRoomNotWatched = errors.New("call: room not watched")

	// ErrEnded is returned by commands posted to a session that already
	// reached its terminal state.
	ErrEnded = errors.New("call: session ended")

	// ErrNoLocalTrack is returned by the mute and camera toggles when the
	// session has no local track of the requested kind, such as toggling
	// video on a voice-only call.
	ErrNoLocalTrack = errors.New("call: no local track of that kind")
)
