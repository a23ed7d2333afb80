package media

import "errors"

var (
	// ErrInvalidState means a negotiation operation was called out of
	// sequence (e.g. CreateOffer while an offer is already outstanding).
	// The triggering message is dropped; the call continues.
	ErrInvalidState = errors.New("media: operation invalid in current signaling state")

	// ErrNegotiationMismatch means an answer arrived with no matching
	// outstanding offer — a stale or redelivered answer. Dropped.
	ErrNegotiationMismatch = errors.New("media: no outstanding offer matches this answer")

	// ErrMediaDenied means the platform refused camera/microphone access.
	// Fatal to the pending call.
	ErrMediaDenied = errors.New("media: capture device access denied")

	// ErrMediaUnavailable means no matching capture device exists on this
	// platform. Fatal to the pending call.
	ErrMediaUnavailable = errors.New("media: no matching capture device")

	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("media: session closed")
)
