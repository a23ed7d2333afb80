// Package signalwire defines the signaling wire protocol shared by the
// orchestrator and the relay: destination/topic strings and the JSON payloads
// carried on them. Single source of truth — nothing else in the codebase
// spells out a signaling destination by hand.
package signalwire

import "strings"

// ── Signal kinds ──────────────────────────────────────────────────────────────
// Path segment identifying the payload carried on a signaling destination.
const (
	KindOffer        = "offer"
	KindAnswer       = "answer"
	KindICECandidate = "ice-candidate"
	KindHangup       = "hangup"
)

// ── Call types ────────────────────────────────────────────────────────────────
// Value of the "callType" field in an offer payload.
const (
	CallTypeVoice = "voice"
	CallTypeVideo = "video"
)

const (
	appPrefix  = "/app/signaling/"
	roomPrefix = "/room/"
)

// Per-kind broadcast topic suffixes under /room/{roomID}/.
const (
	offerSuffix  = "webrtc-offer"
	answerSuffix = "webrtc-answer"
	iceSuffix    = "ice-candidate"
	hangupSuffix = "call-end"
)

// ── Send destinations ─────────────────────────────────────────────────────────
// Clients publish outbound signals to /app/signaling/{kind}/{roomID}.

func OfferSendDest(roomID string) string  { return appPrefix + KindOffer + "/" + roomID }
func AnswerSendDest(roomID string) string { return appPrefix + KindAnswer + "/" + roomID }
func ICESendDest(roomID string) string    { return appPrefix + KindICECandidate + "/" + roomID }
func HangupSendDest(roomID string) string { return appPrefix + KindHangup + "/" + roomID }

// ── Broadcast topics ──────────────────────────────────────────────────────────
// The relay rebroadcasts each inbound signal to subscribers of the matching
// /room/{roomID}/... topic.

func OfferTopic(roomID string) string  { return roomPrefix + roomID + "/" + offerSuffix }
func AnswerTopic(roomID string) string { return roomPrefix + roomID + "/" + answerSuffix }
func ICETopic(roomID string) string    { return roomPrefix + roomID + "/" + iceSuffix }
func HangupTopic(roomID string) string { return roomPrefix + roomID + "/" + hangupSuffix }

// ParseSendDest splits a send destination into its signal kind and room ID.
// Returns ok=false for anything that is not /app/signaling/{kind}/{roomID}.
func ParseSendDest(dest string) (kind, roomID string, ok bool) {
	rest, found := strings.CutPrefix(dest, appPrefix)
	if !found {
		return "", "", false
	}
	kind, roomID, found = strings.Cut(rest, "/")
	if !found || roomID == "" || strings.Contains(roomID, "/") {
		return "", "", false
	}
	switch kind {
	case KindOffer, KindAnswer, KindICECandidate, KindHangup:
		return kind, roomID, true
	}
	return "", "", false
}

// ParseRoomTopic splits a broadcast topic into its room ID and signal kind.
// Returns ok=false for anything that is not a known /room/{roomID}/... topic.
func ParseRoomTopic(topic string) (roomID, kind string, ok bool) {
	rest, found := strings.CutPrefix(topic, roomPrefix)
	if !found {
		return "", "", false
	}
	roomID, suffix, found := strings.Cut(rest, "/")
	if !found || roomID == "" {
		return "", "", false
	}
	switch suffix {
	case offerSuffix:
		return roomID, KindOffer, true
	case answerSuffix:
		return roomID, KindAnswer, true
	case iceSuffix:
		return roomID, KindICECandidate, true
	case hangupSuffix:
		return roomID, KindHangup, true
	}
	return "", "", false
}

// BroadcastTopic maps a signal kind to the broadcast topic for roomID.
// The empty string is returned for unknown kinds.
func BroadcastTopic(kind, roomID string) string {
	switch kind {
	case KindOffer:
		return OfferTopic(roomID)
	case KindAnswer:
		return AnswerTopic(roomID)
	case KindICECandidate:
		return ICETopic(roomID)
	case KindHangup:
		return HangupTopic(roomID)
	}
	return ""
}

// RoomTopics lists every broadcast topic of a room, in the order the router
// subscribes to them.
func RoomTopics(roomID string) []string {
	return []string{
		OfferTopic(roomID),
		AnswerTopic(roomID),
		ICETopic(roomID),
		HangupTopic(roomID),
	}
}

// ── Payloads ──────────────────────────────────────────────────────────────────

// ICECandidateInit is the standard RTCIceCandidateInit shape (W3C WebRTC).
type ICECandidateInit struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

// OfferPayload carries the SDP offer from the caller to the callee.
type OfferPayload struct {
	SenderID string `json:"senderId"`
	SDPOffer string `json:"sdpOffer"`
	CallType string `json:"callType"` // CallTypeVoice | CallTypeVideo
}

// AnswerPayload carries the SDP answer from the callee back to the caller.
type AnswerPayload struct {
	SenderID  string `json:"senderId"`
	SDPAnswer string `json:"sdpAnswer"`
}

// ICEPayload carries one trickle ICE candidate between peers.
type ICEPayload struct {
	SenderID  string           `json:"senderId"`
	Candidate ICECandidateInit `json:"candidate"`
}

// HangupPayload ends the call from either side. Reason is a human-readable
// string for the remote UI ("hangup", "declined", "connection lost", ...).
type HangupPayload struct {
	SenderID string `json:"senderId"`
	Reason   string `json:"reason,omitempty"`
}
