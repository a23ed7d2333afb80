package media

import (
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

// peerConn is the slice of *webrtc.PeerConnection the session actually uses.
// Tests substitute a fake to pin down ordering and idempotency without a
// network stack; production always passes the real thing.
type peerConn interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState
	GetStats() webrtc.StatsReport
	WriteRTCP(pkts []rtcp.Packet) error
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	Close() error
}

var _ peerConn = (*webrtc.PeerConnection)(nil)
