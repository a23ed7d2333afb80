package call

import (
	"github.com/pion/webrtc/v4"

	"github.com/terminalchat/callcore/internal/media"
)

// Media is the surface of media.Session the orchestrator drives. Tests
// substitute deterministic fakes so the full call flow runs without capture
// devices or a network stack.
type Media interface {
	OnLocalCandidate(func(webrtc.ICECandidateInit))
	OnRemoteTrack(func(kind webrtc.RTPCodecType))
	OnRestartNeeded(func())
	OnConnectionLost(func())

	CreateOffer() (string, error)
	CreateAnswer() (string, error)
	RestartICE() (string, error)
	SetRemoteOffer(sdp string) error
	SetRemoteAnswer(sdp string) error
	AddICECandidate(c webrtc.ICECandidateInit) error

	OpenMedia(wantAudio, wantVideo bool) error
	// SetTrackEnabled reports the new enabled state; ok is false when no
	// local track of the kind exists.
	SetTrackEnabled(kind webrtc.RTPCodecType, enabled bool) (bool, bool)
	SignalingState() webrtc.SignalingState
	HasRemoteTrack() bool
	Sample() media.QualitySample

	Close() error
}

// MediaFactory builds the media session for a room when a call starts.
type MediaFactory func(roomID string) (Media, error)

// PionMediaFactory returns the production factory backed by media.New.
func PionMediaFactory(cfg media.Config) MediaFactory {
	return func(roomID string) (Media, error) {
		return media.New(roomID, cfg)
	}
}
