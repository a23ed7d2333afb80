//go:build !(linux && cgo)

package media

import (
	"log"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// buildPeerConnection creates a peer connection with the default codec set.
// Camera/mic capture via pion/mediadevices needs platform drivers (V4L2 and
// malgo on Linux); other platforms negotiate receive-only.
func buildPeerConnection(roomID string, cfg Config) (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, err
	}

	// Recvonly transceivers so CreateOffer/CreateAnswer still produce valid
	// m-lines with ICE credentials.
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("MEDIA [%s]: AddTransceiver(video) error: %v", roomID, err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("MEDIA [%s]: AddTransceiver(audio) error: %v", roomID, err)
	}

	log.Printf("MEDIA [%s]: peer connection ready (receive-only platform)", roomID)
	return pc, nil
}

// openCapture has no driver support off Linux.
func openCapture(roomID string, _ Config, _, _ bool) ([]webrtc.TrackLocal, func(), error) {
	log.Printf("MEDIA [%s]: no capture drivers on this platform", roomID)
	return nil, nil, ErrMediaUnavailable
}
