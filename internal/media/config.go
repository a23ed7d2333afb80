package media

import "github.com/pion/webrtc/v4"

// Config carries the media-layer knobs. Zero values are filled in by
// withDefaults, so a zero Config is usable in tests.
type Config struct {
	// ICEServers passed to the peer connection. Defaults to the public
	// Google STUN server when empty.
	ICEServers []webrtc.ICEServer

	// Target bitrate ceilings per track kind. Configured ceilings, not
	// hard guarantees.
	AudioMaxKbps int // default 128
	VideoMaxKbps int // default 2500

	// Capture resolution caps. Higher resolutions increase encoding
	// latency without improving a two-party call.
	MaxWidth  int // default 640
	MaxHeight int // default 480
}

func (c Config) withDefaults() Config {
	if len(c.ICEServers) == 0 {
		c.ICEServers = []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		}
	}
	if c.AudioMaxKbps <= 0 {
		c.AudioMaxKbps = 128
	}
	if c.VideoMaxKbps <= 0 {
		c.VideoMaxKbps = 2500
	}
	if c.MaxWidth <= 0 {
		c.MaxWidth = 640
	}
	if c.MaxHeight <= 0 {
		c.MaxHeight = 480
	}
	return c
}
