//go:build linux && cgo

package media

import (
	"fmt"
	"log"
	"strings"

	"github.com/pion/mediadevices"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// compressedAudio feeds the compressor output back into mediadevices as a
// fresh audio source, so the encoder sees leveled samples.
type compressedAudio struct {
	audio.Reader
	id    string
	inner mediadevices.Track
}

func (c *compressedAudio) ID() string   { return c.id }
func (c *compressedAudio) Close() error { return c.inner.Close() }

// openCapture acquires the requested local devices via pion/mediadevices
// (V4L2 + malgo on Linux) and returns tracks ready for AddTrack.
//
// GetUserMedia fails as a unit if either requested track can't be opened, so
// when both kinds are wanted the attempts degrade: video+audio, video-only,
// audio-only. Only total failure is an error.
func openCapture(roomID string, cfg Config, wantAudio, wantVideo bool) ([]webrtc.TrackLocal, func(), error) {
	selector, err := newCodecSelector(cfg)
	if err != nil {
		return nil, nil, err
	}

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Printf("MEDIA [%s]: no media devices found", roomID)
		return nil, nil, fmt.Errorf("%w: no devices", ErrMediaUnavailable)
	}
	for _, d := range devices {
		log.Printf("MEDIA [%s]: media device — kind=%v label=%q", roomID, d.Kind, d.Label)
	}

	type attempt struct {
		video bool
		audio bool
		label string
	}
	var attempts []attempt
	if wantVideo && wantAudio {
		attempts = []attempt{
			{true, true, "video+audio"},
			{true, false, "video-only"},
			{false, true, "audio-only"},
		}
	} else if wantVideo {
		attempts = []attempt{{true, false, "video-only"}}
	} else {
		attempts = []attempt{{false, true, "audio-only"}}
	}

	var lastErr error
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: selector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG — some cameras expose an MJPEG V4L2 node that
				// produces malformed JPEG frames, which poisons the VP8
				// encoder. Raw formats only.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: cfg.MaxWidth}
				c.Height = prop.IntRanged{Max: cfg.MaxHeight}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			lastErr = err
			log.Printf("MEDIA [%s]: GetUserMedia (%s) failed: %v", roomID, a.label, err)
			continue
		}

		captured := stream.GetTracks()
		var out []webrtc.TrackLocal
		for _, track := range captured {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Printf("MEDIA [%s]: local track ended: %v", roomID, err)
				}
			})
			if track.Kind() == webrtc.RTPCodecTypeAudio {
				out = append(out, compressTrack(track, selector))
				continue
			}
			out = append(out, track)
		}

		log.Printf("MEDIA [%s]: local media captured (%s) — %d tracks", roomID, a.label, len(out))
		closeFn := func() {
			for _, t := range captured {
				t.Close()
			}
		}
		return out, closeFn, nil
	}

	if lastErr != nil && isDenied(lastErr) {
		return nil, nil, fmt.Errorf("%w: %v", ErrMediaDenied, lastErr)
	}
	return nil, nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, lastErr)
}

// compressTrack re-wraps a captured audio track so its samples run through
// the dynamic range compressor before encoding. The raw reader taps the
// track's broadcaster, leaving the original capture pipeline intact.
func compressTrack(track mediadevices.Track, selector *mediadevices.CodecSelector) mediadevices.Track {
	at, ok := track.(*mediadevices.AudioTrack)
	if !ok {
		return track
	}
	src := &compressedAudio{
		Reader: NewCompressor(48000).Reader(at.NewReader(false)),
		id:     track.ID(),
		inner:  track,
	}
	return mediadevices.NewAudioTrack(src, selector)
}

func isDenied(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "denied") ||
		strings.Contains(msg, "permission") ||
		strings.Contains(msg, "not permitted")
}
