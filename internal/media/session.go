// Package media manages one WebRTC peer connection per call: the
// offer/answer/candidate negotiation primitives, local capture, and passive
// quality telemetry. It is deliberately standalone — it imports only Pion
// libraries and stdlib; coupling to the call orchestrator is via callbacks.
package media

import (
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Session wraps one peer connection. All negotiation methods are safe for
// concurrent use, but callers are expected to serialize offer/answer work
// per room — SDP exchange is a strict alternation protocol.
type Session struct {
	roomID string
	cfg    Config
	pc     peerConn

	mu            sync.Mutex
	pendingRemote []webrtc.ICECandidateInit // FIFO, only while remote description unset
	remoteSet     bool
	closed        bool
	restartTried  bool
	localTracks   []*localTrack
	closeCapture  func()

	inbound *rtpAccounting
	stats   *statsCollector

	// Callbacks. Set before negotiation starts; not guarded afterwards.
	onLocalCandidate func(webrtc.ICECandidateInit)
	onRemoteTrack    func(kind webrtc.RTPCodecType)
	onRestartNeeded  func()
	onConnectionLost func()

	done chan struct{}
}

type localTrack struct {
	kind    webrtc.RTPCodecType
	track   webrtc.TrackLocal
	sender  *webrtc.RTPSender
	enabled bool
}

// New creates a Session with a freshly built peer connection for roomID.
func New(roomID string, cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()
	pc, err := buildPeerConnection(roomID, cfg)
	if err != nil {
		return nil, fmt.Errorf("media: build peer connection for %s: %w", roomID, err)
	}
	s := newWith(roomID, cfg, pc)
	return s, nil
}

// newWith wires a Session around an existing peer connection.
// Split out so tests can pass a fake.
func newWith(roomID string, cfg Config, pc peerConn) *Session {
	s := &Session{
		roomID:  roomID,
		cfg:     cfg,
		pc:      pc,
		inbound: newRTPAccounting(),
		done:    make(chan struct{}),
	}
	s.stats = newStatsCollector(s.inbound)

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // end-of-candidates marker
		}
		if s.onLocalCandidate != nil {
			s.onLocalCandidate(c.ToJSON())
		}
	})
	pc.OnTrack(s.handleRemoteTrack)
	pc.OnConnectionStateChange(s.handleConnectionState)
	return s
}

// OnLocalCandidate registers the sink for trickle ICE candidates gathered
// locally. Must be set before CreateOffer/CreateAnswer.
func (s *Session) OnLocalCandidate(f func(webrtc.ICECandidateInit)) { s.onLocalCandidate = f }

// OnRemoteTrack registers a callback fired once per inbound media track.
func (s *Session) OnRemoteTrack(f func(kind webrtc.RTPCodecType)) { s.onRemoteTrack = f }

// OnRestartNeeded registers the callback fired when the connection fails and
// one ICE restart should be attempted (the owner drives the renegotiation so
// the restart offer travels the normal signaling path).
func (s *Session) OnRestartNeeded(f func()) { s.onRestartNeeded = f }

// OnConnectionLost registers the callback fired when the connection fails
// after the ICE restart attempt was already spent. Terminal for the call.
func (s *Session) OnConnectionLost(f func()) { s.onConnectionLost = f }

// CreateOffer generates a local offer and applies it as the local
// description. Only valid while no negotiation is outstanding.
func (s *Session) CreateOffer() (string, error) {
	return s.offer(nil)
}

// RestartICE produces an ICE-restart offer. Used once per session after a
// connection failure; travels the same signaling path as a normal offer.
func (s *Session) RestartICE() (string, error) {
	return s.offer(&webrtc.OfferOptions{ICERestart: true})
}

func (s *Session) offer(opts *webrtc.OfferOptions) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	s.mu.Unlock()

	restart := opts != nil && opts.ICERestart
	if !restart && s.pc.SignalingState() != webrtc.SignalingStateStable {
		return "", fmt.Errorf("%w: create offer in %s", ErrInvalidState, s.pc.SignalingState())
	}

	offer, err := s.pc.CreateOffer(opts)
	if err != nil {
		return "", fmt.Errorf("media: create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("media: set local offer: %w", err)
	}
	return offer.SDP, nil
}

// CreateAnswer generates a local answer and applies it as the local
// description. Only valid directly after a remote offer was applied.
func (s *Session) CreateAnswer() (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	s.mu.Unlock()

	if s.pc.SignalingState() != webrtc.SignalingStateHaveRemoteOffer {
		return "", fmt.Errorf("%w: create answer in %s", ErrInvalidState, s.pc.SignalingState())
	}

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("media: create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("media: set local answer: %w", err)
	}
	return answer.SDP, nil
}

// SetRemoteOffer applies a remote offer, then drains any ICE candidates that
// arrived early, in their exact arrival order.
func (s *Session) SetRemoteOffer(sdp string) error {
	return s.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp})
}

// SetRemoteAnswer applies a remote answer. Rejected with
// ErrNegotiationMismatch unless a local offer is outstanding — this guards
// against a stale or redelivered answer being re-applied.
func (s *Session) SetRemoteAnswer(sdp string) error {
	if s.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return fmt.Errorf("%w: answer in %s", ErrNegotiationMismatch, s.pc.SignalingState())
	}
	return s.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

func (s *Session) setRemote(desc webrtc.SessionDescription) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("media: set remote %s: %w", desc.Type, err)
	}

	// Drain the candidate queue exactly once, FIFO. Candidates queued while
	// the drain runs are applied directly — remoteSet flips under the lock
	// before the queue is released.
	s.mu.Lock()
	queued := s.pendingRemote
	s.pendingRemote = nil
	s.remoteSet = true
	s.mu.Unlock()

	for _, c := range queued {
		if err := s.pc.AddICECandidate(c); err != nil {
			log.Printf("MEDIA [%s]: queued candidate rejected: %v", s.roomID, err)
		}
	}
	if len(queued) > 0 {
		log.Printf("MEDIA [%s]: drained %d queued candidates", s.roomID, len(queued))
	}
	return nil
}

// AddICECandidate applies a remote candidate immediately when a remote
// description exists, otherwise queues it. Queue order is arrival order —
// candidates are never reordered or dropped.
func (s *Session) AddICECandidate(c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if !s.remoteSet {
		s.pendingRemote = append(s.pendingRemote, c)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("media: add candidate: %w", err)
	}
	return nil
}

// OpenMedia acquires local capture devices for the requested kinds, attaches
// the tracks with configured bitrate ceilings, and returns. Audio passes
// through a dynamic range compressor before attachment. Fails with
// ErrMediaDenied or ErrMediaUnavailable; both are fatal to the pending call.
func (s *Session) OpenMedia(wantAudio, wantVideo bool) error {
	if !wantAudio && !wantVideo {
		return nil // receive-only by explicit request
	}

	tracks, closeFn, err := openCapture(s.roomID, s.cfg, wantAudio, wantVideo)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		closeFn()
		return ErrClosed
	}
	s.closeCapture = closeFn
	s.mu.Unlock()

	for _, t := range tracks {
		sender, err := s.pc.AddTrack(t)
		if err != nil {
			log.Printf("MEDIA [%s]: add %s track: %v", s.roomID, t.Kind(), err)
			continue
		}
		lt := &localTrack{kind: t.Kind(), track: t, sender: sender, enabled: true}
		s.mu.Lock()
		s.localTracks = append(s.localTracks, lt)
		s.mu.Unlock()
		go s.drainSenderRTCP(sender)
	}
	log.Printf("MEDIA [%s]: local media open (%d tracks)", s.roomID, len(tracks))
	return nil
}

// drainSenderRTCP keeps interceptor feedback (NACK, REMB) flowing for a
// sender. Required by Pion before outbound RTP processing starts.
func (s *Session) drainSenderRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// SetTrackEnabled pauses or resumes sending the local track of the given
// kind by detaching it from its sender. Mirrors the mute/camera-off toggles.
// Returns the new enabled state; ok is false when the session carries no
// local track of that kind, for example video on a voice call.
func (s *Session) SetTrackEnabled(kind webrtc.RTPCodecType, enabled bool) (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, lt := range s.localTracks {
		if lt.kind != kind || lt.enabled == enabled {
			continue
		}
		var err error
		if enabled {
			err = lt.sender.ReplaceTrack(lt.track)
		} else {
			err = lt.sender.ReplaceTrack(nil)
		}
		if err != nil {
			log.Printf("MEDIA [%s]: toggle %s track: %v", s.roomID, kind, err)
			continue
		}
		lt.enabled = enabled
	}

	for _, lt := range s.localTracks {
		if lt.kind == kind {
			return lt.enabled, true
		}
	}
	return false, false
}

// SignalingState exposes the negotiation state of the underlying connection.
func (s *Session) SignalingState() webrtc.SignalingState {
	return s.pc.SignalingState()
}

// HasRemoteTrack reports whether any inbound media track has arrived.
func (s *Session) HasRemoteTrack() bool {
	return s.inbound.trackCount() > 0
}

func (s *Session) handleConnectionState(st webrtc.PeerConnectionState) {
	log.Printf("MEDIA [%s]: connection state %s", s.roomID, st)
	if st != webrtc.PeerConnectionStateFailed {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	first := !s.restartTried
	s.restartTried = true
	s.mu.Unlock()

	if first {
		log.Printf("MEDIA [%s]: connection failed, attempting ICE restart", s.roomID)
		if s.onRestartNeeded != nil {
			go s.onRestartNeeded()
			return
		}
	}
	log.Printf("MEDIA [%s]: connection lost", s.roomID)
	if s.onConnectionLost != nil {
		go s.onConnectionLost()
	}
}

// Close stops local tracks, releases capture resources, and tears down the
// peer connection. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	closeCapture := s.closeCapture
	s.closeCapture = nil
	s.mu.Unlock()

	close(s.done)
	if closeCapture != nil {
		closeCapture()
	}
	if err := s.pc.Close(); err != nil {
		return fmt.Errorf("media: close peer connection: %w", err)
	}
	log.Printf("MEDIA [%s]: closed", s.roomID)
	return nil
}
