// Package call implements the call session orchestrator: the per-room state
// machine, the signaling router binding sessions to their room topics, and
// the periodic quality monitor. Coupling to the transport is via the
// signaling.Transport interface, to the media layer via Media.
package call

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/terminalchat/callcore/internal/media"
	"github.com/terminalchat/callcore/internal/signalwire"
)

const remoteTrackPollInterval = 500 * time.Millisecond

// Session is one call, pending or active. All negotiation work and state
// transitions run on a single event loop goroutine; commands and inbound
// signals are posted to it and processed strictly in arrival order.
type Session struct {
	mgr *Manager

	RoomID         string
	ConversationID string
	PeerName       string
	Kind           string // signalwire.CallTypeVoice | CallTypeVideo
	Role           Role

	media Media

	ops  chan func()
	done chan struct{}

	trackOnce    sync.Once
	trackArrived chan struct{}

	monitor *monitor

	mu          sync.RWMutex
	state       State
	reason      string
	muted       bool
	videoOff    bool
	remoteMedia bool
}

// StateChange is what listeners receive on every transition.
type StateChange struct {
	ConversationID string               `json:"conversationId"`
	RoomID         string               `json:"roomId"`
	PeerName       string               `json:"peerName"`
	Kind           string               `json:"kind"`
	Role           string               `json:"role"`
	State          string               `json:"state"`
	Reason         string               `json:"reason,omitempty"`
	Quality        *media.QualitySample `json:"quality,omitempty"`
}

// Info is a point-in-time snapshot of a session for status reporting.
type Info struct {
	ConversationID string                `json:"conversationId"`
	RoomID         string                `json:"roomId"`
	PeerName       string                `json:"peerName"`
	Kind           string                `json:"kind"`
	Role           string                `json:"role"`
	State          string                `json:"state"`
	Reason         string                `json:"reason,omitempty"`
	Muted          bool                  `json:"muted"`
	VideoOff       bool                  `json:"videoOff"`
	RemoteMedia    bool                  `json:"remoteMedia"`
	Quality        *media.QualitySample  `json:"quality,omitempty"`
	QualityHistory []media.QualitySample `json:"qualityHistory,omitempty"`
}

func newSession(mgr *Manager, rb *roomBinding, role Role, kind string, med Media) *Session {
	s := &Session{
		mgr:            mgr,
		RoomID:         rb.roomID,
		ConversationID: rb.conversationID,
		PeerName:       rb.peerName,
		Kind:           kind,
		Role:           role,
		media:          med,
		ops:            make(chan func(), 64),
		done:           make(chan struct{}),
		trackArrived:   make(chan struct{}),
	}
	s.monitor = newMonitor(s, mgr.qualityInterval)

	med.OnLocalCandidate(func(c webrtc.ICECandidateInit) {
		if err := mgr.sendCandidate(s.RoomID, c); err != nil {
			log.Printf("CALL [%s]: send candidate: %v", s.RoomID, err)
		}
	})
	med.OnRemoteTrack(func(kind webrtc.RTPCodecType) {
		s.trackOnce.Do(func() { close(s.trackArrived) })
		s.mu.Lock()
		s.remoteMedia = true
		s.mu.Unlock()
	})
	med.OnRestartNeeded(func() { s.post(s.restartICE) })
	med.OnConnectionLost(func() {
		s.post(func() { s.transition(evConnectionLost, "connection lost") })
	})

	go s.run()
	return s
}

func (s *Session) run() {
	for {
		select {
		case fn := <-s.ops:
			fn()
		case <-s.done:
			// Drain what was queued before the close so posters with a
			// pending reply are not left hanging.
			for {
				select {
				case fn := <-s.ops:
					fn()
				default:
					return
				}
			}
		}
	}
}

// post queues work on the event loop without waiting for it.
func (s *Session) post(fn func()) {
	select {
	case s.ops <- fn:
	case <-s.done:
	}
}

// do queues work on the event loop and waits for its result.
func (s *Session) do(fn func() error) error {
	reply := make(chan error, 1)
	op := func() {
		if s.State() == StateEnded {
			reply <- ErrEnded
			return
		}
		reply <- fn()
	}
	select {
	case s.ops <- op:
	case <-s.done:
		return ErrEnded
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrEnded
		}
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Info snapshots the session for status endpoints.
func (s *Session) Info() Info {
	s.mu.RLock()
	info := Info{
		ConversationID: s.ConversationID,
		RoomID:         s.RoomID,
		PeerName:       s.PeerName,
		Kind:           s.Kind,
		Role:           s.Role.String(),
		State:          s.state.String(),
		Reason:         s.reason,
		Muted:          s.muted,
		VideoOff:       s.videoOff,
		RemoteMedia:    s.remoteMedia,
	}
	s.mu.RUnlock()

	if last, ok := s.monitor.history.Last(); ok {
		info.Quality = &last
		info.QualityHistory = s.monitor.history.Snapshot()
	}
	return info
}

func (s *Session) setState(to State, reason string) {
	s.mu.Lock()
	from := s.state
	s.state = to
	if reason != "" {
		s.reason = reason
	}
	s.mu.Unlock()

	log.Printf("CALL [%s]: %s → %s (%s)", s.RoomID, from, to, s.Role)
	s.mgr.publishState(s)
}

// transition applies one state machine event on the loop goroutine.
// Unmatched events are ignored and logged — duplicate or late signaling must
// never re-trigger a transition.
func (s *Session) transition(ev event, reason string) bool {
	cur := s.State()
	to, ok := next(cur, ev)
	if !ok {
		log.Printf("CALL [%s]: ignoring %s in state %s", s.RoomID, ev, cur)
		return false
	}
	s.setState(to, reason)

	switch to {
	case StateInCall:
		s.monitor.start()
	case StateEnded:
		s.teardown()
	}
	return true
}

// ── Outgoing flow ─────────────────────────────────────────────────────────────

// startOutgoing acquires local media, produces the offer, and publishes it.
// Runs as the first op of a caller session; any failure ends the call with a
// user-facing reason.
func (s *Session) startOutgoing() {
	s.setState(StateRingingOutgoing, "")

	if err := s.openLocalMedia(); err != nil {
		s.end(mediaFailureReason(err), false)
		return
	}

	offer, err := s.media.CreateOffer()
	if err != nil {
		log.Printf("CALL [%s]: create offer: %v", s.RoomID, err)
		s.end("negotiation failed", false)
		return
	}
	if err := s.mgr.sendOffer(s.RoomID, offer, s.Kind); err != nil {
		log.Printf("CALL [%s]: send offer: %v", s.RoomID, err)
		s.end("signaling unavailable", false)
		return
	}
	log.Printf("CALL [%s]: offer sent (%s)", s.RoomID, s.Kind)
}

// handleRemoteAnswer applies the callee's answer. Dropped unless this side
// is the caller with an outstanding offer — redelivered or stale answers
// must not disturb an established call.
func (s *Session) handleRemoteAnswer(p signalwire.AnswerPayload) {
	if s.Role != RoleCaller {
		log.Printf("CALL [%s]: dropping answer, not the caller", s.RoomID)
		return
	}
	if err := s.media.SetRemoteAnswer(p.SDPAnswer); err != nil {
		log.Printf("CALL [%s]: dropping answer: %v", s.RoomID, err)
		return
	}
	if s.transition(evAnswerApplied, "") {
		go s.pollRemoteTrack()
	}
}

// ── Incoming flow ─────────────────────────────────────────────────────────────

// startIncoming runs the callee side of the exchange: apply the remote
// offer, acquire local media, answer immediately. Ringing only gates the
// user-facing accept, not the SDP exchange — candidates need to flow while
// the callee decides.
func (s *Session) startIncoming(p signalwire.OfferPayload) {
	s.setState(StateRingingIncoming, "")

	if err := s.openLocalMedia(); err != nil {
		reason := mediaFailureReason(err)
		s.end(reason, true)
		return
	}

	if err := s.media.SetRemoteOffer(p.SDPOffer); err != nil {
		log.Printf("CALL [%s]: apply offer: %v", s.RoomID, err)
		s.end("negotiation failed", true)
		return
	}

	answer, err := s.media.CreateAnswer()
	if err != nil {
		log.Printf("CALL [%s]: create answer: %v", s.RoomID, err)
		s.end("negotiation failed", true)
		return
	}
	if err := s.mgr.sendAnswer(s.RoomID, answer); err != nil {
		log.Printf("CALL [%s]: send answer: %v", s.RoomID, err)
		s.end("signaling unavailable", false)
		return
	}
	log.Printf("CALL [%s]: answer sent, ringing", s.RoomID)
	go s.pollRemoteTrack()
}

// handleRenegotiation answers a mid-call restart offer from the caller.
// Failures are dropped — the caller gives up on its own timetable.
func (s *Session) handleRenegotiation(p signalwire.OfferPayload) {
	if s.State() != StateInCall {
		log.Printf("CALL [%s]: ignoring renegotiation in state %s", s.RoomID, s.State())
		return
	}
	if err := s.media.SetRemoteOffer(p.SDPOffer); err != nil {
		log.Printf("CALL [%s]: renegotiation offer: %v", s.RoomID, err)
		return
	}
	answer, err := s.media.CreateAnswer()
	if err != nil {
		log.Printf("CALL [%s]: renegotiation answer: %v", s.RoomID, err)
		return
	}
	if err := s.mgr.sendAnswer(s.RoomID, answer); err != nil {
		log.Printf("CALL [%s]: send renegotiation answer: %v", s.RoomID, err)
		return
	}
	log.Printf("CALL [%s]: renegotiation answered", s.RoomID)
}

func (s *Session) openLocalMedia() error {
	wantVideo := s.Kind == signalwire.CallTypeVideo
	return s.media.OpenMedia(true, wantVideo)
}

func mediaFailureReason(err error) string {
	switch {
	case errors.Is(err, media.ErrMediaDenied):
		return "camera/microphone access denied"
	case errors.Is(err, media.ErrMediaUnavailable):
		return "no camera/microphone available"
	default:
		return "media setup failed"
	}
}

// ── Commands ──────────────────────────────────────────────────────────────────

// Accept answers an incoming ring. The SDP answer already went out when the
// offer arrived; accepting flips the session live.
func (s *Session) Accept() error {
	return s.do(func() error {
		s.transition(evAccept, "")
		return nil
	})
}

// Reject declines an incoming ring and informs the remote peer.
func (s *Session) Reject() error {
	return s.do(func() error {
		if s.transition(evReject, "declined") {
			s.sendHangup("declined")
		}
		return nil
	})
}

// Hangup ends the call from this side, at any state.
func (s *Session) Hangup() error {
	return s.do(func() error {
		if s.transition(evHangup, "hangup") {
			s.sendHangup("hangup")
		}
		return nil
	})
}

// ToggleMute flips the local audio track and returns the new muted state.
// Returns ErrNoLocalTrack, with the state unchanged, when the session sends
// no audio.
func (s *Session) ToggleMute() (bool, error) {
	var muted bool
	err := s.do(func() error {
		s.mu.Lock()
		target := !s.muted
		s.mu.Unlock()

		enabled, ok := s.media.SetTrackEnabled(webrtc.RTPCodecTypeAudio, !target)
		if !ok {
			s.mu.Lock()
			muted = s.muted
			s.mu.Unlock()
			return ErrNoLocalTrack
		}
		s.mu.Lock()
		s.muted = !enabled
		muted = s.muted
		s.mu.Unlock()
		return nil
	})
	return muted, err
}

// ToggleVideo flips the local video track and returns the new video-off
// state. Returns ErrNoLocalTrack, with the state unchanged, when the session
// sends no video.
func (s *Session) ToggleVideo() (bool, error) {
	var videoOff bool
	err := s.do(func() error {
		s.mu.Lock()
		target := !s.videoOff
		s.mu.Unlock()

		enabled, ok := s.media.SetTrackEnabled(webrtc.RTPCodecTypeVideo, !target)
		if !ok {
			s.mu.Lock()
			videoOff = s.videoOff
			s.mu.Unlock()
			return ErrNoLocalTrack
		}
		s.mu.Lock()
		s.videoOff = !enabled
		videoOff = s.videoOff
		s.mu.Unlock()
		return nil
	})
	return videoOff, err
}

// ── Signals from the media layer ──────────────────────────────────────────────

// restartICE performs the single recovery attempt after a connection
// failure: a restart offer over the normal signaling path.
func (s *Session) restartICE() {
	if s.State() != StateInCall {
		return
	}
	offer, err := s.media.RestartICE()
	if err != nil {
		log.Printf("CALL [%s]: ICE restart: %v", s.RoomID, err)
		s.transition(evConnectionLost, "connection lost")
		return
	}
	if err := s.mgr.sendOffer(s.RoomID, offer, s.Kind); err != nil {
		log.Printf("CALL [%s]: send restart offer: %v", s.RoomID, err)
		s.transition(evConnectionLost, "connection lost")
		return
	}
	log.Printf("CALL [%s]: ICE restart offer sent", s.RoomID)
}

// ── Teardown ──────────────────────────────────────────────────────────────────

// end force-terminates outside the transition table, used for setup
// failures where the current state row does not matter.
func (s *Session) end(reason string, informPeer bool) {
	if s.State() == StateEnded {
		return
	}
	if informPeer {
		s.sendHangup(reason)
	}
	s.setState(StateEnded, reason)
	s.teardown()
}

func (s *Session) sendHangup(reason string) {
	if err := s.mgr.sendHangup(s.RoomID, reason); err != nil {
		log.Printf("CALL [%s]: send hangup: %v", s.RoomID, err)
	}
}

// teardown cancels timers, releases media, and retires the session. Safe
// even when media never finished initializing.
func (s *Session) teardown() {
	select {
	case <-s.done:
		return
	default:
	}

	s.monitor.stop()
	s.trackOnce.Do(func() { close(s.trackArrived) })
	if err := s.media.Close(); err != nil {
		log.Printf("CALL [%s]: close media: %v", s.RoomID, err)
	}
	s.mgr.sessionEnded(s)
	close(s.done)
}

// Done is closed when the session has fully torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// pollRemoteTrack covers the window between the remote description applying
// and the first inbound track event. Cancelled the instant a track arrives.
func (s *Session) pollRemoteTrack() {
	ticker := time.NewTicker(remoteTrackPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-s.trackArrived:
			log.Printf("CALL [%s]: remote media arrived", s.RoomID)
			return
		case <-ticker.C:
			if s.media.HasRemoteTrack() {
				s.mu.Lock()
				s.remoteMedia = true
				s.mu.Unlock()
				log.Printf("CALL [%s]: remote media arrived (poll)", s.RoomID)
				return
			}
		}
	}
}
