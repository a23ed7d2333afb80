package call

import (
	"encoding/json"
	"log"

	"github.com/pion/webrtc/v4"

	"github.com/terminalchat/callcore/internal/signalwire"
)

// WatchRoom binds the room's signaling topics and associates them with a
// conversation. Watching an already-watched room is a no-op — the router
// must never register duplicate handlers for the same topics.
func (m *Manager) WatchRoom(roomID, conversationID, peerName string) error {
	m.mu.Lock()
	if _, ok := m.rooms[roomID]; ok {
		m.mu.Unlock()
		log.Printf("CALL [%s]: room already watched", roomID)
		return nil
	}
	rb := &roomBinding{roomID: roomID, conversationID: conversationID, peerName: peerName}
	m.rooms[roomID] = rb
	m.byConv[conversationID] = rb
	m.mu.Unlock()

	type binding struct {
		topic   string
		handler func(*roomBinding, []byte)
	}
	bindings := []binding{
		{signalwire.OfferTopic(roomID), m.handleOffer},
		{signalwire.AnswerTopic(roomID), m.handleAnswer},
		{signalwire.ICETopic(roomID), m.handleCandidate},
		{signalwire.HangupTopic(roomID), m.handleHangup},
	}

	var subIDs []string
	for _, b := range bindings {
		handler := b.handler
		id, err := m.transport.Subscribe(b.topic, func(topic string, body []byte) {
			handler(rb, body)
		})
		if err != nil {
			for _, sid := range subIDs {
				m.transport.Unsubscribe(sid)
			}
			m.mu.Lock()
			delete(m.rooms, roomID)
			delete(m.byConv, conversationID)
			m.mu.Unlock()
			return err
		}
		subIDs = append(subIDs, id)
	}

	m.mu.Lock()
	rb.subIDs = subIDs
	m.mu.Unlock()
	log.Printf("CALL [%s]: watching room for %s", roomID, conversationID)
	return nil
}

// ── Inbound ───────────────────────────────────────────────────────────────────

func (m *Manager) handleOffer(rb *roomBinding, body []byte) {
	var p signalwire.OfferPayload
	if err := json.Unmarshal(body, &p); err != nil || p.SenderID == "" || p.SDPOffer == "" {
		log.Printf("CALL [%s]: dropping malformed offer: %v", rb.roomID, err)
		return
	}
	if p.SenderID == m.selfID {
		return
	}
	if p.CallType != signalwire.CallTypeVoice && p.CallType != signalwire.CallTypeVideo {
		log.Printf("CALL [%s]: dropping offer with call type %q", rb.roomID, p.CallType)
		return
	}

	if existing, ok := m.Session(rb.conversationID); ok {
		if existing.State() == StateInCall && existing.Role == RoleCallee {
			// ICE restart: the caller renegotiates over the normal path.
			existing.post(func() { existing.handleRenegotiation(p) })
			return
		}
		if existing.State() == StateInCall && existing.Role == RoleCaller {
			// The caller drives recovery; offers from the callee mid-call
			// are not supported.
			log.Printf("CALL [%s]: dropping offer, call established", rb.roomID)
			return
		}
		if existing.State() == StateRingingOutgoing && existing.Role == RoleCaller {
			// Glare: both sides called at once. The lexicographically lower
			// peer ID keeps the caller role; the other side yields and
			// answers instead.
			if m.selfID < p.SenderID {
				log.Printf("CALL [%s]: glare, keeping caller role over %s", rb.roomID, p.SenderID)
				return
			}
			log.Printf("CALL [%s]: glare, yielding caller role to %s", rb.roomID, p.SenderID)
			existing.post(func() { existing.end("superseded by simultaneous call", false) })
			<-existing.Done()
		} else {
			log.Printf("CALL [%s]: dropping duplicate offer in state %s", rb.roomID, existing.State())
			return
		}
	}

	m.mu.Lock()
	if cur := m.sessions[rb.conversationID]; cur != nil && cur.State() != StateEnded {
		m.mu.Unlock()
		log.Printf("CALL [%s]: dropping offer, session appeared concurrently", rb.roomID)
		return
	}
	med, err := m.factory(rb.roomID)
	if err != nil {
		m.mu.Unlock()
		log.Printf("CALL [%s]: media session for inbound offer: %v", rb.roomID, err)
		return
	}
	sess := newSession(m, rb, RoleCallee, p.CallType, med)
	m.sessions[rb.conversationID] = sess
	m.mu.Unlock()

	log.Printf("CALL [%s]: incoming %s call from %s", rb.roomID, p.CallType, p.SenderID)
	sess.post(func() { sess.startIncoming(p) })

	ic := &IncomingCall{
		ConversationID: rb.conversationID,
		RoomID:         rb.roomID,
		PeerName:       rb.peerName,
		From:           p.SenderID,
		CallType:       p.CallType,
		Accept:         sess.Accept,
		Reject:         sess.Reject,
	}
	m.incomingMu.RLock()
	handlers := make([]func(*IncomingCall), len(m.incoming))
	copy(handlers, m.incoming)
	m.incomingMu.RUnlock()
	for _, fn := range handlers {
		fn(ic)
	}
}

func (m *Manager) handleAnswer(rb *roomBinding, body []byte) {
	var p signalwire.AnswerPayload
	if err := json.Unmarshal(body, &p); err != nil || p.SenderID == "" || p.SDPAnswer == "" {
		log.Printf("CALL [%s]: dropping malformed answer: %v", rb.roomID, err)
		return
	}
	if p.SenderID == m.selfID {
		return
	}
	sess, ok := m.Session(rb.conversationID)
	if !ok {
		log.Printf("CALL [%s]: dropping answer, no session", rb.roomID)
		return
	}
	sess.post(func() { sess.handleRemoteAnswer(p) })
}

func (m *Manager) handleCandidate(rb *roomBinding, body []byte) {
	var p signalwire.ICEPayload
	if err := json.Unmarshal(body, &p); err != nil || p.SenderID == "" || p.Candidate.Candidate == "" {
		log.Printf("CALL [%s]: dropping malformed candidate: %v", rb.roomID, err)
		return
	}
	if p.SenderID == m.selfID {
		return
	}
	sess, ok := m.Session(rb.conversationID)
	if !ok {
		log.Printf("CALL [%s]: dropping candidate, no session", rb.roomID)
		return
	}
	c := fromWireCandidate(p.Candidate)
	sess.post(func() {
		if err := sess.media.AddICECandidate(c); err != nil {
			log.Printf("CALL [%s]: add candidate: %v", rb.roomID, err)
		}
	})
}

func (m *Manager) handleHangup(rb *roomBinding, body []byte) {
	var p signalwire.HangupPayload
	if err := json.Unmarshal(body, &p); err != nil || p.SenderID == "" {
		log.Printf("CALL [%s]: dropping malformed hangup: %v", rb.roomID, err)
		return
	}
	if p.SenderID == m.selfID {
		return
	}
	sess, ok := m.Session(rb.conversationID)
	if !ok {
		return
	}
	reason := p.Reason
	if reason == "" {
		reason = "remote hangup"
	}
	sess.post(func() { sess.transition(evHangup, reason) })
}

// ── Outbound ──────────────────────────────────────────────────────────────────
// Publishing is refused while the transport is down; the attempt is
// surfaced, never queued.

func (m *Manager) sendOffer(roomID, sdp, callType string) error {
	if !m.transport.IsReady() {
		return ErrSignalingNotReady
	}
	return m.transport.Send(signalwire.OfferSendDest(roomID), signalwire.OfferPayload{
		SenderID: m.selfID,
		SDPOffer: sdp,
		CallType: callType,
	})
}

func (m *Manager) sendAnswer(roomID, sdp string) error {
	if !m.transport.IsReady() {
		return ErrSignalingNotReady
	}
	return m.transport.Send(signalwire.AnswerSendDest(roomID), signalwire.AnswerPayload{
		SenderID:  m.selfID,
		SDPAnswer: sdp,
	})
}

func (m *Manager) sendCandidate(roomID string, c webrtc.ICECandidateInit) error {
	if !m.transport.IsReady() {
		return ErrSignalingNotReady
	}
	return m.transport.Send(signalwire.ICESendDest(roomID), signalwire.ICEPayload{
		SenderID:  m.selfID,
		Candidate: toWireCandidate(c),
	})
}

func (m *Manager) sendHangup(roomID, reason string) error {
	if !m.transport.IsReady() {
		return ErrSignalingNotReady
	}
	return m.transport.Send(signalwire.HangupSendDest(roomID), signalwire.HangupPayload{
		SenderID: m.selfID,
		Reason:   reason,
	})
}

func toWireCandidate(c webrtc.ICECandidateInit) signalwire.ICECandidateInit {
	out := signalwire.ICECandidateInit{Candidate: c.Candidate}
	if c.SDPMid != nil {
		out.SDPMid = *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		out.SDPMLineIndex = *c.SDPMLineIndex
	}
	return out
}

func fromWireCandidate(c signalwire.ICECandidateInit) webrtc.ICECandidateInit {
	mid := c.SDPMid
	idx := c.SDPMLineIndex
	return webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
}
