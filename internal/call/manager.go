package call

import (
	"log"
	"sync"
	"time"

	"github.com/terminalchat/callcore/internal/media"
	"github.com/terminalchat/callcore/internal/signaling"
)

const defaultQualityInterval = 2 * time.Second

// Manager owns all call sessions and their room bindings. One Manager per
// process; the signaling connection is shared across rooms and demultiplexed
// by the room ID embedded in each topic.
type Manager struct {
	transport       signaling.Transport
	selfID          string
	factory         MediaFactory
	qualityInterval time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session     // by conversation ID
	rooms    map[string]*roomBinding // by room ID
	byConv   map[string]*roomBinding // by conversation ID

	incomingMu sync.RWMutex
	incoming   []func(*IncomingCall)

	stateMu  sync.RWMutex
	stateFns []func(StateChange)

	qualityMu  sync.RWMutex
	qualityFns []func(conversationID string, sample media.QualitySample)

	done chan struct{}
}

// roomBinding ties a watched room to the conversation that spawned it and
// records its topic subscriptions.
type roomBinding struct {
	roomID         string
	conversationID string
	peerName       string
	subIDs         []string
}

// IncomingCall announces an inbound offer. The SDP answer has already been
// sent; Accept flips the session live, Reject declines it.
type IncomingCall struct {
	ConversationID string
	RoomID         string
	PeerName       string
	From           string
	CallType       string
	Accept         func() error
	Reject         func() error
}

// Option configures a Manager.
type Option func(*Manager)

// WithMediaFactory overrides how media sessions are built. Tests use it to
// run the full call flow without devices or a network stack.
func WithMediaFactory(f MediaFactory) Option {
	return func(m *Manager) { m.factory = f }
}

// WithQualityInterval overrides the quality sampling cadence.
func WithQualityInterval(d time.Duration) Option {
	return func(m *Manager) { m.qualityInterval = d }
}

// New creates a Manager on the given transport. selfID identifies this
// endpoint in signaling payloads; its own messages echo back on every room
// topic and are discarded by sender ID.
func New(transport signaling.Transport, selfID string, mediaCfg media.Config, opts ...Option) *Manager {
	m := &Manager{
		transport:       transport,
		selfID:          selfID,
		factory:         PionMediaFactory(mediaCfg),
		qualityInterval: defaultQualityInterval,
		sessions:        make(map[string]*Session),
		rooms:           make(map[string]*roomBinding),
		byConv:          make(map[string]*roomBinding),
		done:            make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// ── Listeners ─────────────────────────────────────────────────────────────────

// OnIncoming registers a callback fired for each inbound call offer.
func (m *Manager) OnIncoming(fn func(*IncomingCall)) {
	m.incomingMu.Lock()
	m.incoming = append(m.incoming, fn)
	m.incomingMu.Unlock()
}

// OnStateChange registers a callback fired on every session transition.
func (m *Manager) OnStateChange(fn func(StateChange)) {
	m.stateMu.Lock()
	m.stateFns = append(m.stateFns, fn)
	m.stateMu.Unlock()
}

// OnQuality registers a callback fired on every quality sample of an active
// call.
func (m *Manager) OnQuality(fn func(conversationID string, sample media.QualitySample)) {
	m.qualityMu.Lock()
	m.qualityFns = append(m.qualityFns, fn)
	m.qualityMu.Unlock()
}

func (m *Manager) publishState(s *Session) {
	info := s.Info()
	change := StateChange{
		ConversationID: info.ConversationID,
		RoomID:         info.RoomID,
		PeerName:       info.PeerName,
		Kind:           info.Kind,
		Role:           info.Role,
		State:          info.State,
		Reason:         info.Reason,
		Quality:        info.Quality,
	}
	m.stateMu.RLock()
	fns := make([]func(StateChange), len(m.stateFns))
	copy(fns, m.stateFns)
	m.stateMu.RUnlock()
	for _, fn := range fns {
		fn(change)
	}
}

func (m *Manager) publishQuality(s *Session, sample media.QualitySample) {
	m.qualityMu.RLock()
	fns := make([]func(string, media.QualitySample), len(m.qualityFns))
	copy(fns, m.qualityFns)
	m.qualityMu.RUnlock()
	for _, fn := range fns {
		fn(s.ConversationID, sample)
	}
}

// ── Session registry ──────────────────────────────────────────────────────────

// StartCall places an outgoing call on the conversation's watched room.
// Exactly one non-ended session may exist per conversation.
func (m *Manager) StartCall(conversationID, callType string) (*Session, error) {
	m.mu.RLock()
	rb := m.byConv[conversationID]
	m.mu.RUnlock()
	if rb == nil {
		return nil, ErrRoomNotWatched
	}
	if !m.transport.IsReady() {
		return nil, ErrSignalingNotReady
	}

	m.mu.Lock()
	if existing := m.sessions[conversationID]; existing != nil && existing.State() != StateEnded {
		m.mu.Unlock()
		return nil, ErrCallInProgress
	}
	med, err := m.factory(rb.roomID)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	sess := newSession(m, rb, RoleCaller, callType, med)
	m.sessions[conversationID] = sess
	m.mu.Unlock()

	log.Printf("CALL: starting %s call on %s (%s)", callType, rb.roomID, conversationID)
	sess.post(sess.startOutgoing)
	return sess, nil
}

// Session returns the live session for a conversation, if any.
func (m *Manager) Session(conversationID string) (*Session, bool) {
	m.mu.RLock()
	s := m.sessions[conversationID]
	m.mu.RUnlock()
	if s == nil || s.State() == StateEnded {
		return nil, false
	}
	return s, true
}

// Sessions snapshots every live session, for status reporting.
func (m *Manager) Sessions() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Info())
	}
	return out
}

// sessionEnded retires a finished session. The room binding stays — the
// next call on the same conversation reuses it.
func (m *Manager) sessionEnded(s *Session) {
	m.mu.Lock()
	if m.sessions[s.ConversationID] == s {
		delete(m.sessions, s.ConversationID)
	}
	m.mu.Unlock()
	log.Printf("CALL [%s]: session retired", s.RoomID)
}

// Close hangs up every live session and drops all room bindings.
func (m *Manager) Close() {
	select {
	case <-m.done:
		return
	default:
		close(m.done)
	}

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	rooms := m.rooms
	m.rooms = make(map[string]*roomBinding)
	m.byConv = make(map[string]*roomBinding)
	m.mu.Unlock()

	for _, s := range sessions {
		if err := s.Hangup(); err != nil {
			log.Printf("CALL [%s]: hangup on close: %v", s.RoomID, err)
		}
	}
	for _, rb := range rooms {
		for _, id := range rb.subIDs {
			m.transport.Unsubscribe(id)
		}
	}
}
