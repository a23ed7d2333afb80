package call

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/terminalchat/callcore/internal/media"
	"github.com/terminalchat/callcore/internal/signaling"
	"github.com/terminalchat/callcore/internal/signalwire"
)

const waitTimeout = 3 * time.Second

// memBus is an in-memory stand-in for the relay: every Send on an attached
// transport is rebroadcast to all subscribers of the matching room topic.
// With hold enabled, deliveries queue until Flush — used to stage glare.
type memBus struct {
	mu      sync.Mutex
	subs    map[string][]*memSub
	hold    bool
	pending []func()
}

type memSub struct {
	id      string
	topic   string
	handler signaling.Handler
}

func newMemBus() *memBus {
	return &memBus{subs: make(map[string][]*memSub)}
}

func (b *memBus) holdDeliveries() {
	b.mu.Lock()
	b.hold = true
	b.mu.Unlock()
}

func (b *memBus) flush() {
	b.mu.Lock()
	b.hold = false
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

func (b *memBus) publish(topic string, body []byte) {
	b.mu.Lock()
	targets := make([]*memSub, len(b.subs[topic]))
	copy(targets, b.subs[topic])
	holding := b.hold
	if holding {
		b.pending = append(b.pending, func() {
			for _, sub := range targets {
				sub.handler(topic, body)
			}
		})
	}
	b.mu.Unlock()
	if holding {
		return
	}
	for _, sub := range targets {
		sub.handler(topic, body)
	}
}

// memTransport implements signaling.Transport over a shared memBus.
type memTransport struct {
	bus *memBus

	mu     sync.Mutex
	ready  bool
	nextID int
	owned  map[string]*memSub
}

func newMemTransport(bus *memBus) *memTransport {
	return &memTransport{bus: bus, ready: true, owned: make(map[string]*memSub)}
}

func (t *memTransport) setReady(ready bool) {
	t.mu.Lock()
	t.ready = ready
	t.mu.Unlock()
}

func (t *memTransport) IsReady() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready
}

func (t *memTransport) Subscribe(topic string, h signaling.Handler) (string, error) {
	t.mu.Lock()
	t.nextID++
	sub := &memSub{id: fmt.Sprintf("sub-%d", t.nextID), topic: topic, handler: h}
	t.owned[sub.id] = sub
	t.mu.Unlock()

	t.bus.mu.Lock()
	t.bus.subs[topic] = append(t.bus.subs[topic], sub)
	t.bus.mu.Unlock()
	return sub.id, nil
}

func (t *memTransport) Unsubscribe(id string) {
	t.mu.Lock()
	sub, ok := t.owned[id]
	delete(t.owned, id)
	t.mu.Unlock()
	if !ok {
		return
	}

	t.bus.mu.Lock()
	subs := t.bus.subs[sub.topic]
	for i, s := range subs {
		if s == sub {
			t.bus.subs[sub.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	t.bus.mu.Unlock()
}

func (t *memTransport) Send(destination string, body any) error {
	if !t.IsReady() {
		return signaling.ErrNotConnected
	}
	kind, roomID, ok := signalwire.ParseSendDest(destination)
	if !ok {
		return fmt.Errorf("bad destination %q", destination)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	t.bus.publish(signalwire.BroadcastTopic(kind, roomID), raw)
	return nil
}

// fakeMedia is a deterministic Media with the same negotiation state
// discipline as the real session, minus any Pion machinery.
type fakeMedia struct {
	roomID string

	mu            sync.Mutex
	state         webrtc.SignalingState
	candidates    []webrtc.ICECandidateInit
	closed        int
	offerCalls    int
	answerCalls   int
	openCalls     int
	wantAudio     bool
	wantVideo     bool
	openErr       error
	remoteTrack   bool
	sample        media.QualitySample
	onLocalCand   func(webrtc.ICECandidateInit)
	onRemoteTrack func(webrtc.RTPCodecType)
	onRestart     func()
	onLost        func()
}

func newFakeMedia(roomID string) *fakeMedia {
	return &fakeMedia{roomID: roomID, state: webrtc.SignalingStateStable}
}

func (f *fakeMedia) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) { f.onLocalCand = fn }
func (f *fakeMedia) OnRemoteTrack(fn func(webrtc.RTPCodecType))       { f.onRemoteTrack = fn }
func (f *fakeMedia) OnRestartNeeded(fn func())                        { f.onRestart = fn }
func (f *fakeMedia) OnConnectionLost(fn func())                       { f.onLost = fn }

func (f *fakeMedia) CreateOffer() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != webrtc.SignalingStateStable {
		return "", media.ErrInvalidState
	}
	f.offerCalls++
	f.state = webrtc.SignalingStateHaveLocalOffer
	return "sdp-offer-" + f.roomID, nil
}

func (f *fakeMedia) RestartICE() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offerCalls++
	f.state = webrtc.SignalingStateHaveLocalOffer
	return "sdp-restart-" + f.roomID, nil
}

func (f *fakeMedia) CreateAnswer() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != webrtc.SignalingStateHaveRemoteOffer {
		return "", media.ErrInvalidState
	}
	f.answerCalls++
	f.state = webrtc.SignalingStateStable
	return "sdp-answer-" + f.roomID, nil
}

func (f *fakeMedia) SetRemoteOffer(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = webrtc.SignalingStateHaveRemoteOffer
	return nil
}

func (f *fakeMedia) SetRemoteAnswer(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != webrtc.SignalingStateHaveLocalOffer {
		return media.ErrNegotiationMismatch
	}
	f.state = webrtc.SignalingStateStable
	return nil
}

func (f *fakeMedia) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeMedia) OpenMedia(wantAudio, wantVideo bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openCalls++
	f.wantAudio, f.wantVideo = wantAudio, wantVideo
	return f.openErr
}

func (f *fakeMedia) SetTrackEnabled(kind webrtc.RTPCodecType, enabled bool) (bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if kind == webrtc.RTPCodecTypeAudio && !f.wantAudio {
		return false, false
	}
	if kind == webrtc.RTPCodecTypeVideo && !f.wantVideo {
		return false, false
	}
	return enabled, true
}

func (f *fakeMedia) SignalingState() webrtc.SignalingState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeMedia) HasRemoteTrack() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteTrack
}

func (f *fakeMedia) Sample() media.QualitySample {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sample
}

func (f *fakeMedia) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeMedia) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeFactory records every media instance it hands out.
type fakeFactory struct {
	mu      sync.Mutex
	created []*fakeMedia
	err     error
}

func (ff *fakeFactory) factory(roomID string) (Media, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if ff.err != nil {
		return nil, ff.err
	}
	fm := newFakeMedia(roomID)
	ff.created = append(ff.created, fm)
	return fm, nil
}

func (ff *fakeFactory) count() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.created)
}

func (ff *fakeFactory) last() *fakeMedia {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if len(ff.created) == 0 {
		return nil
	}
	return ff.created[len(ff.created)-1]
}

// endpoint bundles one manager with its transport and recorded events.
type endpoint struct {
	mgr       *Manager
	transport *memTransport
	factory   *fakeFactory
	states    chan StateChange
	incoming  chan *IncomingCall
}

func newEndpoint(t *testing.T, bus *memBus, selfID string) *endpoint {
	t.Helper()
	ep := &endpoint{
		transport: newMemTransport(bus),
		factory:   &fakeFactory{},
		states:    make(chan StateChange, 64),
		incoming:  make(chan *IncomingCall, 8),
	}
	ep.mgr = New(ep.transport, selfID, media.Config{},
		WithMediaFactory(ep.factory.factory),
		WithQualityInterval(20*time.Millisecond),
	)
	ep.mgr.OnStateChange(func(sc StateChange) { ep.states <- sc })
	ep.mgr.OnIncoming(func(ic *IncomingCall) { ep.incoming <- ic })
	t.Cleanup(ep.mgr.Close)
	return ep
}

// publishJSON injects a wire payload as if the relay broadcast it.
func (b *memBus) publishJSON(t *testing.T, topic string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	b.publish(topic, raw)
}

// waitState blocks until the endpoint reports the wanted state.
func (ep *endpoint) waitState(t *testing.T, want State) StateChange {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case sc := <-ep.states:
			if sc.State == want.String() {
				return sc
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func (ep *endpoint) waitIncoming(t *testing.T) *IncomingCall {
	t.Helper()
	select {
	case ic := <-ep.incoming:
		return ic
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for incoming call")
		return nil
	}
}
