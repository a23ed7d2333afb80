package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/terminalchat/callcore/internal/call"
	"github.com/terminalchat/callcore/internal/media"
	"github.com/terminalchat/callcore/internal/signaling"
	"github.com/terminalchat/callcore/internal/signalwire"
)

// loopTransport is an in-memory signaling transport for one endpoint. Send
// resolves the destination to its broadcast topic and loops it back, so a
// test can both observe outbound frames and inject "remote" ones.
type loopTransport struct {
	mu    sync.Mutex
	ready bool
	subs  map[string]map[string]signaling.Handler
	sent  []sentFrame
	next  int
}

type sentFrame struct {
	kind   string
	roomID string
	body   []byte
}

func newLoopTransport() *loopTransport {
	return &loopTransport{ready: true, subs: make(map[string]map[string]signaling.Handler)}
}

func (t *loopTransport) IsReady() bool { return t.ready }

func (t *loopTransport) Subscribe(topic string, h signaling.Handler) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	id := fmt.Sprintf("sub-%d", t.next)
	if t.subs[topic] == nil {
		t.subs[topic] = make(map[string]signaling.Handler)
	}
	t.subs[topic][id] = h
	return id, nil
}

func (t *loopTransport) Unsubscribe(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for topic, m := range t.subs {
		if _, ok := m[id]; ok {
			delete(m, id)
			if len(m) == 0 {
				delete(t.subs, topic)
			}
			return
		}
	}
}

func (t *loopTransport) Send(dest string, body any) error {
	kind, roomID, ok := signalwire.ParseSendDest(dest)
	if !ok {
		return nil
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.sent = append(t.sent, sentFrame{kind: kind, roomID: roomID, body: b})
	t.mu.Unlock()
	return nil
}

// inject delivers a payload as if a remote peer had published it.
func (t *loopTransport) inject(tb testing.TB, topic string, payload any) {
	tb.Helper()
	b, err := json.Marshal(payload)
	if err != nil {
		tb.Fatal(err)
	}
	t.mu.Lock()
	hs := make([]signaling.Handler, 0, len(t.subs[topic]))
	for _, h := range t.subs[topic] {
		hs = append(hs, h)
	}
	t.mu.Unlock()
	for _, h := range hs {
		h(topic, b)
	}
}

func (t *loopTransport) sentKinds() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.sent))
	for i, f := range t.sent {
		out[i] = f.kind
	}
	return out
}

// stubMedia satisfies call.Media with fixed SDP strings and no real devices.
type stubMedia struct {
	mu          sync.Mutex
	state       webrtc.SignalingState
	onCandidate func(webrtc.ICECandidateInit)
	onTrack     func(webrtc.RTPCodecType)
	onRestart   func()
	onLost      func()
	closed      int
}

func (f *stubMedia) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) { f.onCandidate = fn }
func (f *stubMedia) OnRemoteTrack(fn func(webrtc.RTPCodecType))        { f.onTrack = fn }
func (f *stubMedia) OnRestartNeeded(fn func())                         { f.onRestart = fn }
func (f *stubMedia) OnConnectionLost(fn func())                        { f.onLost = fn }

func (f *stubMedia) CreateOffer() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = webrtc.SignalingStateHaveLocalOffer
	return "sdp-offer", nil
}

func (f *stubMedia) CreateAnswer() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = webrtc.SignalingStateStable
	return "sdp-answer", nil
}

func (f *stubMedia) RestartICE() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = webrtc.SignalingStateHaveLocalOffer
	return "sdp-restart", nil
}

func (f *stubMedia) SetRemoteOffer(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = webrtc.SignalingStateHaveRemoteOffer
	return nil
}

func (f *stubMedia) SetRemoteAnswer(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != webrtc.SignalingStateHaveLocalOffer {
		return media.ErrNegotiationMismatch
	}
	f.state = webrtc.SignalingStateStable
	return nil
}

func (f *stubMedia) AddICECandidate(webrtc.ICECandidateInit) error { return nil }
func (f *stubMedia) OpenMedia(bool, bool) error                    { return nil }
func (f *stubMedia) SetTrackEnabled(kind webrtc.RTPCodecType, enabled bool) (bool, bool) {
	return enabled, true
}
func (f *stubMedia) SignalingState() webrtc.SignalingState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}
func (f *stubMedia) HasRemoteTrack() bool { return true }
func (f *stubMedia) Sample() media.QualitySample {
	return media.QualitySample{At: time.Now(), Quality: media.QualityExcellent}
}
func (f *stubMedia) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

type apiFixture struct {
	transport *loopTransport
	mgr       *call.Manager
	srv       *httptest.Server
}

func startAPI(t *testing.T) *apiFixture {
	t.Helper()
	transport := newLoopTransport()
	mgr := call.New(transport, "alice", media.Config{}, call.WithMediaFactory(func(string) (call.Media, error) {
		return &stubMedia{}, nil
	}), call.WithQualityInterval(20*time.Millisecond))
	srv := httptest.NewServer(NewServer(mgr).Routes())
	t.Cleanup(func() {
		srv.Close()
		mgr.Close()
	})
	return &apiFixture{transport: transport, mgr: mgr, srv: srv}
}

func (fx *apiFixture) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(fx.srv.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func (fx *apiFixture) watch(t *testing.T) {
	t.Helper()
	resp := fx.post(t, "/api/rooms/watch", map[string]string{
		"room_id": "R1", "conversation_id": "conv1", "peer_name": "bob",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("watch status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func (fx *apiFixture) waitInCall(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if sess, ok := fx.mgr.Session("conv1"); ok && sess.State() == call.StateInCall {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session never reached in-call")
}

func TestStartCallOverHTTP(t *testing.T) {
	fx := startAPI(t)
	fx.watch(t)

	resp := fx.post(t, "/api/call/start", map[string]string{
		"conversation_id": "conv1", "kind": "video",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d", resp.StatusCode)
	}
	var info call.Info
	decodeBody(t, resp, &info)
	if info.ConversationID != "conv1" || info.Kind != "video" {
		t.Fatalf("unexpected info: %+v", info)
	}

	// The offer goes out over signaling.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		kinds := fx.transport.sentKinds()
		if len(kinds) > 0 && kinds[0] == signalwire.KindOffer {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if kinds := fx.transport.sentKinds(); len(kinds) == 0 || kinds[0] != signalwire.KindOffer {
		t.Fatalf("expected offer on the wire, got %v", kinds)
	}

	// The remote answer moves the call to in-call.
	fx.transport.inject(t, signalwire.AnswerTopic("R1"), signalwire.AnswerPayload{
		SenderID:  "bob",
		SDPAnswer: "sdp-answer",
	})
	fx.waitInCall(t)

	// A second start conflicts.
	resp = fx.post(t, "/api/call/start", map[string]string{"conversation_id": "conv1", "kind": "video"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second start status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestStartCallValidation(t *testing.T) {
	fx := startAPI(t)
	fx.watch(t)

	resp := fx.post(t, "/api/call/start", map[string]string{"kind": "video"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing conversation_id status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = fx.post(t, "/api/call/start", map[string]string{"conversation_id": "conv1", "kind": "screencast"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad kind status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = fx.post(t, "/api/call/start", map[string]string{"conversation_id": "unknown", "kind": "voice"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unwatched room status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestStartCallBindsRoomInline(t *testing.T) {
	fx := startAPI(t)

	resp := fx.post(t, "/api/call/start", map[string]string{
		"conversation_id": "conv1", "room_id": "R1", "peer_name": "bob", "kind": "voice",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start with inline room status = %d", resp.StatusCode)
	}
	var info call.Info
	decodeBody(t, resp, &info)
	if info.RoomID != "R1" {
		t.Fatalf("unexpected info: %+v", info)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sess, ok := fx.mgr.Session("conv1"); ok && sess.State() == call.StateRingingOutgoing {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("call never started ringing")
}

func TestMuteStatusAndHangup(t *testing.T) {
	fx := startAPI(t)
	fx.watch(t)

	resp := fx.post(t, "/api/call/start", map[string]string{"conversation_id": "conv1", "kind": "voice"})
	resp.Body.Close()
	fx.transport.inject(t, signalwire.AnswerTopic("R1"), signalwire.AnswerPayload{SenderID: "bob", SDPAnswer: "a"})
	fx.waitInCall(t)

	resp = fx.post(t, "/api/call/toggle-mute", map[string]string{"conversation_id": "conv1"})
	var muteResp map[string]bool
	decodeBody(t, resp, &muteResp)
	if !muteResp["muted"] {
		t.Fatal("expected muted=true after first toggle")
	}

	statusResp, err := http.Get(fx.srv.URL + "/api/call/status")
	if err != nil {
		t.Fatal(err)
	}
	var status struct {
		SessionCount int         `json:"session_count"`
		Sessions     []call.Info `json:"sessions"`
	}
	decodeBody(t, statusResp, &status)
	if status.SessionCount != 1 || len(status.Sessions) != 1 {
		t.Fatalf("status sessions = %+v", status)
	}
	if status.Sessions[0].State != "in-call" || !status.Sessions[0].Muted {
		t.Fatalf("unexpected session info: %+v", status.Sessions[0])
	}

	resp = fx.post(t, "/api/call/hangup", map[string]string{"conversation_id": "conv1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("hangup status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := fx.mgr.Session("conv1"); !ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, ok := fx.mgr.Session("conv1"); ok {
		t.Fatal("session still live after hangup")
	}

	// Acting on the retired session is a 404 now.
	resp = fx.post(t, "/api/call/toggle-mute", map[string]string{"conversation_id": "conv1"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("toggle after hangup status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestEventsStream(t *testing.T) {
	fx := startAPI(t)
	fx.watch(t)

	req, err := http.NewRequest(http.MethodGet, fx.srv.URL+"/api/call/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}

	events := make(chan Event, 16)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var e Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e); err == nil {
				events <- e
			}
		}
	}()

	startResp := fx.post(t, "/api/call/start", map[string]string{"conversation_id": "conv1", "kind": "video"})
	startResp.Body.Close()

	select {
	case e := <-events:
		if e.Type != "state" || e.State == nil || e.State.State != "ringing-outgoing" {
			t.Fatalf("first event = %+v", e)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no state event on the stream")
	}

	fx.transport.inject(t, signalwire.AnswerTopic("R1"), signalwire.AnswerPayload{SenderID: "bob", SDPAnswer: "a"})

	deadline := time.After(3 * time.Second)
	var sawInCall, sawQuality bool
	for !(sawInCall && sawQuality) {
		select {
		case e := <-events:
			switch {
			case e.Type == "state" && e.State != nil && e.State.State == "in-call":
				sawInCall = true
			case e.Type == "quality" && e.Quality != nil:
				sawQuality = true
			}
		case <-deadline:
			t.Fatalf("stream incomplete: in-call=%v quality=%v", sawInCall, sawQuality)
		}
	}
}
