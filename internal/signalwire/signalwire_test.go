package signalwire

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseSendDest(t *testing.T) {
	cases := []struct {
		dest   string
		kind   string
		roomID string
		ok     bool
	}{
		{"/app/signaling/offer/room42", KindOffer, "room42", true},
		{"/app/signaling/answer/r", KindAnswer, "r", true},
		{"/app/signaling/ice-candidate/r", KindICECandidate, "r", true},
		{"/app/signaling/hangup/r", KindHangup, "r", true},
		{"/app/signaling/offer/", "", "", false},
		{"/app/signaling/offer", "", "", false},
		{"/app/signaling/offer/a/b", "", "", false},
		{"/app/signaling/renegotiate/r", "", "", false},
		{"/room/r/webrtc-offer", "", "", false},
		{"", "", "", false},
	}
	for _, tc := range cases {
		kind, roomID, ok := ParseSendDest(tc.dest)
		if kind != tc.kind || roomID != tc.roomID || ok != tc.ok {
			t.Errorf("ParseSendDest(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tc.dest, kind, roomID, ok, tc.kind, tc.roomID, tc.ok)
		}
	}
}

func TestParseRoomTopic(t *testing.T) {
	cases := []struct {
		topic  string
		roomID string
		kind   string
		ok     bool
	}{
		{"/room/room42/webrtc-offer", "room42", KindOffer, true},
		{"/room/r/webrtc-answer", "r", KindAnswer, true},
		{"/room/r/ice-candidate", "r", KindICECandidate, true},
		{"/room/r/call-end", "r", KindHangup, true},
		{"/room/r/presence", "", "", false},
		{"/room//webrtc-offer", "", "", false},
		{"/room/r", "", "", false},
		{"/app/signaling/offer/r", "", "", false},
	}
	for _, tc := range cases {
		roomID, kind, ok := ParseRoomTopic(tc.topic)
		if roomID != tc.roomID || kind != tc.kind || ok != tc.ok {
			t.Errorf("ParseRoomTopic(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tc.topic, roomID, kind, ok, tc.roomID, tc.kind, tc.ok)
		}
	}
}

func TestSendDestRoundtrip(t *testing.T) {
	for _, kind := range []string{KindOffer, KindAnswer, KindICECandidate, KindHangup} {
		topic := BroadcastTopic(kind, "room1")
		if topic == "" {
			t.Fatalf("no broadcast topic for kind %q", kind)
		}
		roomID, gotKind, ok := ParseRoomTopic(topic)
		if !ok || roomID != "room1" || gotKind != kind {
			t.Errorf("roundtrip %q: got (%q, %q, %v)", kind, roomID, gotKind, ok)
		}
	}
	if BroadcastTopic("renegotiate", "room1") != "" {
		t.Error("unknown kind should map to empty topic")
	}
}

func TestRoomTopicsCoverEveryKind(t *testing.T) {
	topics := RoomTopics("r9")
	if len(topics) != 4 {
		t.Fatalf("expected 4 topics, got %d", len(topics))
	}
	seen := map[string]bool{}
	for _, topic := range topics {
		roomID, kind, ok := ParseRoomTopic(topic)
		if !ok || roomID != "r9" {
			t.Fatalf("bad room topic %q", topic)
		}
		seen[kind] = true
	}
	for _, kind := range []string{KindOffer, KindAnswer, KindICECandidate, KindHangup} {
		if !seen[kind] {
			t.Errorf("missing topic for kind %q", kind)
		}
	}
}

// The JSON field names are the contract with non-Go clients; they follow the
// W3C RTCIceCandidateInit casing.
func TestPayloadFieldNames(t *testing.T) {
	b, err := json.Marshal(OfferPayload{SenderID: "a", SDPOffer: "sdp", CallType: CallTypeVideo})
	if err != nil {
		t.Fatal(err)
	}
	for _, field := range []string{`"senderId"`, `"sdpOffer"`, `"callType"`} {
		if !contains(b, field) {
			t.Errorf("offer payload missing %s: %s", field, b)
		}
	}

	b, _ = json.Marshal(ICEPayload{
		SenderID:  "a",
		Candidate: ICECandidateInit{Candidate: "candidate:1", SDPMid: "0", SDPMLineIndex: 0},
	})
	for _, field := range []string{`"candidate"`, `"sdpMid"`, `"sdpMLineIndex"`} {
		if !contains(b, field) {
			t.Errorf("ice payload missing %s: %s", field, b)
		}
	}

	b, _ = json.Marshal(HangupPayload{SenderID: "a", Reason: "hangup"})
	for _, field := range []string{`"senderId"`, `"reason"`} {
		if !contains(b, field) {
			t.Errorf("hangup payload missing %s: %s", field, b)
		}
	}
}

func contains(b []byte, sub string) bool {
	return strings.Contains(string(b), sub)
}
