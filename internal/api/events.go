package api

import (
	"sync"

	"github.com/terminalchat/callcore/internal/call"
	"github.com/terminalchat/callcore/internal/media"
)

// Event is one entry on the /api/call/events stream.
type Event struct {
	Type           string               `json:"type"` // "incoming", "state" or "quality"
	ConversationID string               `json:"conversationId"`
	State          *call.StateChange    `json:"state,omitempty"`
	Quality        *media.QualitySample `json:"quality,omitempty"`
	From           string               `json:"from,omitempty"`
	CallType       string               `json:"callType,omitempty"`
}

// eventBroker fans manager events out to SSE subscribers. Slow subscribers
// lose events rather than blocking the manager callbacks.
type eventBroker struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func newEventBroker(mgr *call.Manager) *eventBroker {
	b := &eventBroker{subs: make(map[chan Event]struct{})}

	mgr.OnIncoming(func(inc *call.IncomingCall) {
		b.publish(Event{
			Type:           "incoming",
			ConversationID: inc.ConversationID,
			From:           inc.From,
			CallType:       inc.CallType,
		})
	})
	mgr.OnStateChange(func(sc call.StateChange) {
		b.publish(Event{Type: "state", ConversationID: sc.ConversationID, State: &sc})
	})
	mgr.OnQuality(func(conversationID string, sample media.QualitySample) {
		b.publish(Event{Type: "quality", ConversationID: conversationID, Quality: &sample})
	})

	return b
}

func (b *eventBroker) subscribe() (chan Event, func()) {
	ch := make(chan Event, 32)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

func (b *eventBroker) publish(e Event) {
	b.mu.Lock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
	b.mu.Unlock()
}
