// Package relay implements the signaling relay: an authenticated websocket
// fan-out that rebroadcasts each peer's offer/answer/candidate/hangup frames
// to the other participant of a room, plus the pairing service that mints
// rooms from matched codes.
package relay

import (
	"encoding/json"
	"log"

	"github.com/terminalchat/callcore/internal/signalwire"
)

// Hub owns all connected clients and their topic subscriptions. A single
// goroutine processes registration and frames, so room state needs no locks.
type Hub struct {
	store *Store

	register   chan *Client
	unregister chan *Client
	frames     chan inboundFrame

	clients map[*Client]struct{}
	topics  map[string]map[*Client]struct{}

	done chan struct{}
}

type inboundFrame struct {
	client *Client
	frame  signalwire.Frame
}

// NewHub creates a Hub backed by the room store.
func NewHub(store *Store) *Hub {
	return &Hub{
		store:      store,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		frames:     make(chan inboundFrame, 64),
		clients:    make(map[*Client]struct{}),
		topics:     make(map[string]map[*Client]struct{}),
		done:       make(chan struct{}),
	}
}

// Run processes hub events until Stop. Call in its own goroutine.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			for c := range h.clients {
				close(c.send)
			}
			return
		case c := <-h.register:
			h.clients[c] = struct{}{}
			log.Printf("RELAY: peer %s connected (%d online)", c.peerID, len(h.clients))
		case c := <-h.unregister:
			if _, ok := h.clients[c]; !ok {
				continue
			}
			delete(h.clients, c)
			for topic := range c.topics {
				h.dropSubscriber(topic, c)
			}
			close(c.send)
			log.Printf("RELAY: peer %s disconnected (%d online)", c.peerID, len(h.clients))
		case in := <-h.frames:
			h.handleFrame(in.client, in.frame)
		}
	}
}

// Stop shuts the hub down.
func (h *Hub) Stop() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

func (h *Hub) handleFrame(c *Client, f signalwire.Frame) {
	switch f.Op {
	case signalwire.OpSubscribe:
		h.subscribe(c, f)
	case signalwire.OpUnsubscribe:
		h.unsubscribe(c, f.ID)
	case signalwire.OpSend:
		h.relay(c, f)
	default:
		log.Printf("RELAY: dropping op %q from %s", f.Op, c.peerID)
	}
}

func (h *Hub) subscribe(c *Client, f signalwire.Frame) {
	roomID, _, ok := signalwire.ParseRoomTopic(f.Destination)
	if !ok {
		c.sendError("unknown topic " + f.Destination)
		return
	}
	if !h.store.IsParticipant(roomID, c.peerID) {
		log.Printf("RELAY: %s is not a participant of %s, subscribe dropped", c.peerID, roomID)
		c.sendError("not a participant of " + roomID)
		return
	}

	if h.topics[f.Destination] == nil {
		h.topics[f.Destination] = make(map[*Client]struct{})
	}
	h.topics[f.Destination][c] = struct{}{}
	c.topics[f.Destination]++
	c.subs[f.ID] = f.Destination
}

func (h *Hub) unsubscribe(c *Client, subID string) {
	topic, ok := c.subs[subID]
	if !ok {
		return
	}
	delete(c.subs, subID)
	c.topics[topic]--
	if c.topics[topic] <= 0 {
		delete(c.topics, topic)
		h.dropSubscriber(topic, c)
	}
}

func (h *Hub) dropSubscriber(topic string, c *Client) {
	if subs := h.topics[topic]; subs != nil {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

// relay validates the sender against the room and rebroadcasts the frame to
// everyone subscribed to the matching room topic.
func (h *Hub) relay(c *Client, f signalwire.Frame) {
	kind, roomID, ok := signalwire.ParseSendDest(f.Destination)
	if !ok {
		log.Printf("RELAY: dropping frame to unknown destination %q from %s", f.Destination, c.peerID)
		return
	}
	if !h.store.IsParticipant(roomID, c.peerID) {
		log.Printf("RELAY: %s is not a participant of %s, frame dropped", c.peerID, roomID)
		return
	}
	if len(f.Body) == 0 || !json.Valid(f.Body) {
		log.Printf("RELAY: dropping frame with invalid body from %s", c.peerID)
		return
	}

	topic := signalwire.BroadcastTopic(kind, roomID)
	out := signalwire.Frame{Op: signalwire.OpMessage, Destination: topic, Body: f.Body}
	for sub := range h.topics[topic] {
		select {
		case sub.send <- out:
		default:
			log.Printf("RELAY: send buffer full for %s, frame dropped", sub.peerID)
		}
	}
}
