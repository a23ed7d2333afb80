package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/terminalchat/callcore/internal/call"
	"github.com/terminalchat/callcore/internal/signalwire"
)

// Server is the local HTTP control surface for the call daemon.
type Server struct {
	mgr    *call.Manager
	broker *eventBroker
	logs   *LogBuffer
}

func NewServer(mgr *call.Manager) *Server {
	return &Server{mgr: mgr, broker: newEventBroker(mgr)}
}

// WithLogs exposes a log buffer on /api/logs and /api/logs/stream.
func (s *Server) WithLogs(b *LogBuffer) *Server {
	s.logs = b
	return s
}

// Routes builds the API mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	// POST /api/rooms/watch — bind a signaling room to a conversation.
	handlePost(mux, "/api/rooms/watch", func(w http.ResponseWriter, r *http.Request, req struct {
		RoomID         string `json:"room_id"`
		ConversationID string `json:"conversation_id"`
		PeerName       string `json:"peer_name"`
	}) {
		if req.RoomID == "" || req.ConversationID == "" {
			http.Error(w, "missing room_id or conversation_id", http.StatusBadRequest)
			return
		}
		if err := s.mgr.WatchRoom(req.RoomID, req.ConversationID, req.PeerName); err != nil {
			http.Error(w, fmt.Sprintf("watch room failed: %v", err), callErrStatus(err))
			return
		}
		writeJSON(w, map[string]string{"status": "watching", "room_id": req.RoomID})
	})

	// POST /api/call/start — room_id/peer_name bind the room inline when the
	// conversation was not pre-watched.
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
		RoomID         string `json:"room_id"`
		PeerName       string `json:"peer_name"`
		Kind           string `json:"kind"`
	}) {
		if req.ConversationID == "" {
			http.Error(w, "missing conversation_id", http.StatusBadRequest)
			return
		}
		if req.RoomID != "" {
			if err := s.mgr.WatchRoom(req.RoomID, req.ConversationID, req.PeerName); err != nil {
				http.Error(w, fmt.Sprintf("watch room failed: %v", err), callErrStatus(err))
				return
			}
		}
		kind := req.Kind
		if kind == "" {
			kind = signalwire.CallTypeVideo
		}
		if kind != signalwire.CallTypeVoice && kind != signalwire.CallTypeVideo {
			http.Error(w, "kind must be voice or video", http.StatusBadRequest)
			return
		}
		sess, err := s.mgr.StartCall(req.ConversationID, kind)
		if err != nil {
			http.Error(w, fmt.Sprintf("start call failed: %v", err), callErrStatus(err))
			return
		}
		writeJSON(w, sess.Info())
	})

	// POST /api/call/accept
	handlePost(mux, "/api/call/accept", s.sessionAction(func(sess *call.Session) error {
		return sess.Accept()
	}))

	// POST /api/call/reject
	handlePost(mux, "/api/call/reject", s.sessionAction(func(sess *call.Session) error {
		return sess.Reject()
	}))

	// POST /api/call/hangup
	handlePost(mux, "/api/call/hangup", s.sessionAction(func(sess *call.Session) error {
		return sess.Hangup()
	}))

	// POST /api/call/toggle-mute
	handlePost(mux, "/api/call/toggle-mute", func(w http.ResponseWriter, r *http.Request, req sessionRequest) {
		sess, ok := s.lookup(w, req)
		if !ok {
			return
		}
		muted, err := sess.ToggleMute()
		if err != nil {
			http.Error(w, fmt.Sprintf("toggle mute failed: %v", err), callErrStatus(err))
			return
		}
		writeJSON(w, map[string]bool{"muted": muted})
	})

	// POST /api/call/toggle-video
	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, req sessionRequest) {
		sess, ok := s.lookup(w, req)
		if !ok {
			return
		}
		off, err := sess.ToggleVideo()
		if err != nil {
			http.Error(w, fmt.Sprintf("toggle video failed: %v", err), callErrStatus(err))
			return
		}
		writeJSON(w, map[string]bool{"video_off": off})
	})

	// GET /api/call/status — every live session with its latest quality sample.
	handleGet(mux, "/api/call/status", func(w http.ResponseWriter, r *http.Request) {
		sessions := s.mgr.Sessions()
		writeJSON(w, map[string]any{
			"session_count": len(sessions),
			"sessions":      sessions,
		})
	})

	// GET /api/call/events — SSE stream of incoming/state/quality events.
	handleGet(mux, "/api/call/events", s.handleEvents)

	if s.logs != nil {
		registerLogRoutes(mux, s.logs)
	}

	return mux
}

type sessionRequest struct {
	ConversationID string `json:"conversation_id"`
}

func (s *Server) lookup(w http.ResponseWriter, req sessionRequest) (*call.Session, bool) {
	if req.ConversationID == "" {
		http.Error(w, "missing conversation_id", http.StatusBadRequest)
		return nil, false
	}
	sess, ok := s.mgr.Session(req.ConversationID)
	if !ok {
		http.Error(w, "no active call for conversation", http.StatusNotFound)
		return nil, false
	}
	return sess, true
}

func (s *Server) sessionAction(action func(*call.Session) error) func(http.ResponseWriter, *http.Request, sessionRequest) {
	return func(w http.ResponseWriter, r *http.Request, req sessionRequest) {
		sess, ok := s.lookup(w, req)
		if !ok {
			return
		}
		if err := action(sess); err != nil {
			http.Error(w, err.Error(), callErrStatus(err))
			return
		}
		writeJSON(w, map[string]string{"status": "ok", "conversation_id": req.ConversationID})
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := s.broker.subscribe()
	defer cancel()

	// No snapshot. Tail only — clients read /api/call/status for current state.
	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, e)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, e Event) {
	b, _ := json.Marshal(e)
	_, _ = w.Write([]byte("event: message\n"))
	_, _ = w.Write([]byte("data: " + string(b) + "\n\n"))
}

func callErrStatus(err error) int {
	switch {
	case errors.Is(err, call.ErrCallInProgress):
		return http.StatusConflict
	case errors.Is(err, call.ErrEnded), errors.Is(err, call.ErrNoLocalTrack):
		return http.StatusConflict
	case errors.Is(err, call.ErrRoomNotWatched), errors.Is(err, call.ErrNoSession):
		return http.StatusNotFound
	case errors.Is(err, call.ErrSignalingNotReady):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
