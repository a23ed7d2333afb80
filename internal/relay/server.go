package relay

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	pairingCodeLen = 8
	pairingCodeTTL = 10 * time.Minute
	tokenTTL       = 24 * time.Hour
	roomIDLen      = 21
)

// Server exposes the relay over HTTP: the signaling websocket, the pairing
// endpoints, and ICE server discovery.
type Server struct {
	hub    *Hub
	store  *Store
	secret []byte
	turn   *TURNServer // nil when TURN is disabled

	upgrader websocket.Upgrader
}

// NewServer wires a relay Server. turn may be nil.
func NewServer(hub *Hub, store *Store, secret []byte, turn *TURNServer) *Server {
	return &Server{
		hub:    hub,
		store:  store,
		secret: secret,
		turn:   turn,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Routes registers all relay endpoints on a fresh mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/pair/new", s.handlePairNew)
	mux.HandleFunc("/api/pair/join", s.handlePairJoin)
	mux.HandleFunc("/api/pair/status", s.handlePairStatus)
	mux.HandleFunc("/api/ice-servers", s.handleICEServers)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// bearerPeer authenticates a request by its Authorization header.
func (s *Server) bearerPeer(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || raw == "" {
		return "", ErrBadToken
	}
	return VerifyToken(s.secret, raw)
}

// handleWS upgrades an authenticated peer onto the signaling hub.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	peerID, err := s.bearerPeer(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("RELAY: upgrade for %s: %v", peerID, err)
		return
	}

	c := newClient(s.hub, conn, peerID)
	s.hub.register <- c
	go c.writePump()
	go c.readPump()
}

// handlePairNew issues a pairing code and a bearer token for its creator.
func (s *Server) handlePairNew(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req struct {
		PeerID string `json:"peerId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PeerID == "" {
		writeError(w, http.StatusBadRequest, "peerId required")
		return
	}

	code, err := gonanoid.Generate("23456789ABCDEFGHJKLMNPQRSTUVWXYZ", pairingCodeLen)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "code generation failed")
		return
	}
	if err := s.store.CreateCode(code, req.PeerID, pairingCodeTTL); err != nil {
		log.Printf("RELAY: create code: %v", err)
		writeError(w, http.StatusInternalServerError, "pairing unavailable")
		return
	}
	token, err := MintToken(s.secret, req.PeerID, tokenTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token mint failed")
		return
	}

	log.Printf("RELAY: pairing code issued to %s", req.PeerID)
	writeJSON(w, http.StatusOK, map[string]any{
		"code":      code,
		"token":     token,
		"expiresAt": time.Now().Add(pairingCodeTTL).UTC(),
	})
}

// handlePairJoin matches a code, creates the room, and returns the room ID
// with a bearer token for the joiner.
func (s *Server) handlePairJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req struct {
		Code   string `json:"code"`
		PeerID string `json:"peerId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" || req.PeerID == "" {
		writeError(w, http.StatusBadRequest, "code and peerId required")
		return
	}

	roomID, err := gonanoid.New(roomIDLen)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "room generation failed")
		return
	}
	creatorID, err := s.store.MatchCode(strings.ToUpper(req.Code), req.PeerID, roomID)
	switch {
	case errors.Is(err, ErrCodeNotFound), errors.Is(err, ErrCodeExpired):
		writeError(w, http.StatusNotFound, "code not found or expired")
		return
	case errors.Is(err, ErrCodeUsed):
		writeError(w, http.StatusConflict, "code already used")
		return
	case err != nil:
		log.Printf("RELAY: match code: %v", err)
		writeError(w, http.StatusInternalServerError, "pairing unavailable")
		return
	}
	token, err := MintToken(s.secret, req.PeerID, tokenTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token mint failed")
		return
	}

	log.Printf("RELAY: room %s paired (%s ↔ %s)", roomID, creatorID, req.PeerID)
	writeJSON(w, http.StatusOK, map[string]string{
		"roomId": roomID,
		"token":  token,
	})
}

// handlePairStatus lets the code creator poll for the match result.
func (s *Server) handlePairStatus(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "code required")
		return
	}
	roomID, matched, err := s.store.CodeStatus(strings.ToUpper(code))
	if errors.Is(err, ErrCodeNotFound) {
		writeError(w, http.StatusNotFound, "code not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "pairing unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"matched": matched,
		"roomId":  roomID,
	})
}

// handleICEServers hands authenticated peers the STUN/TURN configuration.
func (s *Server) handleICEServers(w http.ResponseWriter, r *http.Request) {
	if _, err := s.bearerPeer(r); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	type iceServer struct {
		URLs       []string `json:"urls"`
		Username   string   `json:"username,omitempty"`
		Credential string   `json:"credential,omitempty"`
	}
	servers := []iceServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
	}
	if s.turn != nil {
		creds := s.turn.Credentials()
		servers = append(servers, iceServer{
			URLs:       []string{s.turn.URL()},
			Username:   creds.Username,
			Credential: creds.Password,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"iceServers": servers})
}
