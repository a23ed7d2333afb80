// Package app assembles the call daemon: config in, signaling client,
// call manager, and the local control API, torn down on context cancel.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/terminalchat/callcore/internal/api"
	"github.com/terminalchat/callcore/internal/call"
	"github.com/terminalchat/callcore/internal/config"
	"github.com/terminalchat/callcore/internal/media"
	"github.com/terminalchat/callcore/internal/signaling"
)

type Options struct {
	CfgPath string
	Cfg     config.Config
}

func Run(ctx context.Context, opt Options) error {
	logBuf := api.NewLogBuffer(800)
	log.SetOutput(io.MultiWriter(os.Stderr, logBuf))

	cfg := opt.Cfg

	token, err := cfg.ResolveToken()
	if err != nil {
		return err
	}

	// ── Signaling client
	// Room subscriptions are (re)established on every connect so that the
	// daemon recovers its topic routing after a relay restart.
	var watchRooms func()
	client := signaling.NewClient(cfg.Signaling.URL, token,
		signaling.WithConnectionCallbacks(
			func() {
				if watchRooms != nil {
					watchRooms()
				}
			},
			func(err error) {
				log.Printf("APP: signaling lost: %v", err)
			},
		))
	defer client.Close()

	// ── Call manager
	mgr := call.New(client, cfg.Identity.PeerID, mediaConfig(cfg, token),
		call.WithQualityInterval(time.Duration(cfg.Quality.IntervalSec)*time.Second))
	defer mgr.Close()

	mgr.OnIncoming(func(inc *call.IncomingCall) {
		log.Printf("APP: incoming %s call from %s on %s", inc.CallType, inc.From, inc.ConversationID)
	})

	watchRooms = func() {
		for _, r := range cfg.Rooms {
			if err := mgr.WatchRoom(r.RoomID, r.ConversationID, r.PeerName); err != nil {
				log.Printf("APP: watch room %s: %v", r.RoomID, err)
			}
		}
	}

	if err := client.Connect(); err != nil {
		// The client keeps redialing; calls fail fast until it succeeds.
		log.Printf("APP: signaling connect: %v (retrying in background)", err)
	}

	// ── Control API
	var srv *http.Server
	if cfg.API.HTTPAddr != "" {
		handler := api.NewServer(mgr).WithLogs(logBuf).Routes()
		srv = &http.Server{Addr: cfg.API.HTTPAddr, Handler: handler}
		go func() {
			log.Printf("APP: control API on http://%s", cfg.API.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("APP: control API: %v", err)
			}
		}()
	}

	log.Printf("APP: running as %s with %d room(s) configured", cfg.Identity.PeerID, len(cfg.Rooms))

	<-ctx.Done()

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}
	return nil
}

func mediaConfig(cfg config.Config, token string) media.Config {
	var servers []webrtc.ICEServer
	if len(cfg.ICE.STUNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: cfg.ICE.STUNURLs})
	}
	if cfg.ICE.TURNURL != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{cfg.ICE.TURNURL},
			Username:   cfg.ICE.TURNUsername,
			Credential: cfg.ICE.TURNPassword,
		})
	}
	if len(servers) == 0 {
		// Nothing configured locally; ask the relay. It knows about its own
		// embedded TURN server and credentials.
		if fetched, err := fetchICEServers(cfg.Signaling.URL, token); err != nil {
			log.Printf("APP: fetch ice servers from relay: %v (using defaults)", err)
		} else {
			servers = fetched
		}
	}
	return media.Config{
		ICEServers:   servers,
		AudioMaxKbps: cfg.Media.AudioMaxKbps,
		VideoMaxKbps: cfg.Media.VideoMaxKbps,
		MaxWidth:     cfg.Media.MaxWidth,
		MaxHeight:    cfg.Media.MaxHeight,
	}
}

// fetchICEServers asks the relay's /api/ice-servers endpoint, deriving the
// HTTP base from the signaling websocket URL.
func fetchICEServers(wsURL, token string) ([]webrtc.ICEServer, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = "/api/ice-servers"

	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	httpClient := &http.Client{Timeout: 5 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relay returned %s", resp.Status)
	}

	var body struct {
		ICEServers []struct {
			URLs       []string `json:"urls"`
			Username   string   `json:"username"`
			Credential string   `json:"credential"`
		} `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}

	servers := make([]webrtc.ICEServer, 0, len(body.ICEServers))
	for _, s := range body.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return servers, nil
}

// Banner prints the startup summary the way the CLI shows it.
func Banner(w io.Writer, cfgPath string, cfg config.Config) {
	fmt.Fprintln(w, "callcored")
	fmt.Fprintf(w, "  config:    %s\n", cfgPath)
	fmt.Fprintf(w, "  peer:      %s\n", cfg.Identity.PeerID)
	fmt.Fprintf(w, "  signaling: %s\n", cfg.Signaling.URL)
	if cfg.API.HTTPAddr != "" {
		fmt.Fprintf(w, "  api:       http://%s\n", cfg.API.HTTPAddr)
	}
	fmt.Fprintln(w)
}
