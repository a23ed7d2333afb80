package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/terminalchat/callcore/internal/util"
)

type Config struct {
	Identity  Identity  `json:"identity"`
	Signaling Signaling `json:"signaling"`
	ICE       ICE       `json:"ice"`
	Media     Media     `json:"media"`
	Quality   Quality   `json:"quality"`
	API       API       `json:"api"`
	Rooms     []Room    `json:"rooms"`
	Relay     Relay     `json:"relay"`
}

type Identity struct {
	// Stable peer identifier used in signaling payloads and for glare
	// resolution. Must match the identity embedded in the relay token.
	PeerID      string `json:"peer_id"`
	DisplayName string `json:"display_name"`
}

type Signaling struct {
	// Relay websocket endpoint, e.g. ws://localhost:8980/ws.
	URL string `json:"url"`

	// Bearer token for the relay. Either inline or loaded from TokenFile.
	Token     string `json:"token"`
	TokenFile string `json:"token_file"`
}

type ICE struct {
	// STUN/TURN URLs handed to the peer connection. When empty the daemon
	// asks the relay's /api/ice-servers endpoint instead.
	STUNURLs []string `json:"stun_urls"`

	TURNURL      string `json:"turn_url"`
	TURNUsername string `json:"turn_username"`
	TURNPassword string `json:"turn_password"`
}

type Media struct {
	AudioMaxKbps int `json:"audio_max_kbps"`
	VideoMaxKbps int `json:"video_max_kbps"`
	MaxWidth     int `json:"max_width"`
	MaxHeight    int `json:"max_height"`
}

type Quality struct {
	// Sampling cadence for in-call quality stats.
	IntervalSec int `json:"interval_seconds"`
}

type API struct {
	// Local HTTP control surface. Empty disables the API server.
	HTTPAddr string `json:"http_addr"`
}

// Room pre-binds a signaling room to a conversation at startup. More rooms
// can be added at runtime through the API.
type Room struct {
	RoomID         string `json:"room_id"`
	ConversationID string `json:"conversation_id"`
	PeerName       string `json:"peer_name"`
}

// Relay configures the standalone relay daemon. Ignored by the call daemon.
type Relay struct {
	HTTPAddr  string `json:"http_addr"`
	DataDir   string `json:"data_dir"`
	JWTSecret string `json:"jwt_secret"`

	// Embedded TURN server. Disabled when TURNPort is 0.
	TURNPort     int    `json:"turn_port"`
	TURNRealm    string `json:"turn_realm"`
	TURNPublicIP string `json:"turn_public_ip"`
	TURNUsername string `json:"turn_username"`
	TURNPassword string `json:"turn_password"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			PeerID: "peer-" + gonanoid.MustGenerate("abcdefghijklmnopqrstuvwxyz0123456789", 10),
		},
		Signaling: Signaling{
			URL: "ws://127.0.0.1:8980/ws",
		},
		ICE: ICE{
			STUNURLs: []string{"stun:stun.l.google.com:19302"},
		},
		Media: Media{
			AudioMaxKbps: 128,
			VideoMaxKbps: 2500,
			MaxWidth:     640,
			MaxHeight:    480,
		},
		Quality: Quality{
			IntervalSec: 2,
		},
		API: API{
			HTTPAddr: "127.0.0.1:8981",
		},
		Relay: Relay{
			HTTPAddr:  "127.0.0.1:8980",
			DataDir:   "data",
			TURNRealm: "callcore",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.PeerID) == "" {
		return errors.New("identity.peer_id is required")
	}
	if _, err := util.ValidatePeerName(c.Identity.PeerID); err != nil {
		return fmt.Errorf("identity.peer_id: %v", err)
	}

	// Signaling
	if err := validateWSURL(c.Signaling.URL); err != nil {
		return fmt.Errorf("signaling.url: %v", err)
	}
	if c.Signaling.Token != "" && c.Signaling.TokenFile != "" {
		return errors.New("signaling.token and signaling.token_file are mutually exclusive")
	}

	// ICE
	for _, u := range c.ICE.STUNURLs {
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") {
			return fmt.Errorf("ice.stun_urls: %q must start with stun: or stuns:", u)
		}
	}
	if c.ICE.TURNURL != "" {
		if !strings.HasPrefix(c.ICE.TURNURL, "turn:") && !strings.HasPrefix(c.ICE.TURNURL, "turns:") {
			return errors.New("ice.turn_url must start with turn: or turns:")
		}
		if c.ICE.TURNUsername == "" || c.ICE.TURNPassword == "" {
			return errors.New("ice.turn_url requires ice.turn_username and ice.turn_password")
		}
	}

	// Media
	if c.Media.AudioMaxKbps <= 0 {
		return errors.New("media.audio_max_kbps must be > 0")
	}
	if c.Media.VideoMaxKbps <= 0 {
		return errors.New("media.video_max_kbps must be > 0")
	}
	if c.Media.MaxWidth <= 0 || c.Media.MaxHeight <= 0 {
		return errors.New("media.max_width and media.max_height must be > 0")
	}

	// Quality
	if c.Quality.IntervalSec <= 0 {
		return errors.New("quality.interval_seconds must be > 0")
	}

	// API
	if c.API.HTTPAddr != "" {
		if _, _, err := net.SplitHostPort(c.API.HTTPAddr); err != nil {
			return fmt.Errorf("api.http_addr: %v", err)
		}
	}

	// Rooms
	for i, r := range c.Rooms {
		if strings.TrimSpace(r.RoomID) == "" {
			return fmt.Errorf("rooms[%d].room_id is required", i)
		}
		if strings.TrimSpace(r.ConversationID) == "" {
			return fmt.Errorf("rooms[%d].conversation_id is required", i)
		}
	}

	// Relay
	if c.Relay.HTTPAddr != "" {
		if _, _, err := net.SplitHostPort(c.Relay.HTTPAddr); err != nil {
			return fmt.Errorf("relay.http_addr: %v", err)
		}
	}
	if c.Relay.TURNPort != 0 {
		if c.Relay.TURNPort < 1 || c.Relay.TURNPort > 65535 {
			return errors.New("relay.turn_port must be 1..65535")
		}
		if c.Relay.TURNUsername == "" || c.Relay.TURNPassword == "" {
			return errors.New("relay.turn_port requires relay.turn_username and relay.turn_password")
		}
		if strings.TrimSpace(c.Relay.TURNRealm) == "" {
			return errors.New("relay.turn_realm is required when the TURN server is enabled")
		}
	}

	return nil
}

func validateWSURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// ResolveToken returns the signaling token, reading TokenFile when set.
func (c *Config) ResolveToken() (string, error) {
	if c.Signaling.TokenFile == "" {
		return c.Signaling.Token, nil
	}
	b, err := os.ReadFile(c.Signaling.TokenFile)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
