package relay

import (
	"fmt"
	"log"
	"net"

	"github.com/pion/turn/v4"
)

// TURNServer is the embedded relay-path fallback for peers whose NATs defeat
// direct and STUN-assisted connectivity.
type TURNServer struct {
	server *turn.Server
	port   int
	realm  string
	creds  TURNCredentials
}

// TURNCredentials is the long-term credential pair handed to peers.
type TURNCredentials struct {
	Username string
	Password string
}

// StartTURN runs an embedded TURN server on the given UDP port. publicIP is
// the address allocations are relayed from; when empty, the first non-loopback
// interface address is used.
func StartTURN(port int, realm, publicIP, username, password string) (*TURNServer, error) {
	udpListener, err := net.ListenPacket("udp4", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return nil, fmt.Errorf("turn listener: %w", err)
	}

	relayIP := net.ParseIP(publicIP)
	if relayIP == nil {
		relayIP = localIP()
	}

	authKey := turn.GenerateAuthKey(username, realm, password)
	srv, err := turn.NewServer(turn.ServerConfig{
		Realm: realm,
		AuthHandler: func(user, r string, _ net.Addr) ([]byte, bool) {
			if user == username {
				return authKey, true
			}
			return nil, false
		},
		PacketConnConfigs: []turn.PacketConnConfig{
			{
				PacketConn: udpListener,
				RelayAddressGenerator: &turn.RelayAddressGeneratorStatic{
					RelayAddress: relayIP,
					Address:      "0.0.0.0",
				},
			},
		},
	})
	if err != nil {
		udpListener.Close()
		return nil, fmt.Errorf("turn server: %w", err)
	}

	log.Printf("RELAY: TURN listening on udp/%d, relay address %s", port, relayIP)
	return &TURNServer{
		server: srv,
		port:   port,
		realm:  realm,
		creds:  TURNCredentials{Username: username, Password: password},
	}, nil
}

// URL is the turn: URI peers put in their ICE server list.
func (t *TURNServer) URL() string {
	return fmt.Sprintf("turn:%s:%d", t.realm, t.port)
}

// Credentials returns the long-term credential pair.
func (t *TURNServer) Credentials() TURNCredentials { return t.creds }

// Close shuts the TURN server down.
func (t *TURNServer) Close() error { return t.server.Close() }

func localIP() net.IP {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return net.IPv4(127, 0, 0, 1)
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			return ipnet.IP.To4()
		}
	}
	return net.IPv4(127, 0, 0, 1)
}
