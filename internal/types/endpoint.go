package types

import (
	"fmt"
	"net/url"
)

// DefaultSubprotocol is the WebSocket subprotocol the watch companion speaks.
const DefaultSubprotocol = "watch"

// Endpoint identifies the remote peer. It is immutable once created.
type Endpoint struct {
	uri         string
	subprotocol string
	url         url.URL
}

// NewEndpoint validates rawURI as a ws:// or wss:// URL with a host.
// An empty subprotocol falls back to DefaultSubprotocol.
func NewEndpoint(rawURI, subprotocol string) (Endpoint, error) {
	if rawURI == "" {
		return Endpoint{}, fmt.Errorf("peer URI is required")
	}
	u, err := url.Parse(rawURI)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid peer URI %q: %w", rawURI, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return Endpoint{}, fmt.Errorf("invalid peer URI %q: scheme must be ws or wss", rawURI)
	}
	if u.Host == "" {
		return Endpoint{}, fmt.Errorf("invalid peer URI %q: missing host", rawURI)
	}
	if subprotocol == "" {
		subprotocol = DefaultSubprotocol
	}
	return Endpoint{uri: rawURI, subprotocol: subprotocol, url: *u}, nil
}

// URI returns the peer URI exactly as configured.
func (e Endpoint) URI() string { return e.uri }

// Subprotocol returns the subprotocol label offered during the handshake.
func (e Endpoint) Subprotocol() string { return e.subprotocol }

// Host returns host[:port] of the peer.
func (e Endpoint) Host() string { return e.url.Host }

// Key identifies the peer link independently of scheme and query, e.g.
// "192.168.178.81:3000/watch". Bridges targeting the same Key compete for
// the same link lease.
func (e Endpoint) Key() string {
	return e.url.Host + e.url.Path
}

// Redacted returns the URI with any password and query string removed, for logging.
func (e Endpoint) Redacted() string {
	u := e.url
	u.RawQuery = ""
	return u.Redacted()
}

func (e Endpoint) String() string {
	return e.Redacted()
}
