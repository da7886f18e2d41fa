package linkup

import "strings"

const separator = "/"

// Endpoint names a rendezvous point: a relay server URL plus a linkup id on
// that server.
//
// ServerURL is kept without a trailing separator so that endpoints built from
// "wss://relay/" and "wss://relay" share a Connection.
type Endpoint struct {
	ServerURL string
	LinkupID  string
}

func NewEndpoint(serverURL, linkupID string) Endpoint {
	return Endpoint{
		ServerURL: strings.TrimSuffix(serverURL, separator),
		LinkupID:  linkupID,
	}
}

// ParseEndpoint splits a full address such as "wss://relay.example/room-42"
// into its server URL and linkup id. The last path segment becomes the linkup
// id; a single trailing separator is ignored.
//
// Malformed input produces an Endpoint for which Valid reports false.
func ParseEndpoint(address string) Endpoint {
	address = strings.TrimSuffix(address, separator)
	i := strings.LastIndex(address, separator)
	if i < 0 {
		return Endpoint{LinkupID: address}
	}
	return NewEndpoint(address[:i], address[i+1:])
}

// URL composes the full address, inserting exactly one separator between the
// server URL and the linkup id.
func (e Endpoint) URL() string {
	if strings.HasSuffix(e.ServerURL, separator) {
		return e.ServerURL + e.LinkupID
	}
	return e.ServerURL + separator + e.LinkupID
}

func (e Endpoint) String() string { return e.URL() }

func (e Endpoint) Valid() bool {
	return e.ServerURL != "" && e.LinkupID != ""
}

// wireServerURL is the reply server URL advertised in send messages. Peers
// expect it with a trailing separator.
func (e Endpoint) wireServerURL() string {
	if e.ServerURL == "" || strings.HasSuffix(e.ServerURL, separator) {
		return e.ServerURL
	}
	return e.ServerURL + separator
}

func serverKey(serverURL string) string {
	return strings.TrimSuffix(serverURL, separator)
}
