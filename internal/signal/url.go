package signal

import (
	"fmt"
	"net/url"

	"github.com/sfukit/sfuclient/internal/domain"
)

// DefaultPath is used when the base URL carries no path.
const DefaultPath = "/ws"

// URL builds the signaling endpoint for a peer. An http base maps to ws and
// https to wss, so a client follows the security of the page or service that
// configured it.
func URL(base string, peer domain.PeerID) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse signal url: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("signal url %q: unsupported scheme %q", base, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("signal url %q: missing host", base)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = DefaultPath
	}

	q := u.Query()
	q.Set("peer", string(peer))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
