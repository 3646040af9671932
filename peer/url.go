package peer

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/google/uuid"
)

// ErrInvalidPeerURL is returned by ParsePeerURL when the URL is missing a
// host or carries a user component that does not parse as a UUID.
var ErrInvalidPeerURL = fmt.Errorf("peer: invalid peer URL")

// ParsedURL is the decomposed form of a peer URL: scheme://<uuid>@<host>:<port>/.
type ParsedURL struct {
	Raw    string
	Scheme string
	UUID   uuid.UUID
	Host   string
	Port   int
}

// ParsePeerURL validates and decomposes a "scheme://<uuid>@<host>:<port>/"
// peer URL. A missing or zero port is accepted here and left as Port==0:
// advance() explicitly handles a zero-port peer by transitioning it to
// ignored("does not accept incoming") rather than by refusing to construct
// the Peer at all, so URL validity only requires the port to be a
// well-formed field, not a positive one.
func ParsePeerURL(raw string) (ParsedURL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return ParsedURL{}, fmt.Errorf("%w: %v", ErrInvalidPeerURL, err)
	}
	if u.Hostname() == "" {
		return ParsedURL{}, fmt.Errorf("%w: missing host", ErrInvalidPeerURL)
	}
	port := 0
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port < 0 {
			return ParsedURL{}, fmt.Errorf("%w: malformed port", ErrInvalidPeerURL)
		}
	}
	if u.User == nil || u.User.Username() == "" {
		return ParsedURL{}, fmt.Errorf("%w: missing uuid user component", ErrInvalidPeerURL)
	}
	id, err := uuid.Parse(u.User.Username())
	if err != nil {
		return ParsedURL{}, fmt.Errorf("%w: user component is not a uuid: %v", ErrInvalidPeerURL, err)
	}
	return ParsedURL{
		Raw:    raw,
		Scheme: u.Scheme,
		UUID:   id,
		Host:   u.Hostname(),
		Port:   port,
	}, nil
}

// Address returns the host:port dial target.
func (p ParsedURL) Address() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// BuildPeerURL renders the canonical peer URL for a node with the given
// scheme, uuid, host and port.
func BuildPeerURL(scheme string, id uuid.UUID, host string, port int) string {
	u := url.URL{
		Scheme: scheme,
		User:   url.User(id.String()),
		Host:   fmt.Sprintf("%s:%d", host, port),
		Path:   "/",
	}
	return u.String()
}
