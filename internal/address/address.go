// Package address parses and builds the connection addresses of a lobby
// session: the plain "<lobbyId>:<secret>" form and the URI form
// "discord://<lobbyId>/?<secret>".
package address

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Scheme is the URI scheme of a lobby session address.
const Scheme = "discord"

var ErrInvalidAddress = errors.New("invalid address")

// Address targets a single lobby session.
type Address struct {
	LobbyID int64
	Secret  string
}

// String returns the plain form, which doubles as the activity secret of the
// lobby service.
func (a Address) String() string {
	return strconv.FormatInt(a.LobbyID, 10) + ":" + a.Secret
}

// URI returns the advertised form, with the lobby id as host and the escaped
// secret as query.
func (a Address) URI() *url.URL {
	return &url.URL{
		Scheme:   Scheme,
		Host:     strconv.FormatInt(a.LobbyID, 10),
		Path:     "/",
		RawQuery: url.QueryEscape(a.Secret),
	}
}

// Parse accepts the plain form, and the URI form when the input contains a
// scheme separator.
func Parse(s string) (Address, error) {
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return Address{}, fmt.Errorf("%w %q, use %s://lobbyID/?secret: %w", ErrInvalidAddress, s, Scheme, err)
		}
		return ParseURI(u)
	}
	return ParsePlain(s)
}

// ParsePlain parses "<lobbyId>:<secret>". Exactly two colon separated fields
// are required.
func ParsePlain(s string) (Address, error) {
	fields := strings.Split(s, ":")
	if len(fields) != 2 {
		return Address{}, fmt.Errorf("%w %q, use lobbyID:secret", ErrInvalidAddress, s)
	}
	lobbyID, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Address{}, fmt.Errorf("%w %q, lobbyID must be a number", ErrInvalidAddress, s)
	}
	return Address{LobbyID: lobbyID, Secret: fields[1]}, nil
}

// ParseURI parses "discord://<lobbyId>/?<secret>".
func ParseURI(u *url.URL) (Address, error) {
	if u == nil || u.Scheme != Scheme {
		return Address{}, fmt.Errorf("%w %v, use %s://lobbyID/?secret", ErrInvalidAddress, u, Scheme)
	}
	lobbyID, err := strconv.ParseInt(u.Host, 10, 64)
	if err != nil {
		return Address{}, fmt.Errorf("%w %v, lobbyID must be a number", ErrInvalidAddress, u)
	}
	secret, err := url.QueryUnescape(strings.TrimPrefix(u.RawQuery, "?"))
	if err != nil {
		return Address{}, fmt.Errorf("%w %v, malformed secret: %w", ErrInvalidAddress, u, err)
	}
	return Address{LobbyID: lobbyID, Secret: secret}, nil
}
