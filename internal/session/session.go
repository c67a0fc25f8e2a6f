// Package session holds the pre-authenticated broker credentials a
// viewer runs under and the client identifiers derived from them.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// DefaultClientPrefix is prepended to generated client identifiers.
const DefaultClientPrefix = "emonremote_"

// ErrNoUsername is returned by [Session.Validate] for an empty username.
var ErrNoUsername = errors.New("session: username is required")

// Session is the authenticated context a viewer is handed. It is
// immutable for the lifetime of the viewer.
type Session struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
}

// Validate checks that the session can be used to build topics. The
// username becomes a topic level, so MQTT wildcard and separator
// characters are rejected.
func (s Session) Validate() error {
	if s.Username == "" {
		return ErrNoUsername
	}
	if strings.ContainsAny(s.Username, "/+#") {
		return fmt.Errorf("session: username %q contains topic separator or wildcard", s.Username)
	}
	return nil
}

// IDFunc generates a client identifier for username. Tests inject a
// deterministic implementation to assert exact topic strings.
type IDFunc func(username string) (string, error)

// RandomID returns an IDFunc producing "<prefix><username>_<8 hex>"
// identifiers. There is no collision detection: two viewers drawing the
// same 32-bit suffix would share a response topic.
func RandomID(prefix string) IDFunc {
	return func(username string) (string, error) {
		var b [4]byte
		if _, err := rand.Read(b[:]); err != nil {
			return "", fmt.Errorf("generate client id: %w", err)
		}
		return prefix + username + "_" + hex.EncodeToString(b[:]), nil
	}
}

// FixedID returns an IDFunc that always yields id.
func FixedID(id string) IDFunc {
	return func(string) (string, error) { return id, nil }
}
