package feed

import (
	"encoding/json"
	"strings"
)

// Request asks a relay to perform an emoncms API call on behalf of the
// client identified by ClientID. Parameters is an optional query string
// (without the leading "?") appended by the relay.
type Request struct {
	ClientID   string `json:"clientId"`
	Path       string `json:"path"`
	Parameters string `json:"parameters,omitempty"`
}

// Marshal renders the request as the JSON text published on the request
// topic.
func (r Request) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// RequestTopic is the topic a user's relay listens on.
func RequestTopic(username string) string {
	return "user/" + username + "/request"
}

// ResponseTopic is the topic a single client instance listens on for
// replies. Scoping by client ID keeps concurrent viewers of the same
// user from seeing each other's responses.
func ResponseTopic(username, clientID string) string {
	return ResponsePrefix(username) + clientID
}

// ResponsePrefix is the common prefix of every response topic for
// username.
func ResponsePrefix(username string) string {
	return "user/" + username + "/response/"
}

// IsResponseTopicFor reports whether topic lies in username's response
// namespace and names a non-empty, single-level client ID.
func IsResponseTopicFor(topic, username string) bool {
	rest, ok := strings.CutPrefix(topic, ResponsePrefix(username))
	return ok && rest != "" && !strings.ContainsAny(rest, "/+#")
}
