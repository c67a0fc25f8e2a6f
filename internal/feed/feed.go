// Package feed defines the emoncms feed model exchanged over MQTT: the
// feed records returned by /feed/list.json, the request envelope that
// asks a relay to fetch them, the topic layout shared by requesters and
// relays, and the snapshot type a view renders.
//
// emoncms is loose about JSON types. Depending on engine and version a
// feed id may arrive as "12" or 12, and time/value as numbers, numeric
// strings, or null. Decoding here accepts all of those forms so a single
// odd field does not discard an otherwise good list.
package feed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// DefaultListPath is the emoncms API path a poller requests by default.
const DefaultListPath = "/emoncms/feed/list.json"

// ErrNotList is returned by [ParseList] when the payload is valid JSON
// but not an array of feeds (emoncms error objects look like this).
var ErrNotList = errors.New("payload is not a feed list")

var errNullFeed = errors.New("feed entry is null")

// Feed is one emoncms data feed as shown in the feed table.
type Feed struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	Tag   string   `json:"tag"`
	Time  int64    `json:"time"`
	Value *float64 `json:"value"`
}

// UnmarshalJSON decodes a feed record, tolerating string/number/null
// variants for id, time, and value.
func (f *Feed) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return errNullFeed
	}

	var raw struct {
		ID    json.RawMessage `json:"id"`
		Name  string          `json:"name"`
		Tag   string          `json:"tag"`
		Time  json.RawMessage `json:"time"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	id, err := looseString(raw.ID)
	if err != nil {
		return fmt.Errorf("feed id: %w", err)
	}

	var ts int64
	if v, ok, err := looseNumber(raw.Time); err != nil {
		return fmt.Errorf("feed %s time: %w", id, err)
	} else if ok {
		ts = int64(v)
	}

	var value *float64
	if v, ok, err := looseNumber(raw.Value); err != nil {
		return fmt.Errorf("feed %s value: %w", id, err)
	} else if ok {
		value = &v
	}

	*f = Feed{ID: id, Name: raw.Name, Tag: raw.Tag, Time: ts, Value: value}
	return nil
}

// ParseList decodes a response payload into a feed list. An empty JSON
// array yields a non-nil empty slice so callers can tell "no feeds"
// apart from "no response".
func ParseList(payload []byte) ([]Feed, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("parse feed list: empty payload")
	}

	if trimmed[0] == '{' {
		var apiErr struct {
			Success *bool  `json:"success"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(trimmed, &apiErr); err == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("%w: %s", ErrNotList, apiErr.Message)
		}
		return nil, ErrNotList
	}
	if trimmed[0] != '[' {
		return nil, ErrNotList
	}

	feeds := []Feed{}
	if err := json.Unmarshal(trimmed, &feeds); err != nil {
		return nil, fmt.Errorf("parse feed list: %w", err)
	}
	return feeds, nil
}

// looseString accepts a JSON string or number and returns its text form.
func looseString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}

// looseNumber accepts a JSON number, a numeric string, or null. The
// boolean result is false for null, absent, and empty-string values.
func looseNumber(raw json.RawMessage) (float64, bool, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false, err
		}
		if s == "" {
			return 0, false, nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false, err
		}
		return v, true, nil
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false, err
	}
	return v, true, nil
}
