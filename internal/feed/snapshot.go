package feed

import (
	"slices"
	"time"
)

// Snapshot is the complete feed list from one accepted response. The
// zero value means no response has arrived yet; a loaded snapshot with
// no feeds is a distinct, valid state.
type Snapshot struct {
	Feeds      []Feed    `json:"feeds"`
	Loaded     bool      `json:"loaded"`
	ReceivedAt time.Time `json:"received_at,omitzero"`
	Seq        uint64    `json:"seq"`
}

// NewSnapshot builds a loaded snapshot that owns a private copy of feeds.
func NewSnapshot(feeds []Feed, receivedAt time.Time, seq uint64) Snapshot {
	owned := slices.Clone(feeds)
	if owned == nil {
		owned = []Feed{}
	}
	return Snapshot{
		Feeds:      owned,
		Loaded:     true,
		ReceivedAt: receivedAt,
		Seq:        seq,
	}
}

// Clone returns a deep copy so readers cannot mutate the owner's state.
func (s Snapshot) Clone() Snapshot {
	out := s
	if s.Feeds != nil {
		out.Feeds = make([]Feed, len(s.Feeds))
		for i, f := range s.Feeds {
			if f.Value != nil {
				v := *f.Value
				f.Value = &v
			}
			out.Feeds[i] = f
		}
	}
	return out
}
