package web

import (
	"encoding/json"
	"html/template"
	"net/http"
	"time"

	"github.com/samber/lo"

	"github.com/nugget/emonremote/internal/buildinfo"
	"github.com/nugget/emonremote/internal/feed"
)

// PageData carries fields every page's layout needs.
type PageData struct {
	Title   string
	Version string
}

// FeedsData is the template context for the feed table.
type FeedsData struct {
	PageData
	State      string
	Loaded     bool
	Loading    string
	Rows       []FeedRow
	ReceivedAt time.Time
}

// FeedRow is one table row, formatted for display.
type FeedRow struct {
	ID           string
	Name         string
	Tag          string
	Updated      string
	UpdatedColor template.CSS
	Value        string
}

// feedRows formats a snapshot's feeds relative to now.
func feedRows(feeds []feed.Feed, now time.Time) []FeedRow {
	return lo.Map(feeds, func(f feed.Feed, _ int) FeedRow {
		updated := feed.FormatUpdated(f.Time, now)
		return FeedRow{
			ID:           f.ID,
			Name:         f.Name,
			Tag:          f.Tag,
			Updated:      updated.Text,
			UpdatedColor: template.CSS(updated.Color),
			Value:        feed.FormatValue(f.Value),
		}
	})
}

// feedsData builds the template context from the current snapshot.
func (s *WebServer) feedsData() FeedsData {
	snap := s.snapshotFunc()
	data := FeedsData{
		PageData: PageData{
			Title:   "Feeds",
			Version: buildinfo.Version,
		},
		Loaded:     snap.Loaded,
		Loading:    feed.LoadingNotice(s.pollInterval),
		ReceivedAt: snap.ReceivedAt,
	}
	if s.stateFunc != nil {
		data.State = s.stateFunc()
	}
	if snap.Loaded {
		data.Rows = feedRows(snap.Feeds, s.now())
	}
	return data
}

// handleFeeds renders the feed table page at "/".
func (s *WebServer) handleFeeds(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, "feeds.html", s.feedsData())
}

// feedsResponse is the /feeds.json body.
type feedsResponse struct {
	State    string        `json:"state,omitempty"`
	Snapshot feed.Snapshot `json:"snapshot"`
}

// handleFeedsJSON returns the raw snapshot.
func (s *WebServer) handleFeedsJSON(w http.ResponseWriter, r *http.Request) {
	resp := feedsResponse{Snapshot: s.snapshotFunc()}
	if s.stateFunc != nil {
		resp.State = s.stateFunc()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
