package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/samber/lo"

	"github.com/nugget/emonremote/internal/events"
	"github.com/nugget/emonremote/internal/feed"
	"github.com/nugget/emonremote/internal/mqtt"
)

// runWatch polls the feed list and prints every accepted snapshot to
// stdout. Logs go to stderr so the table stays clean.
func runWatch(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, outputFmt string) error {
	cfg, logger, err := loadWithLogger(stderr, configPath)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := events.New()
	updates := bus.Subscribe(16)
	defer bus.Unsubscribe(updates)

	link := newBrokerLink(mqtt.NewDialer(cfg.MQTT, logger))
	ctrl := newPoller(cfg, link, bus, logger)

	if err := ctrl.Start(ctx, cfg.Session); err != nil {
		return fmt.Errorf("start poller: %w", err)
	}
	defer ctrl.Stop()

	return watchLoop(ctx, stdout, updates, outputFmt, cfg.Poller.Interval(), time.Now)
}

// watchLoop prints the loading notice, then one table per snapshot event,
// until ctx ends or the bus closes.
func watchLoop(ctx context.Context, w io.Writer, updates <-chan events.Event, outputFmt string, interval time.Duration, now func() time.Time) error {
	if outputFmt != "json" {
		fmt.Fprintln(w, feed.LoadingNotice(interval))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-updates:
			if !ok {
				return nil
			}
			if ev.Kind != events.KindSnapshot {
				continue
			}
			snap, ok := ev.Data["snapshot"].(feed.Snapshot)
			if !ok {
				continue
			}
			if outputFmt == "json" {
				if err := json.NewEncoder(w).Encode(snap); err != nil {
					return err
				}
				continue
			}
			if err := writeTable(w, snap, now()); err != nil {
				return err
			}
		}
	}
}

// writeTable renders a snapshot as a tab-aligned table.
func writeTable(w io.Writer, snap feed.Snapshot, now time.Time) error {
	fmt.Fprintf(w, "\nFeeds at %s (%d)\n", snap.ReceivedAt.Local().Format(time.TimeOnly), len(snap.Feeds))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTAG\tUPDATED\tVALUE")

	if len(snap.Feeds) == 0 {
		fmt.Fprintln(tw, "No feeds")
		return tw.Flush()
	}

	lines := lo.Map(snap.Feeds, func(f feed.Feed, _ int) string {
		return strings.Join([]string{
			f.ID,
			f.Name,
			f.Tag,
			feed.FormatUpdated(f.Time, now).Text,
			feed.FormatValue(f.Value),
		}, "\t")
	})
	for _, line := range lines {
		fmt.Fprintln(tw, line)
	}
	return tw.Flush()
}
