package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/polycollector/internal/domain"
)

// EventWhale is the event type whale alerts are filtered under.
const EventWhale = "whale"

// Subscriber delivers payloads published on a channel.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// FormatWhale renders the alert title and body for ev.
func FormatWhale(ev domain.WhaleEvent) (title, message string) {
	title = fmt.Sprintf("Whale tier %d: $%.0f %s", ev.WhaleTier, ev.Notional, ev.Side)
	message = fmt.Sprintf("instrument %s\ntoken %s\n%.2f @ %.3f\n%s",
		ev.InstrumentID, ev.TokenID, ev.Size, ev.Price, ev.Timestamp.UTC().Format("2006-01-02 15:04:05 MST"))
	return title, message
}

// RelayWhales forwards whale events published on channel with at least
// minTier to the notifier until ctx is cancelled.
func (n *Notifier) RelayWhales(ctx context.Context, sub Subscriber, channel string, minTier int) error {
	msgs, err := sub.Subscribe(ctx, channel)
	if err != nil {
		return fmt.Errorf("notify: subscribe %s: %w", channel, err)
	}
	n.logger.InfoContext(ctx, "whale relay started",
		slog.String("channel", channel),
		slog.Int("min_tier", minTier),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-msgs:
			if !ok {
				return ctx.Err()
			}
			var ev domain.WhaleEvent
			if err := json.Unmarshal(payload, &ev); err != nil {
				n.logger.WarnContext(ctx, "undecodable whale event", slog.String("error", err.Error()))
				continue
			}
			if ev.WhaleTier < minTier {
				continue
			}
			title, message := FormatWhale(ev)
			if err := n.Notify(ctx, EventWhale, title, message); err != nil {
				n.logger.WarnContext(ctx, "whale alert failed", slog.String("error", err.Error()))
			}
		}
	}
}
