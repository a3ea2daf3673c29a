// Package notify delivers whale alerts to chat channels. Alerts are
// filtered by event type and throttled so a burst of large trades cannot
// flood a channel.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/polycollector/internal/resilience"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// A channel failing three times in a row is left alone for five minutes.
const (
	senderFailureThreshold = 3
	senderRecovery         = 5 * time.Minute
)

type guardedSender struct {
	Sender
	breaker *resilience.CircuitBreaker
}

// Notifier dispatches to every Sender. Only events in the allowed set pass;
// an empty set allows everything.
type Notifier struct {
	senders    []guardedSender
	events     map[string]bool
	limiter    *rate.Limiter
	suppressed atomic.Int64
	logger     *slog.Logger
}

// NewNotifier creates a Notifier that forwards at most perMinute alerts a
// minute. perMinute <= 0 disables throttling.
func NewNotifier(senders []Sender, events []string, perMinute int, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	limit := rate.Inf
	burst := 1
	if perMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(perMinute))
		burst = perMinute
	}
	logger = logger.With(slog.String("component", "notifier"))
	guarded := make([]guardedSender, 0, len(senders))
	for _, s := range senders {
		guarded = append(guarded, guardedSender{
			Sender: s,
			breaker: resilience.NewCircuitBreaker(resilience.BreakerConfig{
				Name:             "notify_" + s.Name(),
				FailureThreshold: senderFailureThreshold,
				RecoveryTimeout:  senderRecovery,
				HalfOpenMaxCalls: 1,
			}, logger),
		})
	}
	return &Notifier{
		senders: guarded,
		events:  allowed,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool { return len(n.senders) > 0 }

// Suppressed returns how many alerts the throttle has dropped.
func (n *Notifier) Suppressed() int64 { return n.suppressed.Load() }

// Notify sends an alert for event unless it is filtered or throttled.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	if !n.limiter.Allow() {
		n.suppressed.Add(1)
		n.logger.DebugContext(ctx, "alert throttled", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// dispatch sends to every sender; one failure does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []string
	for _, s := range n.senders {
		err := s.breaker.Execute(ctx, func(ctx context.Context) error {
			return s.Send(ctx, title, message)
		})
		if err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
