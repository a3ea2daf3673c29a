package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/polycollector/internal/domain"
)

const archiveLockKey = "archive"

// archiveLockTTL bounds how long one replica may hold the archive lock.
const archiveLockTTL = 2 * time.Hour

// Archiver exports snapshots older than the retention window to cold
// storage on a cron schedule. Only one replica runs an export at a time.
type Archiver struct {
	blobArchiver  domain.Archiver
	locks         domain.LockManager
	retentionDays int
	logger        *slog.Logger
	now           func() time.Time
}

// NewArchiver creates a new Archiver. locks may be nil for a single
// process deployment.
func NewArchiver(blobArchiver domain.Archiver, locks domain.LockManager, retentionDays int, logger *slog.Logger) *Archiver {
	return &Archiver{
		blobArchiver:  blobArchiver,
		locks:         locks,
		retentionDays: retentionDays,
		logger:        logger.With(slog.String("component", "archiver")),
		now:           time.Now,
	}
}

// Run executes a single archive run. It reports false when another replica
// held the lock.
func (a *Archiver) Run(ctx context.Context) (bool, error) {
	cutoff := a.now().UTC().Add(-time.Duration(a.retentionDays) * 24 * time.Hour)

	run := func(ctx context.Context) error {
		a.logger.InfoContext(ctx, "starting archive run",
			slog.Time("cutoff", cutoff),
			slog.Int("retention_days", a.retentionDays),
		)
		n, err := a.blobArchiver.ArchiveSnapshots(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("pipeline: archive snapshots before %s: %w", cutoff.Format(time.RFC3339), err)
		}
		a.logger.InfoContext(ctx, "archive run complete", slog.Int64("snapshots_archived", n))
		return nil
	}

	if a.locks == nil {
		return true, run(ctx)
	}
	return domain.WithLock(ctx, a.locks, archiveLockKey, archiveLockTTL, run)
}

// RunCron runs the archiver on a 5-field cron schedule (minute hour
// day-of-month month day-of-week, UTC) until ctx is cancelled.
func (a *Archiver) RunCron(ctx context.Context, cronExpr string) error {
	sched, err := ParseCron(cronExpr)
	if err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "archiver cron started", slog.String("cron", cronExpr))

	for {
		next, err := sched.Next(a.now().UTC())
		if err != nil {
			return err
		}
		wait := time.Until(next)
		a.logger.DebugContext(ctx, "archiver waiting for next trigger",
			slog.Time("next_run", next),
			slog.Duration("wait", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		ran, err := a.Run(ctx)
		switch {
		case err != nil:
			a.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
		case !ran:
			a.logger.InfoContext(ctx, "archive run skipped, lock held elsewhere")
		}
	}
}

// cronField matches one field of a cron expression.
type cronField struct {
	wildcard bool
	values   map[int]bool
}

func (f cronField) matches(v int) bool {
	return f.wildcard || f.values[v]
}

// parseCronField parses "*", "*/n", "a", "a-b", "a-b/n" and comma lists of
// those, bounded to [lo, hi].
func parseCronField(field string, lo, hi int) (cronField, error) {
	if field == "*" {
		return cronField{wildcard: true}, nil
	}

	f := cronField{values: make(map[int]bool)}
	for _, part := range strings.Split(field, ",") {
		part = strings.TrimSpace(part)
		step := 1
		if base, s, ok := strings.Cut(part, "/"); ok {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				return cronField{}, fmt.Errorf("invalid step %q", part)
			}
			step, part = n, base
		}

		from, to := lo, hi
		switch {
		case part == "*":
		case strings.Contains(part, "-"):
			a, b, _ := strings.Cut(part, "-")
			var err1, err2 error
			from, err1 = strconv.Atoi(a)
			to, err2 = strconv.Atoi(b)
			if err1 != nil || err2 != nil || from > to {
				return cronField{}, fmt.Errorf("invalid range %q", part)
			}
		default:
			v, err := strconv.Atoi(part)
			if err != nil {
				return cronField{}, fmt.Errorf("invalid value %q", part)
			}
			from, to = v, v
			if step > 1 {
				to = hi
			}
		}
		if from < lo || to > hi {
			return cronField{}, fmt.Errorf("value %q outside [%d,%d]", part, lo, hi)
		}
		for v := from; v <= to; v += step {
			f.values[v] = true
		}
	}
	return f, nil
}

// CronSchedule is a parsed 5-field cron expression.
type CronSchedule struct {
	minute     cronField
	hour       cronField
	dayOfMonth cronField
	month      cronField
	dayOfWeek  cronField
}

// ParseCron parses a 5-field cron expression.
func ParseCron(expr string) (CronSchedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return CronSchedule{}, fmt.Errorf("pipeline: cron %q: need 5 fields, got %d", expr, len(fields))
	}
	bounds := [5][2]int{{0, 59}, {0, 23}, {1, 31}, {1, 12}, {0, 6}}
	names := [5]string{"minute", "hour", "day-of-month", "month", "day-of-week"}

	var parsed [5]cronField
	for i, field := range fields {
		f, err := parseCronField(field, bounds[i][0], bounds[i][1])
		if err != nil {
			return CronSchedule{}, fmt.Errorf("pipeline: cron %q: %s: %w", expr, names[i], err)
		}
		parsed[i] = f
	}
	return CronSchedule{
		minute:     parsed[0],
		hour:       parsed[1],
		dayOfMonth: parsed[2],
		month:      parsed[3],
		dayOfWeek:  parsed[4],
	}, nil
}

func (c CronSchedule) matches(t time.Time) bool {
	return c.minute.matches(t.Minute()) &&
		c.hour.matches(t.Hour()) &&
		c.dayOfMonth.matches(t.Day()) &&
		c.month.matches(int(t.Month())) &&
		c.dayOfWeek.matches(int(t.Weekday()))
}

// Next returns the first minute strictly after after that matches. It
// searches up to one year ahead.
func (c CronSchedule) Next(after time.Time) (time.Time, error) {
	candidate := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.Add(366 * 24 * time.Hour)
	for candidate.Before(limit) {
		if c.matches(candidate) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("pipeline: no cron match within a year after %s", after.Format(time.RFC3339))
}
