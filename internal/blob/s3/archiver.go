package s3blob

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polycollector/internal/domain"
)

const (
	contentTypeJSONL = "application/x-ndjson"

	// archivePartSize is the multipart chunk for daily exports.
	archivePartSize int64 = 16 * 1024 * 1024

	day = 24 * time.Hour
)

// Blob is the subset of Writer the archiver needs.
type Blob interface {
	domain.BlobWriter
	domain.BlobChecker
}

// SnapshotArchiver exports whole UTC days of snapshots as JSONL objects at
// archive/snapshots/YYYY-MM-DD.jsonl. Rows are not deleted from the primary
// store; the retention owner does that once the export is verified.
type SnapshotArchiver struct {
	blob    Blob
	snaps   domain.SnapshotStore
	audit   domain.AuditStore
	maxDays int
	logger  *slog.Logger
}

// NewArchiver creates a SnapshotArchiver that exports at most maxDays new
// days per call.
func NewArchiver(blob Blob, snaps domain.SnapshotStore, audit domain.AuditStore, maxDays int, logger *slog.Logger) *SnapshotArchiver {
	if maxDays <= 0 {
		maxDays = 1
	}
	return &SnapshotArchiver{
		blob:    blob,
		snaps:   snaps,
		audit:   audit,
		maxDays: maxDays,
		logger:  logger.With(slog.String("component", "snapshot_archiver")),
	}
}

// ArchivePath returns the object key for the UTC day containing t.
func ArchivePath(t time.Time) string {
	return fmt.Sprintf("archive/snapshots/%s.jsonl", t.UTC().Format("2006-01-02"))
}

// ArchiveSnapshots exports every complete day before the cutoff that has not
// been exported yet, oldest first, and returns the number of rows written.
func (a *SnapshotArchiver) ArchiveSnapshots(ctx context.Context, before time.Time) (int64, error) {
	oldest, ok, err := a.snaps.OldestCapturedAt(ctx)
	if err != nil {
		return 0, fmt.Errorf("s3blob: oldest snapshot: %w", err)
	}
	if !ok {
		return 0, nil
	}

	cutoff := before.UTC().Truncate(day)
	var total int64
	exported := 0
	for d := oldest.UTC().Truncate(day); d.Before(cutoff) && exported < a.maxDays; d = d.Add(day) {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		path := ArchivePath(d)
		exists, err := a.blob.Exists(ctx, path)
		if err != nil {
			return total, err
		}
		if exists {
			continue
		}

		n, err := a.ArchiveDay(ctx, d)
		if err != nil {
			return total, err
		}
		total += n
		exported++
	}
	return total, nil
}

// ArchiveDay streams one UTC day of snapshots to its object and records the
// export in the audit log.
func (a *SnapshotArchiver) ArchiveDay(ctx context.Context, d time.Time) (int64, error) {
	from := d.UTC().Truncate(day)
	path := ArchivePath(from)

	pr, pw := io.Pipe()
	var count int64
	done := make(chan error, 1)
	go func() {
		enc := json.NewEncoder(pw)
		enc.SetEscapeHTML(false)
		err := a.snaps.StreamRange(ctx, from, from.Add(day), func(s domain.Snapshot) error {
			count++
			return enc.Encode(s)
		})
		_ = pw.CloseWithError(err)
		done <- err
	}()

	uploadErr := a.blob.PutMultipart(ctx, path, pr, archivePartSize)
	_ = pr.CloseWithError(io.ErrClosedPipe)
	streamErr := <-done

	if uploadErr != nil {
		return 0, fmt.Errorf("s3blob: upload %s: %w", path, uploadErr)
	}
	if streamErr != nil {
		return 0, fmt.Errorf("s3blob: read snapshots for %s: %w", path, streamErr)
	}

	if err := a.audit.Log(ctx, "archive.snapshots", map[string]any{
		"path":  path,
		"day":   from.Format("2006-01-02"),
		"count": count,
	}); err != nil {
		a.logger.WarnContext(ctx, "audit log failed", slog.String("path", path), slog.String("error", err.Error()))
	}
	a.logger.InfoContext(ctx, "snapshot day archived", slog.String("path", path), slog.Int64("rows", count))
	return count, nil
}

var _ domain.Archiver = (*SnapshotArchiver)(nil)
