package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/alanyoungcy/arbcore/internal/domain"
)

// multipartThreshold switches uploads to the multipart manager.
const multipartThreshold = 16 * 1024 * 1024

// ExecutionSource lists settled executions for archival.
type ExecutionSource interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.Execution, error)
}

// OrderSource lists orders for archival.
type OrderSource interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.Order, error)
}

// OpportunitySource lists opportunities for archival.
type OpportunitySource interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.OpportunityRecord, error)
}

// AuditSource lists audit entries for archival.
type AuditSource interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.AuditEntry, error)
	Log(ctx context.Context, event string, detail map[string]any) error
}

// Archiver implements domain.Archiver. It exports records older than a
// cutoff to archive/<kind>/YYYY-MM.jsonl and records each export in the
// audit log. Rows are not deleted from the database.
//
// A per-kind watermark remembers the last cutoff so repeated sweeps within a
// process only export records newer than the previous one.
type Archiver struct {
	writer        domain.BlobWriter
	executions    ExecutionSource
	orders        OrderSource
	opportunities OpportunitySource
	audit         AuditSource
	logger        *slog.Logger

	mu        sync.Mutex
	watermark map[string]time.Time
}

// NewArchiver creates an Archiver.
func NewArchiver(writer domain.BlobWriter, executions ExecutionSource, orders OrderSource,
	opportunities OpportunitySource, audit AuditSource, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer:        writer,
		executions:    executions,
		orders:        orders,
		opportunities: opportunities,
		audit:         audit,
		logger:        logger.With(slog.String("component", "archiver")),
		watermark:     make(map[string]time.Time),
	}
}

// ArchiveExecutions exports settled executions.
func (a *Archiver) ArchiveExecutions(ctx context.Context, before time.Time) (int64, error) {
	recs, err := a.executions.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive executions query: %w", err)
	}
	since := a.since("executions")
	recs = filterAfter(recs, since, func(e domain.Execution) time.Time {
		if e.SettledAt != nil {
			return *e.SettledAt
		}
		return e.StartedAt
	})
	return archive(ctx, a, "executions", before, recs)
}

// ArchiveOrders exports orders.
func (a *Archiver) ArchiveOrders(ctx context.Context, before time.Time) (int64, error) {
	recs, err := a.orders.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive orders query: %w", err)
	}
	recs = filterAfter(recs, a.since("orders"), func(o domain.Order) time.Time { return o.CreatedAt })
	return archive(ctx, a, "orders", before, recs)
}

// ArchiveOpportunities exports opportunities with their consumption status.
func (a *Archiver) ArchiveOpportunities(ctx context.Context, before time.Time) (int64, error) {
	recs, err := a.opportunities.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive opportunities query: %w", err)
	}
	recs = filterAfter(recs, a.since("opportunities"), func(o domain.OpportunityRecord) time.Time { return o.DetectedAt })
	return archive(ctx, a, "opportunities", before, recs)
}

// ArchiveAudit exports audit entries.
func (a *Archiver) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	recs, err := a.audit.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	recs = filterAfter(recs, a.since("audit"), func(e domain.AuditEntry) time.Time { return e.CreatedAt })
	return archive(ctx, a, "audit", before, recs)
}

// Sweep runs every export with the same cutoff. Failures are logged and
// the remaining kinds still run.
func (a *Archiver) Sweep(ctx context.Context, before time.Time) int64 {
	var total int64
	for _, step := range []struct {
		kind string
		fn   func(context.Context, time.Time) (int64, error)
	}{
		{"executions", a.ArchiveExecutions},
		{"orders", a.ArchiveOrders},
		{"opportunities", a.ArchiveOpportunities},
		{"audit", a.ArchiveAudit},
	} {
		n, err := step.fn(ctx, before)
		if err != nil {
			a.logger.ErrorContext(ctx, "archive failed",
				slog.String("kind", step.kind),
				slog.String("error", err.Error()),
			)
			continue
		}
		total += n
	}
	return total
}

// Run sweeps records older than retention every interval until ctx is
// cancelled.
func (a *Archiver) Run(ctx context.Context, interval, retention time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			before := now.UTC().Add(-retention)
			if n := a.Sweep(ctx, before); n > 0 {
				a.logger.InfoContext(ctx, "archive sweep complete",
					slog.Int64("records", n),
					slog.Time("before", before),
				)
			}
		}
	}
}

func (a *Archiver) since(kind string) time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.watermark[kind]
}

func (a *Archiver) advance(kind string, before time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if before.After(a.watermark[kind]) {
		a.watermark[kind] = before
	}
}

func archive[T any](ctx context.Context, a *Archiver, kind string, before time.Time, recs []T) (int64, error) {
	if len(recs) == 0 {
		a.advance(kind, before)
		return 0, nil
	}
	buf, err := marshalJSONL(recs)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
	}
	path, err := a.freePath(ctx, kind, before)
	if err != nil {
		return 0, err
	}
	if len(buf) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}
	a.advance(kind, before)

	count := int64(len(recs))
	if err := a.audit.Log(ctx, "archive."+kind, map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive %s audit log: %w", kind, err)
	}
	return count, nil
}

// freePath returns archivePath, or a cutoff-suffixed variant when a file for
// the month already exists.
func (a *Archiver) freePath(ctx context.Context, kind string, before time.Time) (string, error) {
	path := archivePath(kind, before)
	exists, err := a.writer.Exists(ctx, path)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive %s: %w", kind, err)
	}
	if !exists {
		return path, nil
	}
	return fmt.Sprintf("archive/%s/%s.%s.jsonl", kind, before.Format("2006-01"),
		strconv.FormatInt(before.Unix(), 10)), nil
}

func filterAfter[T any](recs []T, since time.Time, at func(T) time.Time) []T {
	if since.IsZero() {
		return recs
	}
	out := recs[:0]
	for _, r := range recs {
		if !at(r).Before(since) {
			out = append(out, r)
		}
	}
	return out
}

// archivePath partitions archives by the cutoff's month:
//
//	archive/executions/2026-01.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*Archiver)(nil)
