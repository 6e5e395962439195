package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver exports old records from the database to cold storage as JSONL.
// Each call returns how many records were written.
type Archiver interface {
	ArchiveExecutions(ctx context.Context, before time.Time) (int64, error)
	ArchiveOrders(ctx context.Context, before time.Time) (int64, error)
	ArchiveOpportunities(ctx context.Context, before time.Time) (int64, error)
	ArchiveAudit(ctx context.Context, before time.Time) (int64, error)
}
