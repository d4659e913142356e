package repository

import (
	"context"
	"time"

	"photo_server/server/catalog/domain"
)

// Catalog is the record store shared by the ingest gateway, the indexer and
// the retrieval engine. Claim, Complete and Fail are conditional writes: a
// record is owned by at most one claim token at a time, and only that token
// may move it to a terminal status.
type Catalog interface {
	Dimension() int
	Insert(ctx context.Context, rec domain.ImageRecord) error
	Get(ctx context.Context, id string) (domain.ImageRecord, error)
	Claim(ctx context.Context, id, token string, now, staleBefore time.Time) (domain.ImageRecord, error)
	Complete(ctx context.Context, id, token string, embedding []float32, description string, now time.Time) error
	Fail(ctx context.Context, id, token, reason string, now time.Time) error
	ListStale(ctx context.Context, pendingBefore, processingBefore time.Time, limit int) ([]string, error)
	Nearest(ctx context.Context, query []float32, k int) ([]domain.ScoredRecord, error)
	ListRecent(ctx context.Context, limit int) ([]domain.ImageRecord, error)
	Ping(ctx context.Context) error
	Close()
}

var (
	_ Catalog = (*MemoryCatalog)(nil)
	_ Catalog = (*PostgresCatalog)(nil)
)
