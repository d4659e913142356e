package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"photo_server/server/catalog/domain"
	"photo_server/server/common/vecmath"
)

// MemoryCatalog is a process-local catalog used by development setups and
// tests. It honours the same claim and ownership rules as PostgresCatalog.
type MemoryCatalog struct {
	dim     int
	mu      sync.RWMutex
	records map[string]domain.ImageRecord

	// InsertHook, when set, runs before a record is stored and can veto it.
	InsertHook func(domain.ImageRecord) error
}

func NewMemoryCatalog(dim int) *MemoryCatalog {
	return &MemoryCatalog{dim: dim, records: map[string]domain.ImageRecord{}}
}

func (c *MemoryCatalog) Dimension() int { return c.dim }

func (c *MemoryCatalog) Insert(_ context.Context, rec domain.ImageRecord) error {
	if err := vecmath.CheckDim(rec.Embedding, c.dim); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	if c.InsertHook != nil {
		if err := c.InsertHook(rec); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.records[rec.ID]; exists {
		return fmt.Errorf("%w: duplicate image_id %s", domain.ErrPersistence, rec.ID)
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	c.records[rec.ID] = rec.Clone()
	return nil
}

func (c *MemoryCatalog) Get(_ context.Context, id string) (domain.ImageRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[id]
	if !ok {
		return domain.ImageRecord{}, domain.ErrNotFound
	}
	return rec.Clone(), nil
}

func (c *MemoryCatalog) Claim(_ context.Context, id, token string, now, staleBefore time.Time) (domain.ImageRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[id]
	if !ok {
		return domain.ImageRecord{}, domain.ErrNotFound
	}
	if !claimable(rec, staleBefore) {
		return domain.ImageRecord{}, domain.ErrNotClaimable
	}
	rec.Status = domain.StatusProcessing
	rec.ClaimToken = token
	rec.ClaimedAt = now
	rec.Attempts++
	rec.UpdatedAt = now
	c.records[id] = rec
	return rec.Clone(), nil
}

func claimable(rec domain.ImageRecord, staleBefore time.Time) bool {
	switch rec.Status {
	case domain.StatusPending:
		return true
	case domain.StatusProcessing:
		return rec.ClaimedAt.Before(staleBefore)
	}
	return false
}

func (c *MemoryCatalog) Complete(_ context.Context, id, token string, embedding []float32, description string, now time.Time) error {
	if err := vecmath.CheckDim(embedding, c.dim); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	return c.finish(id, token, func(rec *domain.ImageRecord) {
		rec.Status = domain.StatusCompleted
		rec.Embedding = append([]float32(nil), embedding...)
		rec.Description = description
		rec.FailureReason = ""
		rec.UpdatedAt = now
	})
}

func (c *MemoryCatalog) Fail(_ context.Context, id, token, reason string, now time.Time) error {
	return c.finish(id, token, func(rec *domain.ImageRecord) {
		rec.Status = domain.StatusFailed
		rec.FailureReason = reason
		rec.UpdatedAt = now
	})
}

func (c *MemoryCatalog) finish(id, token string, apply func(*domain.ImageRecord)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[id]
	if !ok {
		return domain.ErrNotFound
	}
	if rec.Status != domain.StatusProcessing || rec.ClaimToken != token {
		return domain.ErrNotClaimable
	}
	apply(&rec)
	rec.ClaimToken = ""
	c.records[id] = rec
	return nil
}

func (c *MemoryCatalog) ListStale(_ context.Context, pendingBefore, processingBefore time.Time, limit int) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stale := make([]domain.ImageRecord, 0)
	for _, rec := range c.records {
		switch {
		case rec.Status == domain.StatusPending && rec.CreatedAt.Before(pendingBefore):
			stale = append(stale, rec)
		case rec.Status == domain.StatusProcessing && rec.ClaimedAt.Before(processingBefore):
			stale = append(stale, rec)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].CreatedAt.Before(stale[j].CreatedAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	ids := make([]string, 0, len(stale))
	for _, rec := range stale {
		ids = append(ids, rec.ID)
	}
	return ids, nil
}

func (c *MemoryCatalog) Nearest(_ context.Context, query []float32, k int) ([]domain.ScoredRecord, error) {
	if err := vecmath.CheckDim(query, c.dim); err != nil {
		return nil, err
	}
	c.mu.RLock()
	items := make([]domain.ScoredRecord, 0)
	for _, rec := range c.records {
		if rec.Status != domain.StatusCompleted {
			continue
		}
		items = append(items, domain.ScoredRecord{Record: rec.Clone(), Distance: vecmath.Euclidean(rec.Embedding, query)})
	}
	c.mu.RUnlock()

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Distance == items[j].Distance {
			return items[i].Record.ID < items[j].Record.ID
		}
		return items[i].Distance < items[j].Distance
	})
	if k > 0 && len(items) > k {
		items = items[:k]
	}
	return items, nil
}

func (c *MemoryCatalog) ListRecent(_ context.Context, limit int) ([]domain.ImageRecord, error) {
	c.mu.RLock()
	items := make([]domain.ImageRecord, 0, len(c.records))
	for _, rec := range c.records {
		items = append(items, rec.Clone())
	}
	c.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool { return items[i].CapturedAt.After(items[j].CapturedAt) })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (c *MemoryCatalog) Ping(context.Context) error { return nil }

func (c *MemoryCatalog) Close() {}
