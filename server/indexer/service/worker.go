// Package service is the embedding worker. It claims pending records,
// embeds their images and completes or fails them. Signals from the change
// feed start work early; the reconciliation sweep guarantees it happens.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"photo_server/server/catalog/domain"
	"photo_server/server/catalog/repository"
	"photo_server/server/common/infra/object"
	commonlog "photo_server/server/common/log"
	"photo_server/server/feed"
)

type ImageEmbedder interface {
	EmbedImage(ctx context.Context, image []byte) ([]float32, error)
}

type Describer interface {
	Describe(ctx context.Context, image []byte, mime, prompt string) (string, error)
}

type Options struct {
	MaxAttempts    uint64
	RetryBase      time.Duration
	RetryCap       time.Duration
	SweepInterval  time.Duration
	GracePeriod    time.Duration
	ClaimTTL       time.Duration
	SweepBatch     int
	Concurrency    int
	DescribePrompt string
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 3
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryCap <= 0 {
		o.RetryCap = 10 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Minute
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = 30 * time.Second
	}
	if o.ClaimTTL <= 0 {
		o.ClaimTTL = 5 * time.Minute
	}
	if o.SweepBatch <= 0 {
		o.SweepBatch = 100
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 2
	}
	return o
}

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

type Worker struct {
	catalog   repository.Catalog
	store     object.Store
	embedder  ImageEmbedder
	describer Describer
	feed      feed.Subscriber
	opts      Options
	now       func() time.Time
}

// NewWorker builds a worker. describer may be nil, in which case records
// complete without a description. sub may be nil for sweep-only operation.
func NewWorker(catalog repository.Catalog, store object.Store, embedder ImageEmbedder, describer Describer, sub feed.Subscriber, opts Options) *Worker {
	return &Worker{
		catalog:   catalog,
		store:     store,
		embedder:  embedder,
		describer: describer,
		feed:      sub,
		opts:      opts.withDefaults(),
		now:       time.Now,
	}
}

// HandleSignal processes the record a signal names. It never returns an
// error: one record's trouble must not stop the loop.
func (w *Worker) HandleSignal(ctx context.Context, sig domain.ChangeSignal) Outcome {
	outcome, err := w.Process(ctx, sig.RecordID)
	if err != nil {
		commonlog.Errorf("event=index status=error image_id=%s error=%v", sig.RecordID, err)
	}
	return outcome
}

// Process claims and indexes one record. Unknown identifiers and records
// already owned or finished are skipped. The returned error is only set for
// catalog failures that left the record's state unknown.
func (w *Worker) Process(ctx context.Context, id string) (Outcome, error) {
	id = strings.TrimSpace(id)
	if _, err := uuid.Parse(id); err != nil {
		commonlog.Warnf("event=index action=claim status=skipped image_id=%q reason=malformed_id", id)
		return OutcomeSkipped, nil
	}
	started := w.now()
	token := uuid.NewString()
	rec, err := w.catalog.Claim(ctx, id, token, started, started.Add(-w.opts.ClaimTTL))
	switch {
	case errors.Is(err, domain.ErrNotFound):
		commonlog.Warnf("event=index action=claim status=skipped image_id=%s reason=not_found", id)
		return OutcomeSkipped, nil
	case errors.Is(err, domain.ErrNotClaimable):
		commonlog.Debugf("event=index action=claim status=skipped image_id=%s reason=not_claimable", id)
		return OutcomeSkipped, nil
	case err != nil:
		return OutcomeSkipped, fmt.Errorf("claim %s: %w", id, err)
	}

	data, vec, err := w.embed(ctx, rec)
	if err != nil {
		if ctx.Err() != nil {
			// Shutting down; the claim expires and the sweep picks it up.
			return OutcomeSkipped, nil
		}
		reason := err.Error()
		if ferr := w.catalog.Fail(context.WithoutCancel(ctx), id, token, reason, w.now()); ferr != nil {
			return w.lostClaim(id, ferr)
		}
		commonlog.Errorf("event=index status=failed image_id=%s attempts=%d reason=%q", id, rec.Attempts, reason)
		return OutcomeFailed, nil
	}

	description := w.describe(ctx, rec, data)
	// The work is done; record it even if shutdown began meanwhile.
	if err := w.catalog.Complete(context.WithoutCancel(ctx), id, token, vec, description, w.now()); err != nil {
		return w.lostClaim(id, err)
	}
	commonlog.Infof("event=index status=ok image_id=%s attempts=%d described=%t latency_ms=%d", id, rec.Attempts, description != "", w.now().Sub(started).Milliseconds())
	return OutcomeCompleted, nil
}

func (w *Worker) lostClaim(id string, err error) (Outcome, error) {
	if errors.Is(err, domain.ErrNotClaimable) || errors.Is(err, domain.ErrNotFound) {
		commonlog.Warnf("event=index action=finish status=skipped image_id=%s reason=claim_lost", id)
		return OutcomeSkipped, nil
	}
	return OutcomeSkipped, fmt.Errorf("finish %s: %w", id, err)
}

// embed reads the image and embeds it, retrying transient failures with
// capped exponential backoff up to MaxAttempts calls in total.
func (w *Worker) embed(ctx context.Context, rec domain.ImageRecord) ([]byte, []float32, error) {
	backoff := retry.NewExponential(w.opts.RetryBase)
	backoff = retry.WithCappedDuration(w.opts.RetryCap, backoff)
	backoff = retry.WithMaxRetries(w.opts.MaxAttempts-1, backoff)

	var (
		data []byte
		vec  []float32
	)
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if data == nil {
			raw, err := w.store.Get(ctx, rec.StorageRef)
			if err != nil {
				if errors.Is(err, object.ErrObjectNotFound) || errors.Is(err, object.ErrInvalidRef) {
					return fmt.Errorf("load image: %w", err)
				}
				return retry.RetryableError(fmt.Errorf("load image: %w", err))
			}
			data = raw
		}
		v, err := w.embedder.EmbedImage(ctx, data)
		if err != nil {
			if errors.Is(err, domain.ErrUpstream) {
				commonlog.Warnf("event=index action=embed status=retry image_id=%s attempt=%d error=%v", rec.ID, attempt, err)
				return retry.RetryableError(err)
			}
			return fmt.Errorf("embed image: %w", err)
		}
		if domain.IsZeroVector(v) {
			return fmt.Errorf("embed image: zero vector")
		}
		vec = v
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return data, vec, nil
}

func (w *Worker) describe(ctx context.Context, rec domain.ImageRecord, data []byte) string {
	if w.describer == nil {
		return ""
	}
	text, err := w.describer.Describe(ctx, data, rec.ContentType, w.opts.DescribePrompt)
	if err != nil {
		commonlog.Warnf("event=index action=describe status=failed image_id=%s error=%v", rec.ID, err)
		return ""
	}
	return text
}

// StaleRecords lists records the feed may have missed: pending past the
// grace period, or processing past the claim TTL.
func (w *Worker) StaleRecords(ctx context.Context) ([]string, error) {
	now := w.now()
	return w.catalog.ListStale(ctx, now.Add(-w.opts.GracePeriod), now.Add(-w.opts.ClaimTTL), w.opts.SweepBatch)
}

// Sweep processes one batch of stale records inline and reports how many
// it completed.
func (w *Worker) Sweep(ctx context.Context) (int, error) {
	ids, err := w.StaleRecords(ctx)
	if err != nil {
		return 0, err
	}
	completed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if w.HandleSignal(ctx, domain.ChangeSignal{RecordID: id}) == OutcomeCompleted {
			completed++
		}
	}
	if len(ids) > 0 {
		commonlog.Infof("event=sweep status=ok stale=%d completed=%d", len(ids), completed)
	}
	return completed, nil
}

// Run listens to the feed and sweeps periodically until ctx ends. Records
// are processed by Concurrency goroutines; the listener re-subscribes with
// backoff whenever the subscription drops and sweeps after each subscribe.
func (w *Worker) Run(ctx context.Context) error {
	jobs := make(chan string, w.opts.Concurrency*4)
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < w.opts.Concurrency; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case id := <-jobs:
					w.HandleSignal(ctx, domain.ChangeSignal{RecordID: id})
				}
			}
		})
	}

	sweepNow := make(chan struct{}, 1)
	requestSweep := func() {
		select {
		case sweepNow <- struct{}{}:
		default:
		}
	}
	requestSweep()

	g.Go(func() error {
		ticker := time.NewTicker(w.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			case <-sweepNow:
			}
			ids, err := w.StaleRecords(ctx)
			if err != nil {
				if ctx.Err() == nil {
					commonlog.Errorf("event=sweep status=failed error=%v", err)
				}
				continue
			}
			if len(ids) > 0 {
				commonlog.Infof("event=sweep status=ok stale=%d", len(ids))
			}
			for _, id := range ids {
				if !enqueue(ctx, jobs, id) {
					return nil
				}
			}
		}
	})

	if w.feed != nil {
		g.Go(func() error {
			w.listen(ctx, jobs, requestSweep)
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) listen(ctx context.Context, jobs chan<- string, requestSweep func()) {
	for ctx.Err() == nil {
		var signals <-chan domain.ChangeSignal
		backoff := retry.WithCappedDuration(30*time.Second, retry.NewExponential(time.Second))
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			ch, err := w.feed.Subscribe(ctx)
			if err != nil {
				commonlog.Warnf("event=feed_subscribe status=retry error=%v", err)
				return retry.RetryableError(err)
			}
			signals = ch
			return nil
		})
		if err != nil {
			return
		}
		commonlog.Infof("event=feed_subscribe status=ok")
		requestSweep()

		for sig := range signals {
			if !enqueue(ctx, jobs, sig.RecordID) {
				return
			}
		}
		if ctx.Err() == nil {
			commonlog.Warnf("event=feed_subscribe status=lost action=resubscribe")
		}
	}
}

func enqueue(ctx context.Context, jobs chan<- string, id string) bool {
	select {
	case jobs <- id:
		return true
	case <-ctx.Done():
		return false
	}
}
