package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"photo_server/server/catalog/domain"
	commonlog "photo_server/server/common/log"
)

const DefaultCount = 5

type TextEmbedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

type NearestFinder interface {
	Nearest(ctx context.Context, query []float32, k int) ([]domain.ScoredRecord, error)
}

type Options struct {
	MaxImages    int
	EmbedRetries uint64
	RetryBase    time.Duration
}

type RetrievalService struct {
	embedder TextEmbedder
	catalog  NearestFinder
	opts     Options
}

func NewRetrievalService(embedder TextEmbedder, catalog NearestFinder, opts Options) *RetrievalService {
	if opts.MaxImages <= 0 {
		opts.MaxImages = DefaultCount
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 200 * time.Millisecond
	}
	return &RetrievalService{embedder: embedder, catalog: catalog, opts: opts}
}

// ClampCount bounds k to [1, MaxImages]; zero and negatives mean the default.
func (s *RetrievalService) ClampCount(k int) int {
	if k <= 0 {
		k = DefaultCount
	}
	return max(1, min(k, s.opts.MaxImages))
}

// Retrieve ranks completed records by distance to the question. An empty
// catalog gives an empty result, not an error.
func (s *RetrievalService) Retrieve(ctx context.Context, question string, k int) (domain.RetrievalResult, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return domain.RetrievalResult{}, domain.NewValidationError("question", "must not be empty")
	}
	k = s.ClampCount(k)
	started := time.Now()

	vec, err := s.embedQuestion(ctx, question)
	if err != nil {
		commonlog.Errorf("event=retrieve action=embed status=failed error=%v", err)
		return domain.RetrievalResult{}, err
	}
	items, err := s.catalog.Nearest(ctx, vec, k)
	if err != nil {
		commonlog.Errorf("event=retrieve action=nearest status=failed error=%v", err)
		return domain.RetrievalResult{}, fmt.Errorf("%w: nearest: %v", domain.ErrPersistence, err)
	}
	if len(items) > k {
		items = items[:k]
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Distance < items[j].Distance })

	commonlog.Infof("event=retrieve status=ok k=%d hits=%d latency_ms=%d", k, len(items), time.Since(started).Milliseconds())
	return domain.RetrievalResult{Items: items}, nil
}

func (s *RetrievalService) embedQuestion(ctx context.Context, question string) ([]float32, error) {
	backoff := retry.WithMaxRetries(s.opts.EmbedRetries, retry.NewExponential(s.opts.RetryBase))
	var vec []float32
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		v, err := s.embedder.EmbedText(ctx, question)
		if err != nil {
			if errors.Is(err, domain.ErrUpstream) {
				return retry.RetryableError(err)
			}
			return err
		}
		vec = v
		return nil
	})
	return vec, err
}
