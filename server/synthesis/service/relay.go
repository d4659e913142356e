// Package service turns a retrieval result and a question into a streamed,
// chronologically ordered narrative from the vision-language model.
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
	"photo_server/server/common/transport/httpresp"
	"photo_server/server/synthesis/vlm"
)

const (
	MarkerTimedOut       = "request timed out"
	MarkerUpstreamFailed = "upstream model failed"
	MarkerNoImages       = "no retrieved image could be loaded"
	MarkerPromptFailed   = "could not build the prompt"
	captionTimestamp     = "2006-01-02 15:04:05"
)

type ChunkKind int

const (
	ChunkText ChunkKind = iota
	ChunkDone
	ChunkError
	ChunkNoResults
)

// Chunk is one element of a synthesis stream. Every stream ends with exactly
// one Done, Error or NoResults chunk; a stream that closes without one was
// cut short by the caller.
type Chunk struct {
	Kind ChunkKind
	Text string
}

func (c Chunk) Terminal() bool { return c.Kind != ChunkText }

type Streamer interface {
	Stream(ctx context.Context, parts []vlm.Part, instruction string, onDelta func(string) error) error
}

// RelayOptions bound one synthesis call. Attempts counts calls to the model
// in total; a failed call is only repeated while nothing has been streamed.
type RelayOptions struct {
	Timeout   time.Duration
	Attempts  uint64
	RetryBase time.Duration
	RetryCap  time.Duration
}

type Relay struct {
	model   Streamer
	images  ImageSource
	lang    LanguageDetector
	prompts *Prompts
	opts    RelayOptions
}

func NewRelay(model Streamer, images ImageSource, lang LanguageDetector, prompts *Prompts, opts RelayOptions) *Relay {
	if lang == nil {
		lang = WhatlangDetector{}
	}
	if prompts == nil {
		prompts = DefaultPrompts()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = vlm.DefaultTimeout
	}
	if opts.Attempts == 0 {
		opts.Attempts = 3
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 500 * time.Millisecond
	}
	if opts.RetryCap <= 0 {
		opts.RetryCap = 5 * time.Second
	}
	return &Relay{model: model, images: images, lang: lang, prompts: prompts, opts: opts}
}

// Synthesize streams the answer. Cancelling ctx cancels the upstream call and
// closes the channel without a terminal chunk.
func (r *Relay) Synthesize(ctx context.Context, result domain.RetrievalResult, question string) <-chan Chunk {
	out := make(chan Chunk, 16)
	if result.Empty() {
		out <- Chunk{Kind: ChunkNoResults, Text: httpresp.MsgNoRelevantHits}
		close(out)
		return out
	}
	go func() {
		defer close(out)
		r.run(ctx, result, question, out)
	}()
	return out
}

func (r *Relay) run(ctx context.Context, result domain.RetrievalResult, question string, out chan<- Chunk) {
	started := time.Now()
	records := Chronological(result)
	parts, included := r.buildParts(ctx, records)
	if ctx.Err() != nil {
		return
	}
	if included == 0 {
		send(ctx, out, Chunk{Kind: ChunkError, Text: MarkerNoImages})
		return
	}

	language := r.lang.Detect(question)
	instruction, err := r.prompts.Instruction(included, question, language)
	if err != nil {
		commonlog.Errorf("event=synthesis action=prompt status=failed error=%v", err)
		send(ctx, out, Chunk{Kind: ChunkError, Text: MarkerPromptFailed})
		return
	}

	// The timeout covers every attempt and the waits between them.
	callCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()
	backoff := retry.NewExponential(r.opts.RetryBase)
	backoff = retry.WithCappedDuration(r.opts.RetryCap, backoff)
	backoff = retry.WithMaxRetries(r.opts.Attempts-1, backoff)

	chunks, attempt := 0, 0
	err = retry.Do(callCtx, backoff, func(callCtx context.Context) error {
		attempt++
		err := r.model.Stream(callCtx, parts, instruction, func(text string) error {
			chunks++
			if !send(callCtx, out, Chunk{Kind: ChunkText, Text: text}) {
				return callCtx.Err()
			}
			return nil
		})
		if err != nil && chunks == 0 && callCtx.Err() == nil && errors.Is(err, domain.ErrUpstream) {
			commonlog.Warnf("event=synthesis action=stream status=retry attempt=%d error=%v", attempt, err)
			return retry.RetryableError(err)
		}
		return err
	})

	switch {
	case ctx.Err() != nil:
		commonlog.Infof("event=synthesis status=cancelled images=%d chunks=%d latency_ms=%d", included, chunks, time.Since(started).Milliseconds())
	case err == nil:
		commonlog.Infof("event=synthesis status=ok images=%d language=%s chunks=%d latency_ms=%d", included, language, chunks, time.Since(started).Milliseconds())
		send(ctx, out, Chunk{Kind: ChunkDone})
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded):
		commonlog.Warnf("event=synthesis status=timeout images=%d chunks=%d attempts=%d timeout=%s", included, chunks, attempt, r.opts.Timeout)
		send(ctx, out, Chunk{Kind: ChunkError, Text: MarkerTimedOut})
	default:
		commonlog.Errorf("event=synthesis status=failed images=%d chunks=%d attempts=%d error=%v", included, chunks, attempt, err)
		send(ctx, out, Chunk{Kind: ChunkError, Text: MarkerUpstreamFailed})
	}
}

func (r *Relay) buildParts(ctx context.Context, records []domain.ImageRecord) ([]vlm.Part, int) {
	parts := make([]vlm.Part, 0, len(records)*2)
	n := 0
	for _, rec := range records {
		data, mime, err := r.images.Prepare(ctx, rec)
		if err != nil {
			if ctx.Err() != nil {
				return nil, 0
			}
			commonlog.Warnf("event=synthesis action=load_image status=skipped image_id=%s error=%v", rec.ID, err)
			continue
		}
		n++
		parts = append(parts, vlm.ImagePart(data, mime), vlm.TextPart(Caption(n, rec)))
	}
	return parts, n
}

// Chronological returns the records ordered by captured-at ascending. Equal
// timestamps keep their retrieval rank.
func Chronological(result domain.RetrievalResult) []domain.ImageRecord {
	records := make([]domain.ImageRecord, 0, len(result.Items))
	for _, item := range result.Items {
		records = append(records, item.Record)
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].CapturedAt.Before(records[j].CapturedAt) })
	return records
}

func Caption(n int, rec domain.ImageRecord) string {
	location := strings.TrimSpace(rec.Location)
	return fmt.Sprintf("Image %d details:\nTimestamp: %s UTC\nLocation: %s", n, rec.CapturedAt.UTC().Format(captionTimestamp), location)
}

func send(ctx context.Context, out chan<- Chunk, c Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
