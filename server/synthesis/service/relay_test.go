package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"photo_server/server/catalog/domain"
	"photo_server/server/synthesis/vlm"
)

type fakeStreamer struct {
	mu          sync.Mutex
	calls       int
	parts       []vlm.Part
	instruction string
	deltas      []string
	err         error
	block       bool
}

func (f *fakeStreamer) Stream(ctx context.Context, parts []vlm.Part, instruction string, onDelta func(string) error) error {
	f.mu.Lock()
	f.calls++
	f.parts = parts
	f.instruction = instruction
	f.mu.Unlock()
	for _, d := range f.deltas {
		if err := onDelta(d); err != nil {
			return err
		}
	}
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.err
}

// flakyStreamer fails the first len(errs) calls before streaming deltas.
type flakyStreamer struct {
	mu     sync.Mutex
	calls  int
	errs   []error
	deltas []string
	after  error
}

func (f *flakyStreamer) Stream(_ context.Context, _ []vlm.Part, _ string, onDelta func(string) error) error {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if n <= len(f.errs) {
		return f.errs[n-1]
	}
	for _, d := range f.deltas {
		if err := onDelta(d); err != nil {
			return err
		}
	}
	return f.after
}

type fakeImages struct {
	missing map[string]bool
}

func (f fakeImages) Prepare(_ context.Context, rec domain.ImageRecord) ([]byte, string, error) {
	if f.missing[rec.ID] {
		return nil, "", errors.New("object not found")
	}
	return []byte("img-" + rec.ID), "image/jpeg", nil
}

type fixedLanguage string

func (l fixedLanguage) Detect(string) string { return string(l) }

func drain(t *testing.T, ch <-chan Chunk) []Chunk {
	t.Helper()
	var got []Chunk
	timeout := time.After(2 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, c)
		case <-timeout:
			t.Fatal("stream did not close")
			return got
		}
	}
}

func record(id string, at time.Time, location string) domain.ScoredRecord {
	return domain.ScoredRecord{Record: domain.ImageRecord{ID: id, CapturedAt: at, Location: location, Status: domain.StatusCompleted}}
}

func TestSynthesizeEmptyResultSkipsModel(t *testing.T) {
	model := &fakeStreamer{}
	r := NewRelay(model, fakeImages{}, fixedLanguage("English"), nil, RelayOptions{})

	got := drain(t, r.Synthesize(context.Background(), domain.RetrievalResult{}, "where is the red bag?"))
	require.Len(t, got, 1)
	assert.Equal(t, ChunkNoResults, got[0].Kind)
	assert.Equal(t, "No relevant photos found", got[0].Text)
	assert.Equal(t, 0, model.calls)
}

func TestSynthesizeOrdersImagesChronologically(t *testing.T) {
	t1 := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	model := &fakeStreamer{deltas: []string{"Y first", ", then X"}}
	r := NewRelay(model, fakeImages{}, fixedLanguage("Korean"), nil, RelayOptions{})

	result := domain.RetrievalResult{Items: []domain.ScoredRecord{
		record("X", t2, "kitchen"),
		record("Y", t1, "hall"),
	}}
	got := drain(t, r.Synthesize(context.Background(), result, "what happened?"))

	require.Len(t, got, 3)
	assert.Equal(t, "Y first", got[0].Text)
	assert.Equal(t, ", then X", got[1].Text)
	assert.Equal(t, ChunkDone, got[2].Kind)

	require.Len(t, model.parts, 4)
	assert.Equal(t, []byte("img-Y"), model.parts[0].Image)
	assert.Equal(t, "Image 1 details:\nTimestamp: 2024-05-01 08:00:00 UTC\nLocation: hall", model.parts[1].Text)
	assert.Equal(t, []byte("img-X"), model.parts[2].Image)
	assert.Contains(t, model.instruction, "Korean")
	assert.Contains(t, model.instruction, `"what happened?"`)
	assert.Contains(t, model.instruction, "2 images")
}

func TestSynthesizeEmitsErrorMarker(t *testing.T) {
	model := &fakeStreamer{deltas: []string{"partial"}, err: vlm.ErrStreamInterrupted}
	r := NewRelay(model, fakeImages{}, fixedLanguage("English"), nil, RelayOptions{})

	got := drain(t, r.Synthesize(context.Background(), domain.RetrievalResult{Items: []domain.ScoredRecord{record("a", time.Now(), "k")}}, "q"))
	require.Len(t, got, 2)
	assert.Equal(t, ChunkText, got[0].Kind)
	assert.Equal(t, Chunk{Kind: ChunkError, Text: MarkerUpstreamFailed}, got[1])
	assert.True(t, got[1].Terminal())
}

func TestSynthesizeRetriesUpstreamBeforeFirstChunk(t *testing.T) {
	rateLimited := fmt.Errorf("%w: vlm status 429: rate limited", domain.ErrUpstream)
	model := &flakyStreamer{errs: []error{rateLimited}, deltas: []string{"answer"}}
	r := NewRelay(model, fakeImages{}, fixedLanguage("English"), nil, RelayOptions{RetryBase: time.Millisecond})

	got := drain(t, r.Synthesize(context.Background(), domain.RetrievalResult{Items: []domain.ScoredRecord{record("a", time.Now(), "k")}}, "q"))
	assert.Equal(t, 2, model.calls)
	assert.Equal(t, []Chunk{{Kind: ChunkText, Text: "answer"}, {Kind: ChunkDone}}, got)
}

func TestSynthesizeRetryExhaustionHidesUpstreamDetail(t *testing.T) {
	unauthorized := fmt.Errorf("%w: vlm status 401: {\"error\":\"bad key sk-123\"}", domain.ErrUpstream)
	model := &flakyStreamer{errs: []error{unauthorized, unauthorized, unauthorized, unauthorized}}
	r := NewRelay(model, fakeImages{}, fixedLanguage("English"), nil, RelayOptions{Attempts: 3, RetryBase: time.Millisecond})

	got := drain(t, r.Synthesize(context.Background(), domain.RetrievalResult{Items: []domain.ScoredRecord{record("a", time.Now(), "k")}}, "q"))
	assert.Equal(t, 3, model.calls)
	assert.Equal(t, []Chunk{{Kind: ChunkError, Text: MarkerUpstreamFailed}}, got)
}

func TestSynthesizeDoesNotRetryAfterStreaming(t *testing.T) {
	model := &flakyStreamer{deltas: []string{"half"}, after: fmt.Errorf("%w: connection reset", domain.ErrUpstream)}
	r := NewRelay(model, fakeImages{}, fixedLanguage("English"), nil, RelayOptions{RetryBase: time.Millisecond})

	got := drain(t, r.Synthesize(context.Background(), domain.RetrievalResult{Items: []domain.ScoredRecord{record("a", time.Now(), "k")}}, "q"))
	assert.Equal(t, 1, model.calls)
	assert.Equal(t, []Chunk{{Kind: ChunkText, Text: "half"}, {Kind: ChunkError, Text: MarkerUpstreamFailed}}, got)
}

func TestSynthesizeTimeoutMarker(t *testing.T) {
	model := &fakeStreamer{block: true}
	r := NewRelay(model, fakeImages{}, fixedLanguage("English"), nil, RelayOptions{Timeout: 20 * time.Millisecond})

	got := drain(t, r.Synthesize(context.Background(), domain.RetrievalResult{Items: []domain.ScoredRecord{record("a", time.Now(), "k")}}, "q"))
	require.Len(t, got, 1)
	assert.Equal(t, Chunk{Kind: ChunkError, Text: MarkerTimedOut}, got[0])
}

func TestSynthesizeCallerCancelClosesWithoutMarker(t *testing.T) {
	model := &fakeStreamer{block: true}
	r := NewRelay(model, fakeImages{}, fixedLanguage("English"), nil, RelayOptions{Timeout: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())

	ch := r.Synthesize(ctx, domain.RetrievalResult{Items: []domain.ScoredRecord{record("a", time.Now(), "k")}}, "q")
	assert.Eventually(t, func() bool {
		model.mu.Lock()
		defer model.mu.Unlock()
		return model.calls == 1
	}, time.Second, 5*time.Millisecond)
	cancel()

	for _, c := range drain(t, ch) {
		assert.False(t, c.Terminal())
	}
}

func TestSynthesizeSkipsUnloadableImages(t *testing.T) {
	model := &fakeStreamer{}
	r := NewRelay(model, fakeImages{missing: map[string]bool{"gone": true}}, fixedLanguage("English"), nil, RelayOptions{})
	now := time.Now()

	got := drain(t, r.Synthesize(context.Background(), domain.RetrievalResult{Items: []domain.ScoredRecord{
		record("gone", now, "a"),
		record("ok", now.Add(time.Second), "b"),
	}}, "q"))
	require.Len(t, got, 1)
	assert.Equal(t, ChunkDone, got[0].Kind)
	require.Len(t, model.parts, 2)
	assert.True(t, strings.HasPrefix(model.parts[1].Text, "Image 1 details:"))

	r = NewRelay(&fakeStreamer{}, fakeImages{missing: map[string]bool{"gone": true}}, fixedLanguage("English"), nil, RelayOptions{})
	got = drain(t, r.Synthesize(context.Background(), domain.RetrievalResult{Items: []domain.ScoredRecord{record("gone", now, "a")}}, "q"))
	assert.Equal(t, []Chunk{{Kind: ChunkError, Text: MarkerNoImages}}, got)
}

func TestChronologicalIsStable(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := Chronological(domain.RetrievalResult{Items: []domain.ScoredRecord{
		record("b", at, ""), record("a", at, ""), record("c", at.Add(-time.Minute), ""),
	}})
	ids := []string{out[0].ID, out[1].ID, out[2].ID}
	assert.Equal(t, []string{"c", "b", "a"}, ids)
}

func TestWhatlangDetector(t *testing.T) {
	d := WhatlangDetector{}
	assert.Equal(t, "English", d.Detect(""))
	assert.Equal(t, "English", d.Detect("?"))
	assert.Equal(t, "Korean", d.Detect("오늘 아침 부엌에서 누가 커피를 만들었나요?"))
	assert.Len(t, []rune(firstRunes(strings.Repeat("가", 150), languageSampleRune)), languageSampleRune)
}

func TestLoadPrompts(t *testing.T) {
	p, err := LoadPrompts(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, defaultDescribePrompt, p.DescribePrompt())

	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("synthesis: \"{{.Count}} photos, answer in {{.Language}}: {{.Question}}\"\n"), 0o644))
	p, err = LoadPrompts(path)
	require.NoError(t, err)
	got, err := p.Instruction(3, "who?", "German")
	require.NoError(t, err)
	assert.Equal(t, "3 photos, answer in German: who?", got)
	assert.Equal(t, defaultDescribePrompt, p.DescribePrompt())

	require.NoError(t, os.WriteFile(path, []byte("synthesis: \"{{.Nope\"\n"), 0o644))
	_, err = LoadPrompts(path)
	assert.Error(t, err)
}
