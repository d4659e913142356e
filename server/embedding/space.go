package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"photo_server/server/common/vecmath"
)

const defaultCallTimeout = 30 * time.Second

// SpaceOptions configure a Space. CacheSize below 1 disables the text cache.
// CallTimeout bounds one shared text embedding call.
type SpaceOptions struct {
	Dim         int
	Projection  *Projection
	CacheSize   int
	CallTimeout time.Duration
}

// Space is the shared embedding space. Text vectors are cached by their
// exact input; concurrent requests for the same text share one model call,
// which no single caller's cancellation can abort.
type Space struct {
	model       Model
	dim         int
	projection  *Projection
	cache       *lru.Cache[string, []float32]
	group       singleflight.Group
	callTimeout time.Duration
}

func NewSpace(model Model, opts SpaceOptions) (*Space, error) {
	if opts.Dim <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive")
	}
	if opts.Projection != nil && opts.Projection.Rows != opts.Dim {
		return nil, fmt.Errorf("projection %s produces width %d, space is %d", opts.Projection.Version, opts.Projection.Rows, opts.Dim)
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	s := &Space{
		model:       model,
		dim:         opts.Dim,
		projection:  opts.Projection,
		callTimeout: opts.CallTimeout,
	}
	if opts.CacheSize > 0 {
		cache, err := lru.New[string, []float32](opts.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("create text cache: %w", err)
		}
		s.cache = cache
	}
	return s, nil
}

func (s *Space) Dimension() int { return s.dim }

// ProjectionVersion is empty when text and images share a native width.
func (s *Space) ProjectionVersion() string {
	if s.projection == nil {
		return ""
	}
	return s.projection.Version
}

func (s *Space) EmbedImage(ctx context.Context, image []byte) ([]float32, error) {
	raw, err := s.model.EmbedImage(ctx, image)
	if err != nil {
		return nil, err
	}
	return s.finish(raw)
}

func (s *Space) EmbedText(ctx context.Context, text string) ([]float32, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyInput
	}
	if s.cache != nil {
		if v, ok := s.cache.Get(text); ok {
			return append([]float32(nil), v...), nil
		}
	}
	ch := s.group.DoChan(text, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.callTimeout)
		defer cancel()
		raw, err := s.model.EmbedText(callCtx, text)
		if err != nil {
			return nil, err
		}
		if len(raw) != s.dim {
			if s.projection == nil {
				return nil, fmt.Errorf("%w: got %d want %d", ErrProjectionRequired, len(raw), s.dim)
			}
			if raw, err = s.projection.Apply(raw); err != nil {
				return nil, err
			}
		}
		v, err := s.finish(raw)
		if err != nil {
			return nil, err
		}
		if s.cache != nil {
			s.cache.Add(text, v)
		}
		return v, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return append([]float32(nil), res.Val.([]float32)...), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Space) finish(raw []float32) ([]float32, error) {
	if err := vecmath.CheckDim(raw, s.dim); err != nil {
		return nil, err
	}
	v, err := vecmath.Normalize(raw)
	if err != nil {
		if errors.Is(err, vecmath.ErrZeroNorm) {
			return nil, fmt.Errorf("model returned a zero vector: %w", err)
		}
		return nil, err
	}
	return v, nil
}

var _ Embedder = (*Space)(nil)
