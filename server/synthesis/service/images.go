package service

import (
	"bytes"
	"context"
	"fmt"

	"github.com/disintegration/imaging"
	lru "github.com/hashicorp/golang-lru/v2"

	"photo_server/server/catalog/domain"
	"photo_server/server/common/infra/object"
	commonlog "photo_server/server/common/log"
)

type ImageSource interface {
	Prepare(ctx context.Context, rec domain.ImageRecord) ([]byte, string, error)
}

type preparedImage struct {
	data []byte
	mime string
}

// ImagePreparer loads stored captures and shrinks them to at most maxEdge
// pixels on the long side before they are sent to the model. Results are
// cached by storage reference; a cacheSize below 1 disables the cache.
type ImagePreparer struct {
	store   object.Store
	maxEdge int
	cache   *lru.Cache[string, preparedImage]
}

func NewImagePreparer(store object.Store, maxEdge, cacheSize int) *ImagePreparer {
	p := &ImagePreparer{store: store, maxEdge: maxEdge}
	if cacheSize > 0 {
		// New only fails for a non-positive size.
		p.cache, _ = lru.New[string, preparedImage](cacheSize)
	}
	return p
}

func (p *ImagePreparer) Prepare(ctx context.Context, rec domain.ImageRecord) ([]byte, string, error) {
	if p.cache != nil {
		if cached, ok := p.cache.Get(rec.StorageRef); ok {
			return cached.data, cached.mime, nil
		}
	}
	raw, err := p.store.Get(ctx, rec.StorageRef)
	if err != nil {
		return nil, "", fmt.Errorf("load image %s: %w", rec.ID, err)
	}
	out := p.shrink(rec, raw)
	if p.cache != nil {
		p.cache.Add(rec.StorageRef, out)
	}
	return out.data, out.mime, nil
}

func (p *ImagePreparer) shrink(rec domain.ImageRecord, raw []byte) preparedImage {
	original := preparedImage{data: raw, mime: rec.ContentType}
	if p.maxEdge <= 0 {
		return original
	}
	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		commonlog.Debugf("event=image_prepare status=passthrough image_id=%s error=%v", rec.ID, err)
		return original
	}
	b := img.Bounds()
	if b.Dx() <= p.maxEdge && b.Dy() <= p.maxEdge {
		return original
	}
	resized := imaging.Fit(img, p.maxEdge, p.maxEdge, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		commonlog.Warnf("event=image_prepare status=passthrough image_id=%s error=%v", rec.ID, err)
		return original
	}
	return preparedImage{data: buf.Bytes(), mime: "image/jpeg"}
}
