// Package service is the ingest gateway: it stores an uploaded capture and
// catalogues it as pending, then announces it on the change feed.
package service

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"photo_server/server/catalog/domain"
	"photo_server/server/catalog/repository"
	"photo_server/server/common/infra/object"
	commonlog "photo_server/server/common/log"
	"photo_server/server/common/transport/httpresp"
	"photo_server/server/feed"
)

type Upload struct {
	Data      []byte
	Filename  string
	Location  string
	Timestamp string
}

type IngestService struct {
	store   object.Store
	catalog repository.Catalog
	feed    feed.Publisher
	now     func() time.Time
}

func NewIngestService(store object.Store, catalog repository.Catalog, publisher feed.Publisher) *IngestService {
	return &IngestService{store: store, catalog: catalog, feed: publisher, now: time.Now}
}

// Enqueue writes the image and a pending record with an all-zero embedding.
// Either both become visible or neither does. The change signal goes out
// only after the record is committed; a lost signal is repaired by the
// indexer's sweep, so publish errors are logged and not returned.
func (s *IngestService) Enqueue(ctx context.Context, up Upload) (domain.ImageRecord, error) {
	if len(up.Data) == 0 {
		return domain.ImageRecord{}, domain.NewValidationError("file", httpresp.ErrEmptyFile)
	}
	location := strings.TrimSpace(up.Location)
	if location == "" {
		return domain.ImageRecord{}, domain.NewValidationError("location", httpresp.ErrMissingLocation)
	}
	capturedAt, err := ParseTimestamp(up.Timestamp)
	if err != nil {
		return domain.ImageRecord{}, err
	}

	now := s.now().UTC()
	id := uuid.NewString()
	contentType := http.DetectContentType(up.Data)
	key := object.ImageKey(id, up.Filename, capturedAt)

	ref, err := s.store.Put(ctx, key, up.Data, contentType)
	if err != nil {
		commonlog.Errorf("event=ingest action=store status=failed image_id=%s key=%s error=%v", id, key, err)
		return domain.ImageRecord{}, errors.Join(domain.ErrPersistence, err)
	}

	rec := domain.ImageRecord{
		ID:          id,
		StorageRef:  ref,
		Filename:    up.Filename,
		ContentType: contentType,
		Location:    location,
		CapturedAt:  capturedAt,
		CreatedAt:   now,
		UpdatedAt:   now,
		Status:      domain.StatusPending,
		Embedding:   domain.ZeroVector(s.catalog.Dimension()),
	}
	if err := s.catalog.Insert(ctx, rec); err != nil {
		commonlog.Errorf("event=ingest action=catalog status=failed image_id=%s error=%v", id, err)
		if delErr := s.store.Delete(context.WithoutCancel(ctx), ref); delErr != nil {
			commonlog.Exceptionf("event=ingest action=rollback status=failed image_id=%s ref=%s error=%v", id, ref, delErr)
		}
		if errors.Is(err, domain.ErrPersistence) {
			return domain.ImageRecord{}, err
		}
		return domain.ImageRecord{}, errors.Join(domain.ErrPersistence, err)
	}

	if s.feed != nil {
		if err := s.feed.Publish(ctx, domain.ChangeSignal{RecordID: id}); err != nil {
			commonlog.Warnf("event=ingest action=publish status=failed image_id=%s error=%v", id, err)
		}
	}
	commonlog.Infof("event=ingest status=ok image_id=%s location=%q captured_at=%s bytes=%d", id, location, capturedAt.Format(time.RFC3339), len(up.Data))
	return rec, nil
}
