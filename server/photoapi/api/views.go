package api

import (
	"time"

	"photo_server/server/catalog/domain"
)

type metadataView struct {
	ImageID     string        `json:"image_id"`
	Status      domain.Status `json:"status"`
	Location    string        `json:"location"`
	CapturedAt  time.Time     `json:"captured_at"`
	CreatedAt   time.Time     `json:"created_at"`
	Description *string       `json:"description,omitempty"`
	Vector      []float32     `json:"vector,omitempty"`
}

func newMetadataView(rec domain.ImageRecord, withDescription, withVector bool) metadataView {
	v := metadataView{
		ImageID:    rec.ID,
		Status:     rec.Status,
		Location:   rec.Location,
		CapturedAt: rec.CapturedAt,
		CreatedAt:  rec.CreatedAt,
	}
	if withDescription {
		d := rec.Description
		v.Description = &d
	}
	if withVector {
		v.Vector = rec.Embedding
	}
	return v
}

type vectorView struct {
	ImageID string    `json:"image_id"`
	Vector  []float32 `json:"vector"`
}

type photoView struct {
	ImageID    string        `json:"image_id"`
	Filename   string        `json:"filename"`
	Location   string        `json:"location"`
	CapturedAt time.Time     `json:"timestamp"`
	Status     domain.Status `json:"status"`
}

func newPhotoView(rec domain.ImageRecord) photoView {
	return photoView{
		ImageID:    rec.ID,
		Filename:   rec.Filename,
		Location:   rec.Location,
		CapturedAt: rec.CapturedAt,
		Status:     rec.Status,
	}
}
