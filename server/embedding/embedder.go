// Package embedding turns images and text into vectors of one shared space.
//
// A Model is the raw capability (a CLIP-style service or the offline hash
// model). Space wraps a Model and is the only thing the indexer and the
// retrieval engine see: it projects text into the image space when the
// native widths differ, checks the dimension and L2-normalises every vector.
package embedding

import (
	"context"
	"errors"
)

var (
	ErrEmptyInput         = errors.New("embedding input is empty")
	ErrProjectionRequired = errors.New("text embedding width differs from the image space and no projection is loaded")
)

type Model interface {
	EmbedImage(ctx context.Context, image []byte) ([]float32, error)
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

type Embedder interface {
	Model
	Dimension() int
}
