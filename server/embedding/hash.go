package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
)

// HashModel derives deterministic vectors from SHA-256 digests. It has no
// semantic meaning; equal inputs give equal vectors, which is all the
// development setup and the tests need.
type HashModel struct {
	dim int
}

func NewHashModel(dim int) *HashModel {
	return &HashModel{dim: dim}
}

func (m *HashModel) EmbedImage(ctx context.Context, image []byte) ([]float32, error) {
	if len(image) == 0 {
		return nil, ErrEmptyInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return hashVector(append([]byte("image:"), image...), m.dim), nil
}

func (m *HashModel) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return hashVector([]byte("text:"+text), m.dim), nil
}

func hashVector(seed []byte, dim int) []float32 {
	vec := make([]float32, dim)
	var block [sha256.Size]byte
	counter := make([]byte, 4)
	for i := 0; i < dim; i++ {
		if i%(sha256.Size/4) == 0 {
			binary.BigEndian.PutUint32(counter, uint32(i))
			block = sha256.Sum256(append(counter, seed...))
		}
		offset := (i * 4) % sha256.Size
		chunk := binary.BigEndian.Uint32(block[offset : offset+4])
		vec[i] = float32(chunk%2001)/1000.0 - 1
	}
	return vec
}
