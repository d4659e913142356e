package object

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrInvalidRef     = errors.New("invalid storage reference")
)

// Store persists raw image bytes. Put returns the storage reference that
// the catalog records; Get and Delete accept only references Put produced.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
}

// ImageKey lays objects out by upload day and keys them by record id, so two
// uploads that share a client file name never overwrite each other.
func ImageKey(id, filename string, at time.Time) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if len(ext) > 10 || strings.ContainsAny(ext, `/\`) {
		ext = ""
	}
	at = at.UTC()
	return fmt.Sprintf("%04d/%02d/%02d/%s%s", at.Year(), int(at.Month()), at.Day(), id, ext)
}

func cleanKey(key string) (string, error) {
	key = strings.TrimPrefix(strings.TrimSpace(filepath.ToSlash(key)), "/")
	cleaned := path.Clean(key)
	if key == "" || cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: key %q", ErrInvalidRef, key)
	}
	return cleaned, nil
}
