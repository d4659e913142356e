package app

import (
	"photo_server/server/common/bootstrap"
	cmnenv "photo_server/server/common/env"
)

type Config struct {
	Port           string
	MaxImages      int
	MaxUploadBytes int64
	EmbedRetries   int
	EmbeddedWorker bool

	bootstrap.Config
}

func LoadConfig() Config {
	return Config{
		Port:           cmnenv.String("PHOTOAPI_PORT", "8000"),
		MaxImages:      cmnenv.Int("QUERY_MAX_IMAGES", 5),
		MaxUploadBytes: int64(cmnenv.Int("MAX_UPLOAD_MB", 32)) << 20,
		EmbedRetries:   cmnenv.Int("QUERY_EMBED_RETRIES", 2),
		EmbeddedWorker: cmnenv.Bool("EMBEDDED_WORKER", false),
		Config:         bootstrap.LoadConfig(),
	}
}
