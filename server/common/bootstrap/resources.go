package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"photo_server/server/catalog/repository"
	"photo_server/server/common/infra/cache"
	"photo_server/server/common/infra/db"
	"photo_server/server/common/infra/mq"
	"photo_server/server/common/infra/object"
	commonlog "photo_server/server/common/log"
	"photo_server/server/embedding"
	"photo_server/server/feed"
	"photo_server/server/synthesis/vlm"
)

// Resources are the long-lived clients a process owns. Close releases them
// in reverse order of opening.
type Resources struct {
	Pool    *pgxpool.Pool
	Catalog repository.Catalog
	Store   object.Store
	Feed    feed.Feed

	closers []func()
}

func (r *Resources) onClose(fn func()) {
	r.closers = append(r.closers, fn)
}

func (r *Resources) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

func Open(ctx context.Context, cfg Config) (*Resources, error) {
	res := &Resources{}
	if err := res.openCatalog(ctx, cfg.Catalog); err != nil {
		res.Close()
		return nil, err
	}
	if err := res.openStore(ctx, cfg.Storage); err != nil {
		res.Close()
		return nil, err
	}
	if err := res.openFeed(ctx, cfg.Feed); err != nil {
		res.Close()
		return nil, err
	}
	commonlog.Infof("event=bootstrap status=ok catalog=%s storage=%s feed=%s dim=%d", cfg.Catalog.Backend, cfg.Storage.Backend, cfg.Feed.Backend, cfg.Catalog.Dim)
	return res, nil
}

func (r *Resources) openCatalog(ctx context.Context, cfg CatalogConfig) error {
	if cfg.Dim <= 0 {
		return fmt.Errorf("EMBEDDING_DIM must be positive, got %d", cfg.Dim)
	}
	switch strings.ToLower(cfg.Backend) {
	case BackendMemory:
		r.Catalog = repository.NewMemoryCatalog(cfg.Dim)
		return nil
	case BackendPostgres, "":
		pool, err := db.NewPool(ctx, cfg.PostgresDSN, db.PoolOptions{MaxConns: int32(cfg.MaxConns), MaxConnLifetime: cfg.MaxConnLifetime})
		if err != nil {
			return fmt.Errorf("initialize postgres: %w", err)
		}
		r.Pool = pool
		r.onClose(pool.Close)
		pg := repository.NewPostgresCatalog(pool, cfg.Dim)
		if err := pg.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure catalog schema: %w", err)
		}
		r.Catalog = pg
		return nil
	}
	return fmt.Errorf("unknown CATALOG_BACKEND %q", cfg.Backend)
}

func (r *Resources) openStore(ctx context.Context, cfg StorageConfig) error {
	switch strings.ToLower(cfg.Backend) {
	case BackendDisk, "":
		store, err := object.NewDiskStore(cfg.PhotosDir)
		if err != nil {
			return err
		}
		r.Store = store
		return nil
	case BackendMinIO:
		client, err := object.NewClient(cfg.MinIOEndpoint, cfg.MinIOAccessKey, cfg.MinIOSecretKey, cfg.MinIOUseSSL)
		if err != nil {
			return fmt.Errorf("initialize minio: %w", err)
		}
		if err := object.EnsureBucket(ctx, client, cfg.MinIOBucket); err != nil {
			return fmt.Errorf("ensure bucket %s: %w", cfg.MinIOBucket, err)
		}
		r.Store = object.NewMinIOStore(client, cfg.MinIOBucket)
		return nil
	}
	return fmt.Errorf("unknown BLOB_BACKEND %q", cfg.Backend)
}

func (r *Resources) openFeed(ctx context.Context, cfg FeedConfig) error {
	switch strings.ToLower(cfg.Backend) {
	case BackendMemory, BackendNone:
		f := feed.NewMemoryFeed()
		r.Feed = f
		r.onClose(func() { _ = f.Close() })
		return nil
	case BackendPostgres, "":
		if r.Pool == nil {
			return errors.New("FEED_BACKEND=postgres needs CATALOG_BACKEND=postgres")
		}
		r.Feed = feed.NewPostgresFeed(r.Pool, cfg.Channel)
		return nil
	case BackendAMQP:
		conn, err := mq.NewConnection(cfg.AMQPURL)
		if err != nil {
			return fmt.Errorf("initialize amqp: %w", err)
		}
		r.onClose(func() { _ = conn.Close() })
		f, err := feed.NewAMQPFeed(conn, feed.AMQPOptions{Exchange: cfg.AMQPExchange, Queue: cfg.AMQPQueue})
		if err != nil {
			return fmt.Errorf("initialize amqp feed: %w", err)
		}
		r.Feed = f
		r.onClose(func() { _ = f.Close() })
		return nil
	case BackendRedis:
		client := cache.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		r.onClose(func() { _ = client.Close() })
		if err := cache.Ping(ctx, client); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		r.Feed = feed.NewRedisFeed(client, cfg.Channel)
		return nil
	}
	return fmt.Errorf("unknown FEED_BACKEND %q", cfg.Backend)
}

// NewEmbedder builds the shared embedding space. A projection file is loaded
// once here; it is never derived at run time.
func NewEmbedder(cfg EmbedderConfig, dim int) (*embedding.Space, error) {
	var model embedding.Model
	switch strings.ToLower(cfg.Backend) {
	case BackendHash:
		model = embedding.NewHashModel(dim)
	case BackendHTTP, "":
		model = embedding.NewHTTPModel(cfg.URL, cfg.Model, cfg.Timeout)
	default:
		return nil, fmt.Errorf("unknown EMBEDDER_BACKEND %q", cfg.Backend)
	}

	var projection *embedding.Projection
	if strings.TrimSpace(cfg.ProjectionPath) != "" {
		p, err := embedding.LoadProjection(cfg.ProjectionPath)
		if err != nil {
			return nil, err
		}
		projection = p
	}
	space, err := embedding.NewSpace(model, embedding.SpaceOptions{
		Dim:         dim,
		Projection:  projection,
		CacheSize:   cfg.CacheSize,
		CallTimeout: cfg.Timeout,
	})
	if err != nil {
		return nil, err
	}
	if v := space.ProjectionVersion(); v != "" {
		commonlog.Infof("event=bootstrap action=projection status=ok version=%s dim=%d", v, dim)
	}
	return space, nil
}

func NewVLMClient(cfg VLMConfig) *vlm.Client {
	return vlm.NewClient(vlm.Config{
		Endpoint:      cfg.Endpoint,
		APIKey:        cfg.APIKey,
		Model:         cfg.Model,
		DescribeModel: cfg.DescribeModel,
		MaxTokens:     cfg.MaxTokens,
		RatePerSecond: cfg.RatePerSecond,
		Burst:         cfg.Burst,
	})
}
