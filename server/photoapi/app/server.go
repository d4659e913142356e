package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"photo_server/server/common/bootstrap"
	commonlog "photo_server/server/common/log"
	"photo_server/server/common/middleware"
	indexerapp "photo_server/server/indexer/app"
	ingest "photo_server/server/ingest/service"
	photoapi "photo_server/server/photoapi/api"
	retrieval "photo_server/server/retrieval/service"
	synthesis "photo_server/server/synthesis/service"
)

type Server struct {
	HTTPServer *http.Server
	Resources  *bootstrap.Resources

	worker     *indexerapp.Runner
	stopWorker context.CancelFunc
	workerDone chan error
}

func NewServer(cfg Config) (*Server, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := bootstrap.Open(ctx, cfg.Config)
	if err != nil {
		return nil, err
	}
	space, err := bootstrap.NewEmbedder(cfg.Embedder, cfg.Catalog.Dim)
	if err != nil {
		res.Close()
		return nil, fmt.Errorf("initialize embedder: %w", err)
	}
	prompts, err := synthesis.LoadPrompts(cfg.VLM.PromptsFile)
	if err != nil {
		res.Close()
		return nil, err
	}
	vlmClient := bootstrap.NewVLMClient(cfg.VLM)

	ingestSvc := ingest.NewIngestService(res.Store, res.Catalog, res.Feed)
	retrievalSvc := retrieval.NewRetrievalService(space, res.Catalog, retrieval.Options{
		MaxImages:    cfg.MaxImages,
		EmbedRetries: uint64(max(cfg.EmbedRetries, 0)),
	})
	images := synthesis.NewImagePreparer(res.Store, cfg.VLM.ImageMaxEdge, cfg.Embedder.CacheSize)
	relay := synthesis.NewRelay(vlmClient, images, synthesis.WhatlangDetector{}, prompts, synthesis.RelayOptions{
		Timeout:   cfg.VLM.Timeout,
		Attempts:  uint64(max(cfg.VLM.RetryAttempts, 1)),
		RetryBase: cfg.VLM.RetryBase,
	})

	h := photoapi.NewHandler(ingestSvc, retrievalSvc, relay, res.Catalog, cfg.MaxUploadBytes)
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestID(), middleware.AccessLog("/health", "/api/ping"))
	h.RegisterRoutes(r)

	httpServer := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		// Answers stream for up to the model timeout.
		WriteTimeout: cfg.VLM.Timeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s := &Server{HTTPServer: httpServer, Resources: res}
	if cfg.EmbeddedWorker {
		s.worker = indexerapp.NewRunner(indexerapp.LoadWorkerOptions(), res, space, vlmClient, prompts)
		commonlog.Infof("event=photoapi action=embedded_worker status=enabled")
	}
	return s, nil
}

// Start runs the embedded worker, when configured, until Shutdown.
func (s *Server) Start() {
	if s.worker == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.stopWorker = cancel
	s.workerDone = make(chan error, 1)
	go func() { s.workerDone <- s.worker.Run(ctx) }()
}

func (s *Server) Shutdown(ctx context.Context) error {
	err := s.HTTPServer.Shutdown(ctx)
	if s.stopWorker != nil {
		s.stopWorker()
		select {
		case <-s.workerDone:
		case <-ctx.Done():
		}
	}
	s.Resources.Close()
	return err
}
