package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"photo_server/server/common/bootstrap"
	synthesis "photo_server/server/synthesis/service"
)

type Server struct {
	HTTPServer *http.Server
	Resources  *bootstrap.Resources
	Runner     *Runner
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
	runner := NewRunner(cfg.Worker, res, space, bootstrap.NewVLMClient(cfg.VLM), prompts)

	return &Server{
		HTTPServer: &http.Server{
			Addr:         ":" + cfg.HealthPort,
			Handler:      healthRouter(res.Catalog),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		Resources: res,
		Runner:    runner,
	}, nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

func healthRouter(catalog pinger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/health", func(c *gin.Context) {
		pingCtx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := catalog.Ping(pingCtx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return r
}

// Run serves the health endpoint and runs the worker until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.HTTPServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("run health server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.HTTPServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return s.Runner.Run(ctx)
	})
	err := g.Wait()
	s.Resources.Close()
	return err
}
