package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"photo_server/server/indexer/app"
)

func main() {
	_ = godotenv.Load()
	cfg := app.LoadConfig()
	server, err := app.NewServer(cfg)
	if err != nil {
		log.Fatalf("initialize indexer: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("start indexer, health on :%s", cfg.HealthPort)
	if err := server.Run(ctx); err != nil {
		log.Fatalf("run indexer: %v", err)
	}
}
