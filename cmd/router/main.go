package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/atp/router/internal/api"
	"github.com/atp/router/internal/config"
	"github.com/atp/router/internal/core"
)

func main() {
	configPath := flag.String("config", "router.yaml", "path to config file")
	flag.Parse()

	// .env populates the process environment before config resolution;
	// missing file is fine.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("godotenv: %v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	router, err := core.New(cfg)
	if err != nil {
		log.Fatalf("build router: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	router.Start(ctx)

	server := api.NewAPIServer(router)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.Server.Port)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received %s, shutting down", sig)
	case err := <-errCh:
		log.Printf("server stopped: %v", err)
	}

	cancel()
	router.Stop()
}
