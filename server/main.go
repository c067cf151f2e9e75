package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/peercollab/peercollab/server/authority"
	"github.com/peercollab/peercollab/server/authority/backend"
	"github.com/peercollab/peercollab/server/config"
	"github.com/peercollab/peercollab/server/hub"
	peerlog "github.com/peercollab/peercollab/server/log"
)

var (
	configPath = flag.String("config", "", "path to a YAML config file")
	port       = flag.Int("port", 0, "overrides server.port")
)

func main() {
	flag.Parse()
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	logger := peerlog.NewLogger(&cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := backend.New(ctx, cfg.Storage)
	if err != nil {
		logger.Error("open storage", "type", cfg.Storage.Type, "err", err)
		os.Exit(1)
	}
	registry := authority.NewRegistry(b, cfg.Document.Seed, logger)
	defer registry.Close()

	if err := hub.Serve(ctx, registry, *cfg, logger); err != nil {
		logger.Error("serve", "err", err)
		os.Exit(1)
	}
}
