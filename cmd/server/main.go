package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Tyrowin/roomhub/internal/logging"
	"github.com/Tyrowin/roomhub/internal/server"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("ROOMHUB_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		boot := logging.New(logging.DefaultConfig(), os.Stderr)
		boot.Fatal().Err(err).Msg("loading configuration failed")
	}

	log := logging.New(cfg.Log, os.Stdout)
	log.Info().Str("port", cfg.Port).Msg("starting roomhub")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(*cfg, log)
	srv.Start()

	if *configPath != "" {
		go func() {
			if err := server.WatchConfig(ctx, *configPath, log, func(c *server.Config) {
				srv.ApplyConfig(*c)
			}); err != nil {
				log.Warn().Err(err).Msg("config hot reload disabled")
			}
		}()
	}

	httpServer := server.CreateServer(cfg.Port, srv.Routes())
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.StartServer(httpServer, log)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	}

	if err := server.ShutdownServer(httpServer, shutdownTimeout, log); err != nil {
		log.Warn().Err(err).Msg("HTTP server did not shut down cleanly")
	}
	if err := srv.Shutdown(shutdownTimeout); err != nil {
		log.Warn().Err(err).Msg("registry did not shut down cleanly")
	}
	log.Info().Msg("server stopped")
}
