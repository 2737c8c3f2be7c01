package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"zapflow/config"
	"zapflow/internal/events"
	"zapflow/internal/gateway"
	"zapflow/internal/status"
	"zapflow/internal/store"
	"zapflow/internal/worker"
	"zapflow/pkg/logger"
)

func main() {
	logger.InitLogger()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer st.Close()

	if err := st.Migrate(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	gw, err := gateway.NewClient(cfg.GatewayBaseURL, cfg.GatewayAPIKey, cfg.GatewayTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize gateway client")
	}

	pub := events.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	defer pub.Close()

	w := worker.New(st, gw, pub, worker.Options{
		ClaimLimit:    cfg.ClaimLimit,
		TickInterval:  cfg.TickInterval,
		StaleLeaseAge: cfg.StaleLeaseAge,
	})

	var statusSrv *status.Server
	if cfg.StatusAddr != "" {
		statusSrv = status.NewServer(cfg.StatusAddr, w, st)
		statusSrv.Start()
	}

	// SIGINT/SIGTERM cancel the loop between ticks: the tick in
	// progress finishes before the process exits.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w.Run(ctx)

	if statusSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := statusSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Status server shutdown failed")
		}
	}

	log.Info().Msg("Worker stopped")
	os.Exit(0)
}
