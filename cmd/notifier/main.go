package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/clinilab/go-lab-orders/internal/config"
	kafkax "github.com/clinilab/go-lab-orders/internal/kafka"
	"github.com/clinilab/go-lab-orders/internal/lab"
	"github.com/clinilab/go-lab-orders/internal/notifier"
	"github.com/clinilab/go-lab-orders/internal/redisx"
	"github.com/clinilab/go-lab-orders/internal/tokens"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := zerolog.New(os.Stderr).With().Timestamp().Str("service", cfg.ServiceName+"-notifier").Logger()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	prod := kafkax.NewProducer(cfg.KafkaBrokers, lab.TopicResultEvents, 1024, log)
	prod.Start(ctx)

	svc := &notifier.Service{
		Tokens: &tokens.Store{
			Redis:    rdb,
			TTL:      cfg.TokenTTL,
			MaxViews: cfg.TokenMaxViews,
		},
		Redis:       rdb,
		Producer:    prod,
		ServiceName: cfg.ServiceName + "-notifier",
		Log:         log,
	}

	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.NotifierGroup, lab.TopicOrderEvents, cfg.NotifierWorkers, log)

	go func() {
		log.Info().
			Str("group", cfg.NotifierGroup).
			Int("workers", cfg.NotifierWorkers).
			Msg("notifier consumer started")
		if err := cons.Start(ctx, svc.HandleOrderEvent); err != nil {
			log.Error().Err(err).Msg("consumer exit")
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutting down consumer")
	cancel()
	time.Sleep(500 * time.Millisecond)
	prod.Close()
	prod.WaitClosed()
}
