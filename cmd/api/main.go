package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/clinilab/go-lab-orders/internal/config"
	"github.com/clinilab/go-lab-orders/internal/httpx"
	kafkax "github.com/clinilab/go-lab-orders/internal/kafka"
	"github.com/clinilab/go-lab-orders/internal/lab"
	"github.com/clinilab/go-lab-orders/internal/postgres"
	"github.com/clinilab/go-lab-orders/internal/redisx"
	"github.com/clinilab/go-lab-orders/internal/tokens"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := zerolog.New(os.Stderr).With().Timestamp().Str("service", cfg.ServiceName).Logger()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	defer db.Close()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	orderEvents := kafkax.NewProducer(cfg.KafkaBrokers, lab.TopicOrderEvents, 1024, log)
	orderEvents.Start(ctx)
	specimenEvents := kafkax.NewProducer(cfg.KafkaBrokers, lab.TopicSpecimenEvents, 1024, log)
	specimenEvents.Start(ctx)
	resultEvents := kafkax.NewProducer(cfg.KafkaBrokers, lab.TopicResultEvents, 1024, log)
	resultEvents.Start(ctx)
	producers := []*kafkax.Producer{orderEvents, specimenEvents, resultEvents}

	svc := lab.NewService(&lab.Repo{DB: db})
	router := httpx.NewRouter()
	h := &httpx.LabHandler{
		Svc: svc,
		Tokens: &tokens.Store{
			Redis:    rdb,
			TTL:      cfg.TokenTTL,
			MaxViews: cfg.TokenMaxViews,
		},
		OrderEvents:    orderEvents,
		SpecimenEvents: specimenEvents,
		ResultEvents:   resultEvents,
		Redis:          rdb,
		Service:        cfg.ServiceName,
	}
	h.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutting down")

	shutdownCtx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(shutdownCtx)

	for _, p := range producers {
		p.Close()
	}
	for _, p := range producers {
		p.WaitClosed()
	}
}
