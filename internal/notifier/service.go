// Package notifier reacts to order lifecycle events. When an order is
// released it issues the public result token and announces ResultReady, so
// the clinic front-end can hand patients a link without polling.
package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"

	kafkax "github.com/clinilab/go-lab-orders/internal/kafka"
	"github.com/clinilab/go-lab-orders/internal/lab"
	"github.com/clinilab/go-lab-orders/internal/redisx"
	"github.com/clinilab/go-lab-orders/internal/tokens"
)

type Service struct {
	Tokens      *tokens.Store
	Redis       *redis.Client
	Producer    *kafkax.Producer // publishes on lab.result.events
	ServiceName string
	Log         zerolog.Logger
}

// HandleOrderEvent is the consumer handler for the order events topic. Only
// OrderReleased is acted on; everything else is committed and skipped.
// Redelivery is harmless: events are deduped by event id in redis.
func (s *Service) HandleOrderEvent(ctx context.Context, m kafkago.Message) error {
	var env lab.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		// Poison message; log and commit rather than redeliver forever.
		s.Log.Error().Err(err).Msg("undecodable event, skipping")
		return nil
	}
	if env.EventType != lab.EventOrderReleased {
		return nil
	}

	dkey := fmt.Sprintf(redisx.KeyDedup, "notifier", env.EventID)
	exists, err := redisx.Exists(ctx, s.Redis, dkey)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	p, err := kafkax.UnwrapPayload[lab.OrderReleasedPayload](env.Payload)
	if err != nil {
		s.Log.Error().Err(err).Str("event_id", env.EventID).Msg("bad OrderReleased payload, skipping")
		return nil
	}

	tok, err := s.Tokens.Issue(ctx, p.OrderID)
	if err != nil {
		return err
	}
	s.publishResultReady(p, tok, env.TraceID)
	s.Log.Info().Str("order_id", p.OrderID).Str("token", tok.Token).Msg("result token issued")

	// Mark processed only after the token exists; a crash in between just
	// issues a second token on redelivery, which is safe.
	return s.Redis.Set(ctx, dkey, "1", redisx.TTLDedup).Err()
}

func (s *Service) publishResultReady(p lab.OrderReleasedPayload, tok *tokens.Token, trace string) {
	ev := lab.Envelope{
		EventID:       uuid.NewString(),
		EventType:     lab.EventResultReady,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      s.ServiceName,
		TraceID:       trace,
		CorrelationID: p.OrderID,
		Payload: kafkax.MustMarshal(lab.ResultReadyPayload{
			OrderID:   p.OrderID,
			PatientID: p.PatientID,
			Token:     tok.Token,
			ExpiresAt: tok.ExpiresAt,
		}),
	}
	s.Producer.Publish(lab.PartitionKey(p.OrderID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(lab.EventResultReady)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}
