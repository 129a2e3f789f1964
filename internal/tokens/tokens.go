// Package tokens manages ephemeral public-access credentials for released
// orders. Tokens live entirely in redis: expiry is the key TTL, the view
// count is an INCR counter, and deactivation flips the active flag. Nothing
// else ever mutates a token.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/clinilab/go-lab-orders/internal/redisx"
)

var (
	ErrNotFound    = errors.New("token not found or expired")
	ErrDeactivated = errors.New("token deactivated")
	ErrViewsSpent  = errors.New("token view limit reached")
)

type Token struct {
	Token     string    `json:"token"`
	OrderID   string    `json:"order_id"`
	ExpiresAt time.Time `json:"expires_at"`
	MaxViews  int       `json:"max_views"`
	Views     int       `json:"views"`
}

type Store struct {
	Redis    *redis.Client
	TTL      time.Duration
	MaxViews int
}

// Issue mints a token for an order. Existing tokens for the order stay valid;
// callers that want exactly one live token deactivate the old one first.
func (s *Store) Issue(ctx context.Context, orderID string) (*Token, error) {
	tok := strings.ReplaceAll(uuid.NewString(), "-", "")
	now := time.Now().UTC()
	key := fmt.Sprintf(redisx.KeyResultToken, tok)

	pipe := s.Redis.TxPipeline()
	pipe.HSet(ctx, key, "order_id", orderID, "max_views", s.MaxViews, "views", 0, "active", 1)
	pipe.Expire(ctx, key, s.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return &Token{
		Token:     tok,
		OrderID:   orderID,
		ExpiresAt: now.Add(s.TTL),
		MaxViews:  s.MaxViews,
	}, nil
}

// Redeem consumes one view and returns the order the token grants access to.
func (s *Store) Redeem(ctx context.Context, token string) (*Token, error) {
	key := fmt.Sprintf(redisx.KeyResultToken, token)
	vals, err := s.Redis.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	if vals["active"] != "1" {
		return nil, ErrDeactivated
	}
	views, err := s.Redis.HIncrBy(ctx, key, "views", 1).Result()
	if err != nil {
		return nil, err
	}
	max := atoi(vals["max_views"])
	if max > 0 && int(views) > max {
		return nil, ErrViewsSpent
	}
	ttl, err := s.Redis.TTL(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	return &Token{
		Token:     token,
		OrderID:   vals["order_id"],
		ExpiresAt: time.Now().UTC().Add(ttl),
		MaxViews:  max,
		Views:     int(views),
	}, nil
}

// Deactivate turns the token off without deleting it, so redeem attempts can
// distinguish "deactivated" from "expired".
func (s *Store) Deactivate(ctx context.Context, token string) error {
	key := fmt.Sprintf(redisx.KeyResultToken, token)
	n, err := s.Redis.Exists(ctx, key).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return s.Redis.HSet(ctx, key, "active", 0).Err()
}

func atoi(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}
