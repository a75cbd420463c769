// Package profiles resolves user display fields for outbound messages.
// Rows in users are the source of truth; Redis holds a short-lived copy.
package profiles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/soundstage/backend/internal/apperr"
	"github.com/soundstage/backend/internal/models"
)

const (
	keyPrefix  = "profile:display:"
	DefaultTTL = 5 * time.Minute
)

// Source loads display fields from the users table.
type Source interface {
	Load(ctx context.Context, userID uuid.UUID) (*models.UserDisplay, error)
}

// Cache is a read-through display cache. A nil Redis client disables caching.
type Cache struct {
	source Source
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
	group  singleflight.Group
}

// NewCache creates a display cache.
func NewCache(source Source, rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{source: source, rdb: rdb, ttl: ttl, logger: logger}
}

// Display returns the user's display fields, from cache when fresh.
func (c *Cache) Display(ctx context.Context, userID uuid.UUID) (*models.UserDisplay, error) {
	key := keyPrefix + userID.String()
	if c.rdb != nil {
		raw, err := c.rdb.Get(ctx, key).Bytes()
		if err == nil {
			var d models.UserDisplay
			if json.Unmarshal(raw, &d) == nil {
				return &d, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			c.logger.Warn("profile cache read", zap.Error(err))
		}
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		d, err := c.source.Load(ctx, userID)
		if err != nil {
			return nil, err
		}
		if c.rdb != nil {
			if raw, err := json.Marshal(d); err == nil {
				if err := c.rdb.Set(ctx, key, raw, c.ttl).Err(); err != nil {
					c.logger.Warn("profile cache write", zap.Error(err))
				}
			}
		}
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	d := *v.(*models.UserDisplay)
	return &d, nil
}

// Invalidate drops the cached copy after a profile change.
func (c *Cache) Invalidate(ctx context.Context, userID uuid.UUID) error {
	if c.rdb == nil {
		return nil
	}
	return c.rdb.Del(ctx, keyPrefix+userID.String()).Err()
}

// Repository reads display fields and payout accounts from users.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a users repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Load implements Source.
func (r *Repository) Load(ctx context.Context, userID uuid.UUID) (*models.UserDisplay, error) {
	var d models.UserDisplay
	var avatar *string
	err := r.pool.QueryRow(ctx, `SELECT id, display_name, avatar_url FROM users WHERE id = $1`, userID).
		Scan(&d.ID, &d.DisplayName, &avatar)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	if avatar != nil {
		d.AvatarURL = *avatar
	}
	return &d, nil
}

// PayoutAccount returns the user's connected payout account, if any.
func (r *Repository) PayoutAccount(ctx context.Context, userID uuid.UUID) (*string, error) {
	var account *string
	err := r.pool.QueryRow(ctx, `SELECT payout_account_id FROM users WHERE id = $1`, userID).Scan(&account)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load payout account: %w", err)
	}
	return account, nil
}
