package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"subscribe-service/internal/model"
	"subscribe-service/pkg/db"
	"subscribe-service/pkg/otel"
)

// WatermarkRepository keeps the last-sent time of each frequency tier.
type WatermarkRepository struct {
	db *pgxpool.Pool
}

func NewWatermarkRepository(pool *pgxpool.Pool) *WatermarkRepository {
	return &WatermarkRepository{db: pool}
}

// LastSent returns ok=false when the tier has never been sent.
func (r *WatermarkRepository) LastSent(ctx context.Context, frequency model.Frequency) (time.Time, bool, error) {
	var t time.Time
	err := otel.Query(ctx, "select", "subscribe", func(ctx context.Context) error {
		return db.Conn(ctx, r.db).QueryRow(ctx,
			`SELECT emails_last_sent FROM subscribe WHERE frequency = $1`, frequency).Scan(&t)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read watermark: %w", err)
	}
	return t, true, nil
}

func (r *WatermarkRepository) SetLastSent(ctx context.Context, frequency model.Frequency, t time.Time) error {
	return otel.Query(ctx, "upsert", "subscribe", func(ctx context.Context) error {
		_, err := db.Conn(ctx, r.db).Exec(ctx, `
			INSERT INTO subscribe (frequency, emails_last_sent)
			VALUES ($1, $2)
			ON CONFLICT (frequency) DO UPDATE SET emails_last_sent = EXCLUDED.emails_last_sent`,
			frequency, t)
		if err != nil {
			return fmt.Errorf("failed to set watermark: %w", err)
		}
		return nil
	})
}
