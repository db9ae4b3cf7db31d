package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"subscribe-service/internal/model"
	"subscribe-service/pkg/db"
	"subscribe-service/pkg/otel"
	"subscribe-service/pkg/sentinel"
)

const subscriptionColumns = `id, email, object_type, object_id, frequency, verified,
	COALESCE(verification_code, ''), verification_code_expires, created, updated`

type SubscriptionRepository struct {
	db *pgxpool.Pool
	tx *db.TxManager
}

func NewSubscriptionRepository(pool *pgxpool.Pool) *SubscriptionRepository {
	return &SubscriptionRepository{db: pool, tx: db.NewTxManager(pool)}
}

func (r *SubscriptionRepository) Find(ctx context.Context, email string, target model.Target) (*model.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscription
		WHERE email = $1 AND object_type = $2 AND object_id = $3`

	var sub *model.Subscription
	err := otel.Query(ctx, "select", "subscription", func(ctx context.Context) error {
		var err error
		sub, err = scanSubscription(db.Conn(ctx, r.db).QueryRow(ctx, query, email, target.Type, target.ID))
		return err
	})
	return sub, notFound(err)
}

func (r *SubscriptionRepository) FindByID(ctx context.Context, id string) (*model.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscription WHERE id = $1`

	var sub *model.Subscription
	err := otel.Query(ctx, "select", "subscription", func(ctx context.Context) error {
		var err error
		sub, err = scanSubscription(db.Conn(ctx, r.db).QueryRow(ctx, query, id))
		return err
	})
	return sub, notFound(err)
}

// Upsert inserts an unverified subscription, or returns the existing row for
// (email, target) unchanged. created reports which happened.
func (r *SubscriptionRepository) Upsert(ctx context.Context, email string, target model.Target, frequency model.Frequency) (*model.Subscription, bool, error) {
	query := `
		INSERT INTO subscription (id, email, object_type, object_id, frequency, verified)
		VALUES ($1, $2, $3, $4, $5, FALSE)
		ON CONFLICT (email, object_type, object_id) DO NOTHING
		RETURNING ` + subscriptionColumns

	var sub *model.Subscription
	err := otel.Query(ctx, "insert", "subscription", func(ctx context.Context) error {
		var err error
		sub, err = scanSubscription(db.Conn(ctx, r.db).QueryRow(ctx, query,
			uuid.NewString(), email, target.Type, target.ID, frequency))
		return err
	})
	if err == nil {
		return sub, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to insert subscription: %w", err)
	}

	existing, err := r.Find(ctx, email, target)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// ListForEmail returns the subscriptions of email in creation order.
func (r *SubscriptionRepository) ListForEmail(ctx context.Context, email string, verifiedOnly bool) ([]model.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscription
		WHERE email = $1 AND (verified OR NOT $2)
		ORDER BY created, id`

	var subs []model.Subscription
	err := otel.Query(ctx, "select", "subscription", func(ctx context.Context) error {
		var err error
		subs, err = r.queryAll(ctx, query, email, verifiedOnly)
		return err
	})
	return subs, err
}

func (r *SubscriptionRepository) Delete(ctx context.Context, id string) error {
	return otel.Query(ctx, "delete", "subscription", func(ctx context.Context) error {
		tag, err := db.Conn(ctx, r.db).Exec(ctx, `DELETE FROM subscription WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("failed to delete subscription: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return sentinel.ErrNotFound
		}
		return nil
	})
}

// DeleteAllForEmail removes every subscription of email and returns them.
func (r *SubscriptionRepository) DeleteAllForEmail(ctx context.Context, email string) ([]model.Subscription, error) {
	query := `DELETE FROM subscription WHERE email = $1 RETURNING ` + subscriptionColumns

	var subs []model.Subscription
	err := otel.Query(ctx, "delete", "subscription", func(ctx context.Context) error {
		var err error
		subs, err = r.queryAll(ctx, query, email)
		return err
	})
	return subs, err
}

func (r *SubscriptionRepository) UpdateFrequency(ctx context.Context, id string, frequency model.Frequency) (*model.Subscription, error) {
	query := `
		UPDATE subscription SET frequency = $2, updated = NOW()
		WHERE id = $1
		RETURNING ` + subscriptionColumns

	var sub *model.Subscription
	err := otel.Query(ctx, "update", "subscription", func(ctx context.Context) error {
		var err error
		sub, err = scanSubscription(db.Conn(ctx, r.db).QueryRow(ctx, query, id, frequency))
		return err
	})
	return sub, notFound(err)
}

// SetVerificationCode replaces the code and expiry of an unverified subscription.
// A code already held by another row gives sentinel.ErrConflict without
// aborting the surrounding transaction.
func (r *SubscriptionRepository) SetVerificationCode(ctx context.Context, id, code string, expires time.Time) error {
	return otel.Query(ctx, "update", "subscription", func(ctx context.Context) error {
		conn := db.Conn(ctx, r.db)
		tag, err := conn.Exec(ctx, `
			UPDATE subscription
			SET verification_code = $2, verification_code_expires = $3, updated = NOW()
			WHERE id = $1 AND NOT verified
				AND NOT EXISTS (SELECT 1 FROM subscription WHERE verification_code = $2 AND id <> $1)`,
			id, code, expires)
		if isUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		if err != nil {
			return fmt.Errorf("failed to set verification code: %w", err)
		}
		if tag.RowsAffected() > 0 {
			return nil
		}

		var taken bool
		if err := conn.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM subscription WHERE verification_code = $2 AND id <> $1)`,
			id, code).Scan(&taken); err != nil {
			return fmt.Errorf("failed to check verification code: %w", err)
		}
		if taken {
			return sentinel.ErrConflict
		}
		return sentinel.ErrInvalidState
	})
}

// MarkVerified verifies a subscription directly, without a code.
func (r *SubscriptionRepository) MarkVerified(ctx context.Context, id string) (*model.Subscription, error) {
	query := `
		UPDATE subscription
		SET verified = TRUE, verification_code = NULL, verification_code_expires = NULL, updated = NOW()
		WHERE id = $1
		RETURNING ` + subscriptionColumns

	var sub *model.Subscription
	err := otel.Query(ctx, "update", "subscription", func(ctx context.Context) error {
		var err error
		sub, err = scanSubscription(db.Conn(ctx, r.db).QueryRow(ctx, query, id))
		return err
	})
	return sub, notFound(err)
}

// ConsumeVerificationCode verifies the subscription holding code. The row is
// locked for the read-then-invalidate so a code is consumed at most once.
func (r *SubscriptionRepository) ConsumeVerificationCode(ctx context.Context, code string, now time.Time) (*model.Subscription, error) {
	var out *model.Subscription
	err := r.tx.RunInTx(ctx, func(ctx context.Context) error {
		conn := db.Conn(ctx, r.db)

		sub, err := scanSubscription(conn.QueryRow(ctx, `SELECT `+subscriptionColumns+`
			FROM subscription
			WHERE verification_code = $1 AND NOT verified
			FOR UPDATE`, code))
		if err != nil {
			return notFound(err)
		}
		if sub.VerificationCodeExpires == nil || !now.Before(*sub.VerificationCodeExpires) {
			return sentinel.ErrExpired
		}

		out, err = scanSubscription(conn.QueryRow(ctx, `
			UPDATE subscription
			SET verified = TRUE, verification_code = NULL, verification_code_expires = NULL, updated = NOW()
			WHERE id = $1
			RETURNING `+subscriptionColumns, sub.ID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DueForNotification returns verified subscriptions at one tier, grouped by email.
func (r *SubscriptionRepository) DueForNotification(ctx context.Context, frequency model.Frequency) ([]model.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscription
		WHERE verified AND frequency = $1
		ORDER BY email, created, id`

	var subs []model.Subscription
	err := otel.Query(ctx, "select", "subscription", func(ctx context.Context) error {
		var err error
		subs, err = r.queryAll(ctx, query, frequency)
		return err
	})
	return subs, err
}

func (r *SubscriptionRepository) queryAll(ctx context.Context, query string, args ...any) ([]model.Subscription, error) {
	rows, err := db.Conn(ctx, r.db).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

func scanSubscription(row pgx.Row) (*model.Subscription, error) {
	var s model.Subscription
	err := row.Scan(
		&s.ID,
		&s.Email,
		&s.ObjectType,
		&s.ObjectID,
		&s.Frequency,
		&s.Verified,
		&s.VerificationCode,
		&s.VerificationCodeExpires,
		&s.Created,
		&s.Updated,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// isUniqueViolation reports a unique_violation (23505) from Postgres.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// notFound maps pgx.ErrNoRows to the store sentinel.
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return sentinel.ErrNotFound
	}
	return err
}
