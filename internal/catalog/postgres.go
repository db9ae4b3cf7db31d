// Package catalog reads the data catalog's own tables: datasets (package),
// groups and organizations ("group"), membership (member) and the activity
// stream (activity). It never writes to them except for test activity.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"subscribe-service/internal/model"
	"subscribe-service/pkg/otel"
	"subscribe-service/pkg/sentinel"
)

// TestActivityType marks rows written by InsertTestActivity.
const TestActivityType = "test activity"

type Postgres struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewPostgres(pool *pgxpool.Pool, logger *zap.Logger) *Postgres {
	return &Postgres{db: pool, logger: logger}
}

// Resolve looks ref up by id first, then by name. Deleted objects do not resolve.
func (p *Postgres) Resolve(ctx context.Context, ref model.TargetRef) (*model.CatalogObject, error) {
	var (
		obj *model.CatalogObject
		err error
	)
	switch ref.Type {
	case model.ObjectDataset:
		obj, err = p.resolveDataset(ctx, ref.Ref)
	case model.ObjectGroup, model.ObjectOrganization:
		obj, err = p.resolveGroup(ctx, ref.Ref)
	default:
		return nil, sentinel.ErrNotFound
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s %q: %w", ref.Type, ref.Ref, err)
	}
	return obj, nil
}

func (p *Postgres) resolveDataset(ctx context.Context, ref string) (*model.CatalogObject, error) {
	query := `
		SELECT id, name, COALESCE(title, ''), private, COALESCE(owner_org, '')
		FROM package
		WHERE (id = $1 OR name = $1) AND state = 'active'
		ORDER BY (id = $1) DESC
		LIMIT 1`

	obj := model.CatalogObject{Type: model.ObjectDataset}
	err := otel.Query(ctx, "select", "package", func(ctx context.Context) error {
		return p.db.QueryRow(ctx, query, ref).Scan(&obj.ID, &obj.Name, &obj.Title, &obj.Private, &obj.OwnerOrg)
	})
	if err != nil {
		return nil, err
	}
	return &obj, nil
}

// resolveGroup serves both kinds; the row's is_organization decides the type.
func (p *Postgres) resolveGroup(ctx context.Context, ref string) (*model.CatalogObject, error) {
	query := `
		SELECT id, name, COALESCE(title, ''), is_organization
		FROM "group"
		WHERE (id = $1 OR name = $1) AND state = 'active'
		ORDER BY (id = $1) DESC
		LIMIT 1`

	var (
		obj   model.CatalogObject
		isOrg bool
	)
	err := otel.Query(ctx, "select", "group", func(ctx context.Context) error {
		return p.db.QueryRow(ctx, query, ref).Scan(&obj.ID, &obj.Name, &obj.Title, &isOrg)
	})
	if err != nil {
		return nil, err
	}
	obj.Type = model.ObjectGroup
	if isOrg {
		obj.Type = model.ObjectOrganization
	}
	return &obj, nil
}

// CheckReadAccess: public objects are readable by anyone, private datasets by
// sysadmins and members of the owning organization.
func (p *Postgres) CheckReadAccess(ctx context.Context, actor model.Actor, obj *model.CatalogObject) (bool, error) {
	if !obj.Private || actor.Sysadmin {
		return true, nil
	}
	if actor.Name == "" || obj.OwnerOrg == "" {
		return false, nil
	}

	query := `
		SELECT EXISTS (
			SELECT 1
			FROM member m
			JOIN "user" u ON u.id = m.table_id
			WHERE m.table_name = 'user'
			  AND m.state = 'active'
			  AND m.group_id = $1
			  AND u.name = $2
		)`

	var ok bool
	err := otel.Query(ctx, "select", "member", func(ctx context.Context) error {
		return p.db.QueryRow(ctx, query, obj.OwnerOrg, actor.Name).Scan(&ok)
	})
	if err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}
	return ok, nil
}

// DatasetIDsIn returns the active datasets owned by an organization or
// belonging to a group. A dataset target yields nothing.
func (p *Postgres) DatasetIDsIn(ctx context.Context, target model.Target) ([]string, error) {
	var query string
	switch target.Type {
	case model.ObjectOrganization:
		query = `SELECT id FROM package WHERE owner_org = $1 AND state = 'active'`
	case model.ObjectGroup:
		query = `
			SELECT p.id
			FROM member m
			JOIN package p ON p.id = m.table_id
			WHERE m.table_name = 'package' AND m.state = 'active'
			  AND m.group_id = $1 AND p.state = 'active'`
	default:
		return nil, nil
	}

	var ids []string
	err := otel.Query(ctx, "select", "package", func(ctx context.Context) error {
		rows, err := p.db.Query(ctx, query, target.ID)
		if err != nil {
			return err
		}
		ids, err = pgx.CollectRows(rows, pgx.RowTo[string])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list datasets of %s %s: %w", target.Type, target.ID, err)
	}
	return ids, nil
}

// ActivitiesSince returns activity on objectIDs with timestamp in (since, until],
// oldest first.
func (p *Postgres) ActivitiesSince(ctx context.Context, objectIDs []string, since, until time.Time) ([]model.Activity, error) {
	if len(objectIDs) == 0 {
		return nil, nil
	}

	query := `
		SELECT id, object_id, activity_type, COALESCE(user_id, ''), timestamp, COALESCE(data, '')
		FROM activity
		WHERE object_id = ANY($1) AND timestamp > $2 AND timestamp <= $3
		ORDER BY timestamp, id`

	var activities []model.Activity
	err := otel.Query(ctx, "select", "activity", func(ctx context.Context) error {
		rows, err := p.db.Query(ctx, query, objectIDs, since.UTC(), until.UTC())
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				a    model.Activity
				data string
			)
			if err := rows.Scan(&a.ID, &a.ObjectID, &a.ActivityType, &a.UserID, &a.Timestamp, &data); err != nil {
				return err
			}
			a.Data = p.decodeData(a.ID, data)
			activities = append(activities, a)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query activity: %w", err)
	}
	return activities, nil
}

// decodeData tolerates empty and malformed payloads; the digest only needs
// what it can find.
func (p *Postgres) decodeData(activityID, data string) map[string]any {
	if data == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		p.logger.Debug("Ignoring undecodable activity data",
			zap.String("activity_id", activityID),
			zap.Error(err))
		return nil
	}
	return out
}

// InsertTestActivity records a 'test activity' row on the object with the
// given id or name.
func (p *Postgres) InsertTestActivity(ctx context.Context, ref string, userID string) (*model.Activity, error) {
	obj, err := p.Resolve(ctx, model.TargetRef{Type: model.ObjectDataset, Ref: ref})
	if errors.Is(err, sentinel.ErrNotFound) {
		obj, err = p.Resolve(ctx, model.TargetRef{Type: model.ObjectGroup, Ref: ref})
	}
	if err != nil {
		return nil, err
	}

	a := model.Activity{
		ID:           uuid.NewString(),
		ObjectID:     obj.ID,
		ActivityType: TestActivityType,
		UserID:       userID,
		Timestamp:    time.Now().UTC(),
	}
	err = otel.Query(ctx, "insert", "activity", func(ctx context.Context) error {
		_, err := p.db.Exec(ctx, `
			INSERT INTO activity (id, timestamp, user_id, object_id, activity_type, data)
			VALUES ($1, $2, $3, $4, $5, '{}')`,
			a.ID, a.Timestamp, a.UserID, a.ObjectID, a.ActivityType)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to insert test activity: %w", err)
	}
	return &a, nil
}

// DeleteTestActivity removes every 'test activity' row on all objects.
func (p *Postgres) DeleteTestActivity(ctx context.Context) (int64, error) {
	var n int64
	err := otel.Query(ctx, "delete", "activity", func(ctx context.Context) error {
		tag, err := p.db.Exec(ctx, `DELETE FROM activity WHERE activity_type = $1`, TestActivityType)
		n = tag.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete test activity: %w", err)
	}
	return n, nil
}
