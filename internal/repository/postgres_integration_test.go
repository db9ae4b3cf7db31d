//go:build integration

package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"subscribe-service/pkg/db"
	"subscribe-service/pkg/testutil/containers"
)

type pgStore struct {
	*SubscriptionRepository
	*LoginCodeRepository
	*WatermarkRepository
	*db.TxManager
}

func TestPostgresStore(t *testing.T) {
	pg := containers.NewPostgresContainer(t)
	require.NoError(t, ApplySchema(context.Background(), pg.Pool))
	// applying twice must be harmless
	require.NoError(t, ApplySchema(context.Background(), pg.Pool))

	suite.Run(t, &StoreSuite{newStore: func() store {
		require.NoError(t, pg.Truncate(context.Background(), "subscription", "login_code", "subscribe"))
		return pgStore{
			SubscriptionRepository: NewSubscriptionRepository(pg.Pool),
			LoginCodeRepository:    NewLoginCodeRepository(pg.Pool),
			WatermarkRepository:    NewWatermarkRepository(pg.Pool),
			TxManager:              db.NewTxManager(pg.Pool),
		}
	}})
}
