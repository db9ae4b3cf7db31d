package repository

import (
	"context"
	"errors"
	"time"

	"github.com/stretchr/testify/suite"

	"subscribe-service/internal/model"
	"subscribe-service/pkg/sentinel"
)

// store is the full surface shared by MemoryStore and the Postgres repositories.
type store interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error

	Find(ctx context.Context, email string, target model.Target) (*model.Subscription, error)
	FindByID(ctx context.Context, id string) (*model.Subscription, error)
	Upsert(ctx context.Context, email string, target model.Target, frequency model.Frequency) (*model.Subscription, bool, error)
	ListForEmail(ctx context.Context, email string, verifiedOnly bool) ([]model.Subscription, error)
	Delete(ctx context.Context, id string) error
	DeleteAllForEmail(ctx context.Context, email string) ([]model.Subscription, error)
	UpdateFrequency(ctx context.Context, id string, frequency model.Frequency) (*model.Subscription, error)
	SetVerificationCode(ctx context.Context, id, code string, expires time.Time) error
	MarkVerified(ctx context.Context, id string) (*model.Subscription, error)
	ConsumeVerificationCode(ctx context.Context, code string, now time.Time) (*model.Subscription, error)
	DueForNotification(ctx context.Context, frequency model.Frequency) ([]model.Subscription, error)

	Create(ctx context.Context, code *model.LoginCode) error
	FindByCode(ctx context.Context, code string) (*model.LoginCode, error)

	LastSent(ctx context.Context, frequency model.Frequency) (time.Time, bool, error)
	SetLastSent(ctx context.Context, frequency model.Frequency, t time.Time) error
}

// StoreSuite runs the same behaviour checks against every store implementation.
type StoreSuite struct {
	suite.Suite
	ctx      context.Context
	newStore func() store
	store    store
}

var (
	dataset = model.Target{Type: model.ObjectDataset, ID: "ds-1"}
	group   = model.Target{Type: model.ObjectGroup, ID: "grp-1"}
)

func (s *StoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.newStore()
}

func (s *StoreSuite) TestUpsertReturnsExistingRow() {
	first, created, err := s.store.Upsert(s.ctx, "a@example.com", dataset, model.FrequencyImmediate)
	s.Require().NoError(err)
	s.True(created)
	s.False(first.Verified)

	second, created, err := s.store.Upsert(s.ctx, "a@example.com", dataset, model.FrequencyDaily)
	s.Require().NoError(err)
	s.False(created)
	s.Equal(first.ID, second.ID)
	s.Equal(model.FrequencyImmediate, second.Frequency)

	subs, err := s.store.ListForEmail(s.ctx, "a@example.com", false)
	s.Require().NoError(err)
	s.Len(subs, 1)
}

func (s *StoreSuite) TestFindMissing() {
	_, err := s.store.Find(s.ctx, "nobody@example.com", dataset)
	s.True(errors.Is(err, sentinel.ErrNotFound))

	_, err = s.store.FindByID(s.ctx, "00000000-0000-0000-0000-000000000000")
	s.True(errors.Is(err, sentinel.ErrNotFound))
}

func (s *StoreSuite) TestConsumeVerificationCodeOnce() {
	sub, _, err := s.store.Upsert(s.ctx, "a@example.com", dataset, model.FrequencyImmediate)
	s.Require().NoError(err)

	now := time.Now()
	s.Require().NoError(s.store.SetVerificationCode(s.ctx, sub.ID, "code-1", now.Add(time.Hour)))

	verified, err := s.store.ConsumeVerificationCode(s.ctx, "code-1", now)
	s.Require().NoError(err)
	s.True(verified.Verified)
	s.Empty(verified.VerificationCode)
	s.Nil(verified.VerificationCodeExpires)

	_, err = s.store.ConsumeVerificationCode(s.ctx, "code-1", now)
	s.True(errors.Is(err, sentinel.ErrNotFound))
}

func (s *StoreSuite) TestConsumeExpiredCodeLeavesSubscriptionPending() {
	sub, _, err := s.store.Upsert(s.ctx, "a@example.com", dataset, model.FrequencyImmediate)
	s.Require().NoError(err)

	now := time.Now()
	s.Require().NoError(s.store.SetVerificationCode(s.ctx, sub.ID, "code-old", now.Add(-time.Hour)))

	_, err = s.store.ConsumeVerificationCode(s.ctx, "code-old", now)
	s.True(errors.Is(err, sentinel.ErrExpired))

	got, err := s.store.FindByID(s.ctx, sub.ID)
	s.Require().NoError(err)
	s.False(got.Verified)
}

func (s *StoreSuite) TestSetVerificationCodeRejectsVerified() {
	sub, _, err := s.store.Upsert(s.ctx, "a@example.com", dataset, model.FrequencyImmediate)
	s.Require().NoError(err)
	_, err = s.store.MarkVerified(s.ctx, sub.ID)
	s.Require().NoError(err)

	err = s.store.SetVerificationCode(s.ctx, sub.ID, "code-2", time.Now().Add(time.Hour))
	s.True(errors.Is(err, sentinel.ErrInvalidState))
}

func (s *StoreSuite) TestTakenCodesConflictInsideTx() {
	expires := time.Now().Add(time.Hour)
	a, _, err := s.store.Upsert(s.ctx, "a@example.com", dataset, model.FrequencyImmediate)
	s.Require().NoError(err)
	b, _, err := s.store.Upsert(s.ctx, "b@example.com", dataset, model.FrequencyImmediate)
	s.Require().NoError(err)
	s.Require().NoError(s.store.SetVerificationCode(s.ctx, a.ID, "taken", expires))
	s.Require().NoError(s.store.Create(s.ctx, &model.LoginCode{Code: "login-taken", Email: "a@example.com", ExpiresAt: expires}))

	err = s.store.RunInTx(s.ctx, func(ctx context.Context) error {
		s.ErrorIs(s.store.SetVerificationCode(ctx, b.ID, "taken", expires), sentinel.ErrConflict)
		s.ErrorIs(s.store.Create(ctx, &model.LoginCode{Code: "login-taken", Email: "b@example.com", ExpiresAt: expires}), sentinel.ErrConflict)

		// the transaction is still usable after both conflicts
		if err := s.store.SetVerificationCode(ctx, b.ID, "fresh", expires); err != nil {
			return err
		}
		return s.store.Create(ctx, &model.LoginCode{Code: "login-fresh", Email: "b@example.com", ExpiresAt: expires})
	})
	s.Require().NoError(err)

	got, err := s.store.FindByID(s.ctx, b.ID)
	s.Require().NoError(err)
	s.Equal("fresh", got.VerificationCode)
	lc, err := s.store.FindByCode(s.ctx, "login-taken")
	s.Require().NoError(err)
	s.Equal("a@example.com", lc.Email)
}

func (s *StoreSuite) TestListForEmailVerifiedOnly() {
	a, _, err := s.store.Upsert(s.ctx, "a@example.com", dataset, model.FrequencyImmediate)
	s.Require().NoError(err)
	_, _, err = s.store.Upsert(s.ctx, "a@example.com", group, model.FrequencyImmediate)
	s.Require().NoError(err)
	_, err = s.store.MarkVerified(s.ctx, a.ID)
	s.Require().NoError(err)

	all, err := s.store.ListForEmail(s.ctx, "a@example.com", false)
	s.Require().NoError(err)
	s.Len(all, 2)

	verified, err := s.store.ListForEmail(s.ctx, "a@example.com", true)
	s.Require().NoError(err)
	s.Require().Len(verified, 1)
	s.Equal(a.ID, verified[0].ID)
}

func (s *StoreSuite) TestDeleteAllForEmailLeavesOthers() {
	_, _, err := s.store.Upsert(s.ctx, "a@example.com", dataset, model.FrequencyImmediate)
	s.Require().NoError(err)
	_, _, err = s.store.Upsert(s.ctx, "a@example.com", group, model.FrequencyDaily)
	s.Require().NoError(err)
	other, _, err := s.store.Upsert(s.ctx, "b@example.com", dataset, model.FrequencyImmediate)
	s.Require().NoError(err)

	deleted, err := s.store.DeleteAllForEmail(s.ctx, "a@example.com")
	s.Require().NoError(err)
	s.Len(deleted, 2)

	left, err := s.store.ListForEmail(s.ctx, "a@example.com", false)
	s.Require().NoError(err)
	s.Empty(left)

	_, err = s.store.FindByID(s.ctx, other.ID)
	s.NoError(err)
}

func (s *StoreSuite) TestDelete() {
	sub, _, err := s.store.Upsert(s.ctx, "a@example.com", dataset, model.FrequencyImmediate)
	s.Require().NoError(err)

	s.Require().NoError(s.store.Delete(s.ctx, sub.ID))
	s.True(errors.Is(s.store.Delete(s.ctx, sub.ID), sentinel.ErrNotFound))
}

func (s *StoreSuite) TestUpdateFrequency() {
	sub, _, err := s.store.Upsert(s.ctx, "a@example.com", dataset, model.FrequencyImmediate)
	s.Require().NoError(err)

	updated, err := s.store.UpdateFrequency(s.ctx, sub.ID, model.FrequencyWeekly)
	s.Require().NoError(err)
	s.Equal(model.FrequencyWeekly, updated.Frequency)

	_, err = s.store.UpdateFrequency(s.ctx, "00000000-0000-0000-0000-000000000000", model.FrequencyDaily)
	s.True(errors.Is(err, sentinel.ErrNotFound))
}

func (s *StoreSuite) TestDueForNotification() {
	a, _, err := s.store.Upsert(s.ctx, "b@example.com", dataset, model.FrequencyDaily)
	s.Require().NoError(err)
	b, _, err := s.store.Upsert(s.ctx, "a@example.com", dataset, model.FrequencyDaily)
	s.Require().NoError(err)
	_, _, err = s.store.Upsert(s.ctx, "c@example.com", dataset, model.FrequencyDaily)
	s.Require().NoError(err)
	_, err = s.store.MarkVerified(s.ctx, a.ID)
	s.Require().NoError(err)
	_, err = s.store.MarkVerified(s.ctx, b.ID)
	s.Require().NoError(err)

	due, err := s.store.DueForNotification(s.ctx, model.FrequencyDaily)
	s.Require().NoError(err)
	s.Require().Len(due, 2)
	s.Equal("a@example.com", due[0].Email)
	s.Equal("b@example.com", due[1].Email)

	none, err := s.store.DueForNotification(s.ctx, model.FrequencyWeekly)
	s.Require().NoError(err)
	s.Empty(none)
}

func (s *StoreSuite) TestLoginCodes() {
	expires := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Microsecond)
	s.Require().NoError(s.store.Create(s.ctx, &model.LoginCode{Code: "lc-1", Email: "a@example.com", ExpiresAt: expires}))

	lc, err := s.store.FindByCode(s.ctx, "lc-1")
	s.Require().NoError(err)
	s.Equal("a@example.com", lc.Email)
	s.True(expires.Equal(lc.ExpiresAt))

	_, err = s.store.FindByCode(s.ctx, "missing")
	s.True(errors.Is(err, sentinel.ErrNotFound))
}

func (s *StoreSuite) TestWatermarks() {
	_, ok, err := s.store.LastSent(s.ctx, model.FrequencyDaily)
	s.Require().NoError(err)
	s.False(ok)

	first := time.Now().UTC().Truncate(time.Microsecond)
	s.Require().NoError(s.store.SetLastSent(s.ctx, model.FrequencyDaily, first))
	second := first.Add(time.Hour)
	s.Require().NoError(s.store.SetLastSent(s.ctx, model.FrequencyDaily, second))

	got, ok, err := s.store.LastSent(s.ctx, model.FrequencyDaily)
	s.Require().NoError(err)
	s.True(ok)
	s.True(second.Equal(got))
}

func (s *StoreSuite) TestRunInTxRollsBack() {
	boom := errors.New("boom")
	err := s.store.RunInTx(s.ctx, func(ctx context.Context) error {
		if _, _, err := s.store.Upsert(ctx, "a@example.com", dataset, model.FrequencyImmediate); err != nil {
			return err
		}
		return boom
	})
	s.ErrorIs(err, boom)

	_, err = s.store.Find(s.ctx, "a@example.com", dataset)
	s.True(errors.Is(err, sentinel.ErrNotFound))
}

func (s *StoreSuite) TestRunInTxNested() {
	err := s.store.RunInTx(s.ctx, func(ctx context.Context) error {
		return s.store.RunInTx(ctx, func(ctx context.Context) error {
			_, _, err := s.store.Upsert(ctx, "a@example.com", dataset, model.FrequencyImmediate)
			return err
		})
	})
	s.Require().NoError(err)

	_, err = s.store.Find(s.ctx, "a@example.com", dataset)
	s.NoError(err)
}
