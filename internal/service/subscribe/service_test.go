package subscribe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"

	"subscribe-service/internal/catalog"
	"subscribe-service/internal/digest"
	"subscribe-service/internal/mailer"
	"subscribe-service/internal/mailer/mocks"
	"subscribe-service/internal/model"
	"subscribe-service/internal/repository"
	"subscribe-service/internal/service/codes"
	"subscribe-service/pkg/domainerr"
)

var (
	anonymous = model.Actor{}
	admin     = model.Actor{Name: "admin", Sysadmin: true}
)

type ServiceSuite struct {
	suite.Suite
	ctx     context.Context
	ctrl    *gomock.Controller
	mailer  *mocks.MockMailer
	store   *repository.MemoryStore
	catalog *catalog.Memory
	issuer  *codes.Issuer
	service *Service
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.ctrl = gomock.NewController(s.T())
	s.mailer = mocks.NewMockMailer(s.ctrl)
	s.store = repository.NewMemoryStore()
	tick := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	s.store.SetClock(func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	})

	s.catalog = catalog.NewMemory()
	s.catalog.AddObject(model.CatalogObject{ID: "org-1", Name: "cabinet-office", Title: "Cabinet Office", Type: model.ObjectOrganization})
	s.catalog.AddObject(model.CatalogObject{ID: "grp-1", Name: "transport", Title: "Transport", Type: model.ObjectGroup})
	s.catalog.AddObject(model.CatalogObject{ID: "ds-1", Name: "stream", Title: "Stream", Type: model.ObjectDataset, OwnerOrg: "org-1"})
	s.catalog.AddObject(model.CatalogObject{ID: "ds-2", Name: "lake", Title: "Lake", Type: model.ObjectDataset, OwnerOrg: "org-1"})
	s.catalog.AddObject(model.CatalogObject{ID: "ds-private", Name: "secret", Type: model.ObjectDataset, OwnerOrg: "org-1", Private: true})

	s.issuer = codes.NewIssuer(s.store, s.store, zap.NewNop())
	s.service = NewService(s.store, s.store, s.catalog, s.issuer, s.mailer,
		digest.Site{URL: "http://catalog.example.com", Title: "Example Catalog"}, zap.NewNop())
}

func (s *ServiceSuite) TearDownTest() {
	s.ctrl.Finish()
}

// capture records every message the mocked mailer accepts.
func (s *ServiceSuite) capture(times int) *[]mailer.Message {
	var sent []mailer.Message
	s.mailer.EXPECT().Send(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, msg mailer.Message) error {
			sent = append(sent, msg)
			return nil
		}).Times(times)
	return &sent
}

// verified creates a verified subscription directly in the store.
func (s *ServiceSuite) verified(email string, target model.Target, frequency model.Frequency) *model.Subscription {
	sub, _, err := s.store.Upsert(s.ctx, email, target, frequency)
	s.Require().NoError(err)
	sub, err = s.store.MarkVerified(s.ctx, sub.ID)
	s.Require().NoError(err)
	return sub
}

func (s *ServiceSuite) TestSignupTwiceKeepsOneRowAndRefreshesCode() {
	sent := s.capture(2)
	req := SignupRequest{Email: "Bob@Example.com", DatasetRef: "stream"}

	first, err := s.service.Signup(s.ctx, req, anonymous)
	s.Require().NoError(err)
	s.False(first.Subscription.Verified)
	s.Equal("bob@example.com", first.Subscription.Email)
	s.Equal(model.FrequencyImmediate, first.Subscription.Frequency)
	s.Equal("stream", first.Object.Name)

	stored, err := s.store.FindByID(s.ctx, first.Subscription.ID)
	s.Require().NoError(err)
	firstCode := stored.VerificationCode

	second, err := s.service.Signup(s.ctx, req, anonymous)
	s.Require().NoError(err)
	s.Equal(first.Subscription.ID, second.Subscription.ID)

	stored, err = s.store.FindByID(s.ctx, first.Subscription.ID)
	s.Require().NoError(err)
	s.NotEqual(firstCode, stored.VerificationCode)

	all, err := s.store.ListForEmail(s.ctx, "bob@example.com", false)
	s.Require().NoError(err)
	s.Len(all, 1)

	s.Require().Len(*sent, 2)
	s.Equal(mailer.KindVerification, (*sent)[1].Kind)
	s.Equal("bob@example.com", (*sent)[1].To)
	s.Contains((*sent)[1].Text, "/subscribe/verify?code="+stored.VerificationCode)
}

func (s *ServiceSuite) TestSignupTargetValidation() {
	_, err := s.service.Signup(s.ctx, SignupRequest{Email: "bob@example.com", DatasetRef: "stream", GroupRef: "transport"}, anonymous)
	s.True(domainerr.Is(err, domainerr.CodeValidation))

	_, err = s.service.Signup(s.ctx, SignupRequest{Email: "bob@example.com"}, anonymous)
	s.True(domainerr.Is(err, domainerr.CodeValidation))

	_, err = s.service.Signup(s.ctx, SignupRequest{Email: "not-an-email", DatasetRef: "stream"}, anonymous)
	s.True(domainerr.Is(err, domainerr.CodeValidation))

	_, err = s.service.Signup(s.ctx, SignupRequest{Email: "bob@example.com", DatasetRef: "stream", Frequency: "HOURLY"}, anonymous)
	s.True(domainerr.Is(err, domainerr.CodeValidation))
}

func (s *ServiceSuite) TestSignupMissingAndPrivateLookAlike() {
	_, missing := s.service.Signup(s.ctx, SignupRequest{Email: "bob@example.com", DatasetRef: "nope"}, anonymous)
	s.True(domainerr.Is(missing, domainerr.CodeNotFound))

	_, private := s.service.Signup(s.ctx, SignupRequest{Email: "bob@example.com", DatasetRef: "secret"}, anonymous)
	s.True(domainerr.Is(private, domainerr.CodeNotFound))
	s.Equal(missing.Error(), private.Error())
}

func (s *ServiceSuite) TestSignupSkipVerification() {
	s.Run("non-administrator is refused", func() {
		_, err := s.service.Signup(s.ctx, SignupRequest{Email: "bob@example.com", DatasetRef: "stream", SkipVerification: true},
			model.Actor{Name: "bob"})
		s.True(domainerr.Is(err, domainerr.CodeNotAuthorized))
	})

	s.Run("administrator gets a verified subscription and no email", func() {
		res, err := s.service.Signup(s.ctx, SignupRequest{Email: "bob@example.com", OrganizationRef: "cabinet-office", SkipVerification: true}, admin)
		s.Require().NoError(err)
		s.True(res.Subscription.Verified)
		s.Equal(model.ObjectOrganization, res.Subscription.ObjectType)
	})
}

func (s *ServiceSuite) TestSignupAlreadyVerifiedSendsNothing() {
	sub := s.verified("bob@example.com", model.Target{Type: model.ObjectDataset, ID: "ds-1"}, model.FrequencyDaily)

	res, err := s.service.Signup(s.ctx, SignupRequest{Email: "bob@example.com", DatasetRef: "ds-1"}, anonymous)
	s.Require().NoError(err)
	s.Equal(sub.ID, res.Subscription.ID)
	s.True(res.Subscription.Verified)
	s.Equal(model.FrequencyDaily, res.Subscription.Frequency)
}

func (s *ServiceSuite) TestSignupMailerFailureRollsBack() {
	s.mailer.EXPECT().Send(gomock.Any(), gomock.Any()).Return(errors.New("smtp down"))

	_, err := s.service.Signup(s.ctx, SignupRequest{Email: "bob@example.com", DatasetRef: "stream"}, anonymous)
	s.Require().Error(err)
	s.True(domainerr.Is(err, domainerr.CodeMailerFailure))

	var de *domainerr.Error
	s.Require().True(errors.As(err, &de))
	s.True(de.Retryable())

	subs, err := s.store.ListForEmail(s.ctx, "bob@example.com", false)
	s.Require().NoError(err)
	s.Empty(subs)
}

func (s *ServiceSuite) TestVerifySucceedsOnce() {
	sent := s.capture(2)

	res, err := s.service.Signup(s.ctx, SignupRequest{Email: "bob@example.com", DatasetRef: "stream"}, anonymous)
	s.Require().NoError(err)
	stored, err := s.store.FindByID(s.ctx, res.Subscription.ID)
	s.Require().NoError(err)

	view, loginCode, err := s.service.Verify(s.ctx, stored.VerificationCode)
	s.Require().NoError(err)
	s.True(view.Verified)
	s.NotEmpty(loginCode)

	email, err := s.service.Authenticate(s.ctx, loginCode)
	s.Require().NoError(err)
	s.Equal("bob@example.com", email)

	s.Require().Len(*sent, 2)
	s.Equal(mailer.KindConfirmation, (*sent)[1].Kind)
	s.Contains((*sent)[1].Text, "/subscribe/manage?code="+loginCode)

	_, _, err = s.service.Verify(s.ctx, stored.VerificationCode)
	s.True(domainerr.Is(err, domainerr.CodeNotFound))
}

func (s *ServiceSuite) TestVerifyExpired() {
	sub, _, err := s.store.Upsert(s.ctx, "bob@example.com", model.Target{Type: model.ObjectDataset, ID: "ds-1"}, model.FrequencyImmediate)
	s.Require().NoError(err)
	s.Require().NoError(s.store.SetVerificationCode(s.ctx, sub.ID, "old-code", time.Now().Add(-time.Hour)))

	_, _, err = s.service.Verify(s.ctx, "old-code")
	s.True(domainerr.Is(err, domainerr.CodeExpired))

	stored, err := s.store.FindByID(s.ctx, sub.ID)
	s.Require().NoError(err)
	s.False(stored.Verified)
}

func (s *ServiceSuite) TestVerifyMailerFailureKeepsCodeUsable() {
	s.capture(1)
	res, err := s.service.Signup(s.ctx, SignupRequest{Email: "bob@example.com", DatasetRef: "stream"}, anonymous)
	s.Require().NoError(err)
	stored, err := s.store.FindByID(s.ctx, res.Subscription.ID)
	s.Require().NoError(err)

	s.mailer.EXPECT().Send(gomock.Any(), gomock.Any()).Return(errors.New("smtp down"))
	_, _, err = s.service.Verify(s.ctx, stored.VerificationCode)
	s.True(domainerr.Is(err, domainerr.CodeMailerFailure))

	s.capture(1)
	view, _, err := s.service.Verify(s.ctx, stored.VerificationCode)
	s.Require().NoError(err)
	s.True(view.Verified)
}

func (s *ServiceSuite) TestListSubscriptions() {
	s.verified("bob@example.com", model.Target{Type: model.ObjectDataset, ID: "ds-1"}, model.FrequencyImmediate)
	s.verified("bob@example.com", model.Target{Type: model.ObjectGroup, ID: "grp-1"}, model.FrequencyWeekly)
	s.verified("bob@example.com", model.Target{Type: model.ObjectDataset, ID: "ds-deleted"}, model.FrequencyImmediate)
	_, _, err := s.store.Upsert(s.ctx, "bob@example.com", model.Target{Type: model.ObjectDataset, ID: "ds-2"}, model.FrequencyImmediate)
	s.Require().NoError(err)

	s.Run("owner sees verified subscriptions with resolvable objects", func() {
		details, err := s.service.ListSubscriptions(s.ctx, "bob@example.com", model.Actor{Email: "bob@example.com"})
		s.Require().NoError(err)
		s.Require().Len(details, 2)
		s.Equal("stream", details[0].ObjectName)
		s.Equal("Stream", details[0].ObjectTitle)
		s.Equal("http://catalog.example.com/dataset/stream", details[0].ObjectLink)
		s.Equal("transport", details[1].ObjectName)
	})

	s.Run("someone else is refused", func() {
		_, err := s.service.ListSubscriptions(s.ctx, "bob@example.com", model.Actor{Name: "eve", Email: "eve@example.com"})
		s.True(domainerr.Is(err, domainerr.CodeNotAuthorized))

		_, err = s.service.ListSubscriptions(s.ctx, "bob@example.com", anonymous)
		s.True(domainerr.Is(err, domainerr.CodeNotAuthorized))
	})

	s.Run("administrator may list anyone", func() {
		details, err := s.service.ListSubscriptions(s.ctx, "bob@example.com", admin)
		s.Require().NoError(err)
		s.Len(details, 2)
	})
}

func (s *ServiceSuite) TestUpdate() {
	sub := s.verified("bob@example.com", model.Target{Type: model.ObjectDataset, ID: "ds-1"}, model.FrequencyImmediate)

	view, err := s.service.Update(s.ctx, sub.ID, nil, "bob@example.com")
	s.Require().NoError(err)
	s.Equal(model.FrequencyImmediate, view.Frequency)

	daily := model.FrequencyDaily
	view, err = s.service.Update(s.ctx, sub.ID, &daily, "bob@example.com")
	s.Require().NoError(err)
	s.Equal(model.FrequencyDaily, view.Frequency)

	details, err := s.service.ListSubscriptions(s.ctx, "bob@example.com", model.Actor{Email: "bob@example.com"})
	s.Require().NoError(err)
	s.Require().Len(details, 1)
	s.Equal(model.FrequencyDaily, details[0].Frequency)

	_, err = s.service.Update(s.ctx, sub.ID, &daily, "eve@example.com")
	s.True(domainerr.Is(err, domainerr.CodeNotAuthorized))

	_, err = s.service.Update(s.ctx, "missing", &daily, "bob@example.com")
	s.True(domainerr.Is(err, domainerr.CodeNotFound))

	bad := model.Frequency("HOURLY")
	_, err = s.service.Update(s.ctx, sub.ID, &bad, "bob@example.com")
	s.True(domainerr.Is(err, domainerr.CodeValidation))
}

func (s *ServiceSuite) TestUnsubscribe() {
	s.verified("bob@example.com", model.Target{Type: model.ObjectDataset, ID: "ds-1"}, model.FrequencyImmediate)
	keep := s.verified("bob@example.com", model.Target{Type: model.ObjectDataset, ID: "ds-2"}, model.FrequencyImmediate)

	_, _, err := s.service.Unsubscribe(s.ctx, "bob@example.com", UnsubscribeRequest{GroupRef: "transport"})
	s.True(domainerr.Is(err, domainerr.CodeNotFound))

	name, objectType, err := s.service.Unsubscribe(s.ctx, "bob@example.com", UnsubscribeRequest{DatasetRef: "stream"})
	s.Require().NoError(err)
	s.Equal("stream", name)
	s.Equal(model.ObjectDataset, objectType)

	left, err := s.store.ListForEmail(s.ctx, "bob@example.com", false)
	s.Require().NoError(err)
	s.Require().Len(left, 1)
	s.Equal(keep.ID, left[0].ID)

	_, _, err = s.service.Unsubscribe(s.ctx, "bob@example.com", UnsubscribeRequest{DatasetRef: "stream"})
	s.True(domainerr.Is(err, domainerr.CodeNotFound))
}

func (s *ServiceSuite) TestUnsubscribeFromDeletedObject() {
	s.verified("bob@example.com", model.Target{Type: model.ObjectDataset, ID: "ds-gone"}, model.FrequencyImmediate)

	name, objectType, err := s.service.Unsubscribe(s.ctx, "bob@example.com", UnsubscribeRequest{DatasetRef: "ds-gone"})
	s.Require().NoError(err)
	s.Equal("ds-gone", name)
	s.Equal(model.ObjectDataset, objectType)
}

func (s *ServiceSuite) TestUnsubscribeAll() {
	s.verified("bob@example.com", model.Target{Type: model.ObjectDataset, ID: "ds-1"}, model.FrequencyImmediate)
	s.verified("bob@example.com", model.Target{Type: model.ObjectGroup, ID: "grp-1"}, model.FrequencyDaily)
	other := s.verified("alice@example.com", model.Target{Type: model.ObjectDataset, ID: "ds-1"}, model.FrequencyImmediate)

	removed, err := s.service.UnsubscribeAll(s.ctx, "bob@example.com")
	s.Require().NoError(err)
	s.Len(removed, 2)

	_, err = s.store.FindByID(s.ctx, other.ID)
	s.NoError(err)

	_, err = s.service.UnsubscribeAll(s.ctx, "bob@example.com")
	s.True(domainerr.Is(err, domainerr.CodeNotFound))
}

func (s *ServiceSuite) TestRequestManagementCode() {
	err := s.service.RequestManagementCode(s.ctx, "bob@example.com")
	s.True(domainerr.Is(err, domainerr.CodeNotFound))

	s.verified("bob@example.com", model.Target{Type: model.ObjectDataset, ID: "ds-1"}, model.FrequencyImmediate)
	sent := s.capture(1)

	s.Require().NoError(s.service.RequestManagementCode(s.ctx, "bob@example.com"))
	s.Require().Len(*sent, 1)
	s.Equal(mailer.KindManageCode, (*sent)[0].Kind)
	s.Contains((*sent)[0].Text, "/subscribe/manage?code=")
}

func (s *ServiceSuite) TestRequestManagementCodeMailerFailure() {
	s.verified("bob@example.com", model.Target{Type: model.ObjectDataset, ID: "ds-1"}, model.FrequencyImmediate)
	s.mailer.EXPECT().Send(gomock.Any(), gomock.Any()).Return(errors.New("smtp down"))

	err := s.service.RequestManagementCode(s.ctx, "bob@example.com")
	s.True(domainerr.Is(err, domainerr.CodeMailerFailure))
}

func (s *ServiceSuite) TestAuthenticateUnknownCode() {
	_, err := s.service.Authenticate(s.ctx, "nope")
	s.True(domainerr.Is(err, domainerr.CodeNotFound))
}
