// Package subscribe implements signup, verification and management of
// email subscriptions. Every registry mutation and the email it triggers
// run in one transaction: if the email cannot be handed to the mailer the
// mutation is rolled back.
package subscribe

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"subscribe-service/internal/digest"
	"subscribe-service/internal/mailer"
	"subscribe-service/internal/model"
	"subscribe-service/pkg/domainerr"
	"subscribe-service/pkg/logger"
	"subscribe-service/pkg/metrics"
	"subscribe-service/pkg/rbac"
	"subscribe-service/pkg/sentinel"
)

type SubscriptionStore interface {
	Find(ctx context.Context, email string, target model.Target) (*model.Subscription, error)
	FindByID(ctx context.Context, id string) (*model.Subscription, error)
	Upsert(ctx context.Context, email string, target model.Target, frequency model.Frequency) (*model.Subscription, bool, error)
	ListForEmail(ctx context.Context, email string, verifiedOnly bool) ([]model.Subscription, error)
	Delete(ctx context.Context, id string) error
	DeleteAllForEmail(ctx context.Context, email string) ([]model.Subscription, error)
	UpdateFrequency(ctx context.Context, id string, frequency model.Frequency) (*model.Subscription, error)
	MarkVerified(ctx context.Context, id string) (*model.Subscription, error)
}

type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type Catalog interface {
	Resolve(ctx context.Context, ref model.TargetRef) (*model.CatalogObject, error)
	CheckReadAccess(ctx context.Context, actor model.Actor, obj *model.CatalogObject) (bool, error)
}

type Codes interface {
	IssueVerificationCode(ctx context.Context, sub *model.Subscription) (string, error)
	ConsumeVerificationCode(ctx context.Context, code string) (*model.Subscription, error)
	IssueLoginCode(ctx context.Context, email string) (string, error)
	ValidateLoginCode(ctx context.Context, code string) (string, error)
}

type Service struct {
	subs    SubscriptionStore
	tx      TxRunner
	catalog Catalog
	codes   Codes
	mailer  mailer.Mailer
	site    digest.Site
	logger  *zap.Logger
}

func NewService(
	subs SubscriptionStore,
	tx TxRunner,
	catalog Catalog,
	codes Codes,
	m mailer.Mailer,
	site digest.Site,
	logger *zap.Logger,
) *Service {
	return &Service{
		subs:    subs,
		tx:      tx,
		catalog: catalog,
		codes:   codes,
		mailer:  m,
		site:    site,
		logger:  logger,
	}
}

type SignupRequest struct {
	Email           string
	DatasetRef      string
	GroupRef        string
	OrganizationRef string
	// Frequency defaults to IMMEDIATE when empty.
	Frequency        string
	SkipVerification bool
}

// SignupResult is the created or existing subscription plus the object it
// targets, so the caller can link back to it.
type SignupResult struct {
	Subscription model.SubscriptionView
	Object       model.CatalogObject
}

// Signup creates a pending subscription and emails a verification link.
// Signing up again while pending reissues the code; signing up again once
// verified changes nothing and sends nothing.
func (s *Service) Signup(ctx context.Context, req SignupRequest, actor model.Actor) (*SignupResult, error) {
	email, err := model.ValidateEmail(req.Email)
	if err != nil {
		return nil, err
	}
	ref, err := model.NewTargetRef(req.DatasetRef, req.GroupRef, req.OrganizationRef)
	if err != nil {
		return nil, err
	}
	frequency := model.FrequencyImmediate
	if req.Frequency != "" {
		if frequency, err = model.ParseFrequency(req.Frequency); err != nil {
			return nil, err
		}
	}
	if req.SkipVerification {
		if err := rbac.CheckPermission(actor, rbac.PermissionSkipVerification); err != nil {
			return nil, domainerr.NotAuthorized()
		}
	}

	obj, err := s.resolveReadable(ctx, ref, actor)
	if err != nil {
		return nil, err
	}
	target := model.Target{Type: obj.Type, ID: obj.ID}
	log := logger.WithTrace(ctx, s.logger).With(
		zap.String("email", email),
		zap.String("object_type", string(target.Type)),
		zap.String("object_id", target.ID))

	var sub *model.Subscription
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var created bool
		sub, created, err = s.subs.Upsert(ctx, email, target, frequency)
		if err != nil {
			return internal(err)
		}

		switch {
		case sub.Verified:
			log.Info("Signup for an already verified subscription", zap.String("subscription_id", sub.ID))
			return nil
		case req.SkipVerification:
			if sub, err = s.subs.MarkVerified(ctx, sub.ID); err != nil {
				return internal(err)
			}
			log.Info("Subscription created verified", zap.String("subscription_id", sub.ID))
			return nil
		}

		code, err := s.codes.IssueVerificationCode(ctx, sub)
		if err != nil {
			return err
		}
		msg, err := digest.Verification(s.site, email, code, *obj)
		if err != nil {
			return domainerr.Internal(err)
		}
		if err := s.mailer.Send(ctx, msg); err != nil {
			return domainerr.MailerFailure(err)
		}
		log.Info("Verification requested",
			zap.String("subscription_id", sub.ID),
			zap.Bool("created", created))
		return nil
	})
	if err != nil {
		log.Warn("Signup failed", zap.Error(err))
		return nil, err
	}

	metrics.IncrementSubscriptionEvent("signup")
	return &SignupResult{Subscription: sub.View(), Object: *obj}, nil
}

// Verify consumes a verification code and emails a confirmation carrying a
// fresh login code for the subscription's email.
func (s *Service) Verify(ctx context.Context, code string) (*model.SubscriptionView, string, error) {
	var (
		sub       *model.Subscription
		loginCode string
	)
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		if sub, err = s.codes.ConsumeVerificationCode(ctx, code); err != nil {
			return err
		}
		if loginCode, err = s.codes.IssueLoginCode(ctx, sub.Email); err != nil {
			return err
		}

		obj := s.objectOrFallback(ctx, sub.Target())
		msg, err := digest.Confirmation(s.site, sub.Email, loginCode, obj)
		if err != nil {
			return domainerr.Internal(err)
		}
		if err := s.mailer.Send(ctx, msg); err != nil {
			return domainerr.MailerFailure(err)
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	logger.WithTrace(ctx, s.logger).Info("Subscription verified",
		zap.String("subscription_id", sub.ID),
		zap.String("email", sub.Email))
	metrics.IncrementSubscriptionEvent("verify")

	view := sub.View()
	return &view, loginCode, nil
}

// ListSubscriptions returns the verified subscriptions of email with their
// catalog names. Objects that no longer resolve are left out.
func (s *Service) ListSubscriptions(ctx context.Context, email string, actor model.Actor) ([]model.SubscriptionDetails, error) {
	email = model.NormalizeEmail(email)
	if err := authorizeFor(actor, email); err != nil {
		return nil, err
	}

	subs, err := s.subs.ListForEmail(ctx, email, true)
	if err != nil {
		return nil, internal(err)
	}

	details := make([]model.SubscriptionDetails, 0, len(subs))
	for i := range subs {
		sub := &subs[i]
		obj, err := s.lookup(ctx, sub.Target())
		if errors.Is(err, sentinel.ErrNotFound) {
			s.logger.Debug("Skipping subscription to a missing object",
				zap.String("subscription_id", sub.ID),
				zap.String("object_id", sub.ObjectID))
			continue
		}
		if err != nil {
			return nil, internal(err)
		}
		details = append(details, model.SubscriptionDetails{
			SubscriptionView: sub.View(),
			ObjectName:       obj.Name,
			ObjectTitle:      obj.DisplayTitle(),
			ObjectLink:       s.site.ObjectURL(obj.Type, obj.Name),
		})
	}
	return details, nil
}

// Update changes the frequency of a subscription owned by actorEmail. A nil
// frequency leaves it unchanged.
func (s *Service) Update(ctx context.Context, id string, frequency *model.Frequency, actorEmail string) (*model.SubscriptionView, error) {
	if frequency != nil && !frequency.Valid() {
		return nil, domainerr.Validation("frequency", "Frequency must be one of: IMMEDIATE, DAILY, WEEKLY, MONTHLY")
	}

	sub, err := s.subs.FindByID(ctx, id)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, domainerr.NotFound("Subscription not found")
	}
	if err != nil {
		return nil, internal(err)
	}
	if sub.Email != model.NormalizeEmail(actorEmail) {
		return nil, domainerr.NotAuthorized()
	}

	if frequency != nil && *frequency != sub.Frequency {
		if sub, err = s.subs.UpdateFrequency(ctx, id, *frequency); err != nil {
			return nil, internal(err)
		}
		metrics.IncrementSubscriptionEvent("update")
		logger.WithTrace(ctx, s.logger).Info("Subscription frequency updated",
			zap.String("subscription_id", id),
			zap.String("frequency", frequency.String()))
	}

	view := sub.View()
	return &view, nil
}

type UnsubscribeRequest struct {
	DatasetRef      string
	GroupRef        string
	OrganizationRef string
}

// Unsubscribe deletes the subscription of email to one object and returns
// the object's name and type for the confirmation message.
func (s *Service) Unsubscribe(ctx context.Context, email string, req UnsubscribeRequest) (string, model.ObjectType, error) {
	email = model.NormalizeEmail(email)
	ref, err := model.NewTargetRef(req.DatasetRef, req.GroupRef, req.OrganizationRef)
	if err != nil {
		return "", "", err
	}

	// A deleted object can still be unsubscribed from by its id.
	name := ref.Ref
	target := model.Target{Type: ref.Type, ID: ref.Ref}
	obj, err := s.catalog.Resolve(ctx, ref)
	switch {
	case err == nil:
		name = obj.Name
		target = model.Target{Type: obj.Type, ID: obj.ID}
	case !errors.Is(err, sentinel.ErrNotFound):
		return "", "", internal(err)
	}

	sub, err := s.subs.Find(ctx, email, target)
	if errors.Is(err, sentinel.ErrNotFound) {
		return "", "", domainerr.NotFound("That user is not subscribed to that object")
	}
	if err != nil {
		return "", "", internal(err)
	}
	if err := s.subs.Delete(ctx, sub.ID); err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return "", "", domainerr.NotFound("That user is not subscribed to that object")
		}
		return "", "", internal(err)
	}

	metrics.IncrementSubscriptionEvent("unsubscribe")
	logger.WithTrace(ctx, s.logger).Info("Unsubscribed",
		zap.String("email", email),
		zap.String("subscription_id", sub.ID))
	return name, target.Type, nil
}

// UnsubscribeAll deletes every subscription of email.
func (s *Service) UnsubscribeAll(ctx context.Context, email string) ([]model.SubscriptionView, error) {
	email = model.NormalizeEmail(email)

	deleted, err := s.subs.DeleteAllForEmail(ctx, email)
	if err != nil {
		return nil, internal(err)
	}
	if len(deleted) == 0 {
		return nil, domainerr.NotFound("That user has no subscriptions")
	}

	views := make([]model.SubscriptionView, 0, len(deleted))
	for i := range deleted {
		views = append(views, deleted[i].View())
	}

	metrics.IncrementSubscriptionEvent("unsubscribe_all")
	logger.WithTrace(ctx, s.logger).Info("Unsubscribed from everything",
		zap.String("email", email),
		zap.Int("count", len(views)))
	return views, nil
}

// RequestManagementCode emails a management link to an address that has at
// least one verified subscription.
func (s *Service) RequestManagementCode(ctx context.Context, email string) error {
	email, err := model.ValidateEmail(email)
	if err != nil {
		return err
	}

	subs, err := s.subs.ListForEmail(ctx, email, true)
	if err != nil {
		return internal(err)
	}
	if len(subs) == 0 {
		return domainerr.NotFound("That email address does not have any subscriptions")
	}

	return s.tx.RunInTx(ctx, func(ctx context.Context) error {
		code, err := s.codes.IssueLoginCode(ctx, email)
		if err != nil {
			return err
		}
		msg, err := digest.ManageCode(s.site, email, code)
		if err != nil {
			return domainerr.Internal(err)
		}
		if err := s.mailer.Send(ctx, msg); err != nil {
			return domainerr.MailerFailure(err)
		}
		logger.WithTrace(ctx, s.logger).Info("Management code sent", zap.String("email", email))
		return nil
	})
}

// Authenticate returns the email a login code was issued to.
func (s *Service) Authenticate(ctx context.Context, code string) (string, error) {
	return s.codes.ValidateLoginCode(ctx, code)
}

// resolveReadable hides private objects the actor cannot read behind the
// same NotFound as missing ones.
func (s *Service) resolveReadable(ctx context.Context, ref model.TargetRef, actor model.Actor) (*model.CatalogObject, error) {
	notFound := domainerr.NotFound(fmt.Sprintf("%s not found", displayType(ref.Type)))

	obj, err := s.catalog.Resolve(ctx, ref)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, notFound
	}
	if err != nil {
		return nil, internal(err)
	}

	ok, err := s.catalog.CheckReadAccess(ctx, actor, obj)
	if err != nil {
		return nil, internal(err)
	}
	if !ok {
		return nil, notFound
	}
	return obj, nil
}

func (s *Service) lookup(ctx context.Context, target model.Target) (*model.CatalogObject, error) {
	return s.catalog.Resolve(ctx, model.TargetRef{Type: target.Type, Ref: target.ID})
}

// objectOrFallback resolves target, or describes it by id when it is gone.
func (s *Service) objectOrFallback(ctx context.Context, target model.Target) model.CatalogObject {
	obj, err := s.lookup(ctx, target)
	if err != nil {
		return model.CatalogObject{ID: target.ID, Type: target.Type}
	}
	return *obj
}

// authorizeFor allows the owner of email and administrators.
func authorizeFor(actor model.Actor, email string) error {
	if rbac.HasPermission(actor, rbac.PermissionManageAny) {
		return nil
	}
	if rbac.HasPermission(actor, rbac.PermissionManageSelf) && model.NormalizeEmail(actor.Email) == email {
		return nil
	}
	return domainerr.NotAuthorized()
}

func displayType(t model.ObjectType) string {
	switch t {
	case model.ObjectGroup:
		return "Group"
	case model.ObjectOrganization:
		return "Organization"
	default:
		return "Dataset"
	}
}

// internal passes domain errors through and wraps everything else.
func internal(err error) error {
	var de *domainerr.Error
	if errors.As(err, &de) {
		return err
	}
	return domainerr.Internal(err)
}
