// Package codes issues and checks the two kinds of emailed secrets: the
// verification code that proves control of an address at signup, and the
// login code that grants management access to every subscription of an email.
package codes

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"subscribe-service/internal/model"
	"subscribe-service/pkg/domainerr"
	"subscribe-service/pkg/sentinel"
)

const (
	DefaultVerificationTTL = 3 * time.Hour
	DefaultLoginTTL        = 24 * time.Hour

	// codeBytes of entropy encode to 32 url-safe characters.
	codeBytes = 24
	// maxIssueAttempts bounds the retries when a fresh code is already taken.
	maxIssueAttempts = 3
)

// VerificationStore is the part of the registry that holds verification codes.
type VerificationStore interface {
	SetVerificationCode(ctx context.Context, id, code string, expires time.Time) error
	ConsumeVerificationCode(ctx context.Context, code string, now time.Time) (*model.Subscription, error)
}

type LoginCodeStore interface {
	Create(ctx context.Context, code *model.LoginCode) error
	FindByCode(ctx context.Context, code string) (*model.LoginCode, error)
}

type Issuer struct {
	subs            VerificationStore
	logins          LoginCodeStore
	verificationTTL time.Duration
	loginTTL        time.Duration
	now             func() time.Time
	generate        func() (string, error)
	logger          *zap.Logger
}

type Option func(*Issuer)

func WithVerificationTTL(ttl time.Duration) Option {
	return func(i *Issuer) {
		if ttl > 0 {
			i.verificationTTL = ttl
		}
	}
}

func WithLoginTTL(ttl time.Duration) Option {
	return func(i *Issuer) {
		if ttl > 0 {
			i.loginTTL = ttl
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

func NewIssuer(subs VerificationStore, logins LoginCodeStore, logger *zap.Logger, opts ...Option) *Issuer {
	i := &Issuer{
		subs:            subs,
		logins:          logins,
		verificationTTL: DefaultVerificationTTL,
		loginTTL:        DefaultLoginTTL,
		now:             time.Now,
		generate:        newCode,
		logger:          logger,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// IssueVerificationCode stores a fresh code on sub, replacing any earlier one.
func (i *Issuer) IssueVerificationCode(ctx context.Context, sub *model.Subscription) (string, error) {
	expires := i.now().Add(i.verificationTTL)

	code, err := i.issue(ctx, func(code string) error {
		return i.subs.SetVerificationCode(ctx, sub.ID, code, expires)
	})
	if err != nil {
		if errors.Is(err, sentinel.ErrInvalidState) {
			return "", domainerr.Wrap(err, domainerr.CodeValidation, "Subscription is already verified")
		}
		return "", domainerr.Internal(fmt.Errorf("failed to store verification code: %w", err))
	}

	sub.VerificationCode = code
	sub.VerificationCodeExpires = &expires
	return code, nil
}

// ConsumeVerificationCode verifies the subscription holding code. A code
// works once; afterwards it is unknown.
func (i *Issuer) ConsumeVerificationCode(ctx context.Context, code string) (*model.Subscription, error) {
	if code == "" {
		return nil, domainerr.NotFound("That validation code is not recognized")
	}

	sub, err := i.subs.ConsumeVerificationCode(ctx, code, i.now())
	switch {
	case err == nil:
		return sub, nil
	case errors.Is(err, sentinel.ErrNotFound):
		return nil, domainerr.NotFound("That validation code is not recognized")
	case errors.Is(err, sentinel.ErrExpired):
		return nil, domainerr.Expired("That validation code has expired")
	default:
		return nil, domainerr.Internal(fmt.Errorf("failed to consume verification code: %w", err))
	}
}

func (i *Issuer) IssueLoginCode(ctx context.Context, email string) (string, error) {
	expires := i.now().Add(i.loginTTL)

	code, err := i.issue(ctx, func(code string) error {
		return i.logins.Create(ctx, &model.LoginCode{
			Code:      code,
			Email:     email,
			ExpiresAt: expires,
		})
	})
	if err != nil {
		return "", domainerr.Internal(fmt.Errorf("failed to store login code: %w", err))
	}

	i.logger.Debug("Login code issued", zap.String("email", email))
	return code, nil
}

// issue generates codes until store accepts one that is not taken.
func (i *Issuer) issue(ctx context.Context, store func(code string) error) (string, error) {
	var err error
	for attempt := 1; attempt <= maxIssueAttempts; attempt++ {
		var code string
		code, err = i.generate()
		if err != nil {
			return "", err
		}
		err = store(code)
		if !errors.Is(err, sentinel.ErrConflict) {
			if err != nil {
				return "", err
			}
			return code, nil
		}
		i.logger.Warn("Generated code already in use, retrying", zap.Int("attempt", attempt))
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	return "", err
}

// ValidateLoginCode returns the email bound to code. Codes stay valid until
// they expire, however often they are used.
func (i *Issuer) ValidateLoginCode(ctx context.Context, code string) (string, error) {
	if code == "" {
		return "", domainerr.NotFound("Code is invalid")
	}

	lc, err := i.logins.FindByCode(ctx, code)
	if errors.Is(err, sentinel.ErrNotFound) {
		return "", domainerr.NotFound("Code is invalid")
	}
	if err != nil {
		return "", domainerr.Internal(fmt.Errorf("failed to look up login code: %w", err))
	}
	if !i.now().Before(lc.ExpiresAt) {
		return "", domainerr.Expired("Code has expired")
	}
	return lc.Email, nil
}

func newCode() (string, error) {
	b := make([]byte, codeBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
