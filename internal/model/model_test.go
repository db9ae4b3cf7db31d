package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subscribe-service/pkg/domainerr"
)

func TestParseFrequency(t *testing.T) {
	f, err := ParseFrequency(" daily ")
	require.NoError(t, err)
	assert.Equal(t, FrequencyDaily, f)

	_, err = ParseFrequency("hourly")
	assert.True(t, domainerr.Is(err, domainerr.CodeValidation))
}

func TestFrequencyOrder(t *testing.T) {
	all := Frequencies()
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Rank(), all[i].Rank())
	}
	assert.Equal(t, -1, Frequency("NEVER").Rank())
}

func TestNewTargetRef(t *testing.T) {
	ref, err := NewTargetRef("", "my-group", "")
	require.NoError(t, err)
	assert.Equal(t, TargetRef{Type: ObjectGroup, Ref: "my-group"}, ref)

	_, err = NewTargetRef("", "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Must specify one of")

	_, err = NewTargetRef("ds", "grp", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Must not specify more than one of")
	assert.True(t, domainerr.Is(err, domainerr.CodeValidation))
}

func TestValidateEmail(t *testing.T) {
	email, err := ValidateEmail("  Bob@Example.COM ")
	require.NoError(t, err)
	assert.Equal(t, "bob@example.com", email)

	_, err = ValidateEmail("")
	assert.Contains(t, err.Error(), "No email address supplied")

	for _, bad := range []string{"bob", "bob@", "bob@-example.com", "bob smith@example.com"} {
		_, err = ValidateEmail(bad)
		assert.Error(t, err, bad)
	}
}

func TestSubscriptionIsPending(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	assert.True(t, (&Subscription{VerificationCode: "c", VerificationCodeExpires: &future}).IsPending(now))
	assert.False(t, (&Subscription{VerificationCode: "c", VerificationCodeExpires: &past}).IsPending(now))
	assert.False(t, (&Subscription{Verified: true}).IsPending(now))
}

func TestActorRole(t *testing.T) {
	assert.Equal(t, "anonymous", Actor{}.Role())
	assert.Equal(t, "user", Actor{Name: "bob"}.Role())
	assert.Equal(t, "sysadmin", Actor{Name: "admin", Sysadmin: true}.Role())
}
