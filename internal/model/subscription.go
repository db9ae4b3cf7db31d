package model

import "time"

type Subscription struct {
	ID                      string
	Email                   string
	ObjectType              ObjectType
	ObjectID                string
	Frequency               Frequency
	Verified                bool
	VerificationCode        string
	VerificationCodeExpires *time.Time
	Created                 time.Time
	Updated                 time.Time
}

func (s *Subscription) Target() Target {
	return Target{Type: s.ObjectType, ID: s.ObjectID}
}

// IsPending reports whether s is unverified and holds a live code.
func (s *Subscription) IsPending(now time.Time) bool {
	return !s.Verified &&
		s.VerificationCode != "" &&
		s.VerificationCodeExpires != nil &&
		now.Before(*s.VerificationCodeExpires)
}

// SubscriptionView is the public shape of a subscription; it never carries the code.
type SubscriptionView struct {
	ID         string     `json:"id"`
	Email      string     `json:"email"`
	ObjectType ObjectType `json:"object_type"`
	ObjectID   string     `json:"object_id"`
	Frequency  Frequency  `json:"frequency"`
	Verified   bool       `json:"verified"`
	Created    time.Time  `json:"created"`
	Updated    time.Time  `json:"updated"`
}

func (s *Subscription) View() SubscriptionView {
	return SubscriptionView{
		ID:         s.ID,
		Email:      s.Email,
		ObjectType: s.ObjectType,
		ObjectID:   s.ObjectID,
		Frequency:  s.Frequency,
		Verified:   s.Verified,
		Created:    s.Created,
		Updated:    s.Updated,
	}
}

// SubscriptionDetails is a view enriched with the catalog object's name and title.
type SubscriptionDetails struct {
	SubscriptionView
	ObjectName  string `json:"object_name"`
	ObjectTitle string `json:"object_title"`
	ObjectLink  string `json:"object_link"`
}

type LoginCode struct {
	Code      string
	Email     string
	ExpiresAt time.Time
	Created   time.Time
}
