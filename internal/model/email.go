package model

import (
	"regexp"
	"strings"

	"subscribe-service/pkg/domainerr"
)

// emailPattern is the WHATWG valid-email-address production.
var emailPattern = regexp.MustCompile(
	"^[a-zA-Z0-9.!#$%&'*+/=?^_`{|}~-]+@[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?" +
		"(?:\\.[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$")

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail normalizes email and checks its shape.
func ValidateEmail(email string) (string, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return "", domainerr.Validation("email", "No email address supplied")
	}
	if !emailPattern.MatchString(email) {
		return "", domainerr.Validation("email", "Email supplied is invalid")
	}
	return email, nil
}
