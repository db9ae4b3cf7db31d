package model

import (
	"strings"

	"subscribe-service/pkg/domainerr"
)

// Frequency is a delivery tier. It is persisted by tag name.
type Frequency string

const (
	FrequencyImmediate Frequency = "IMMEDIATE"
	FrequencyDaily     Frequency = "DAILY"
	FrequencyWeekly    Frequency = "WEEKLY"
	FrequencyMonthly   Frequency = "MONTHLY"
)

// Frequencies returns every tier in display order.
func Frequencies() []Frequency {
	return []Frequency{FrequencyImmediate, FrequencyDaily, FrequencyWeekly, FrequencyMonthly}
}

func ParseFrequency(s string) (Frequency, error) {
	f := Frequency(strings.ToUpper(strings.TrimSpace(s)))
	if f.Valid() {
		return f, nil
	}
	return "", domainerr.Validation("frequency",
		"Frequency must be one of: IMMEDIATE, DAILY, WEEKLY, MONTHLY")
}

func (f Frequency) Valid() bool {
	return f.Rank() >= 0
}

// Rank is the position of f in display order, or -1 if unknown.
func (f Frequency) Rank() int {
	for i, v := range Frequencies() {
		if v == f {
			return i
		}
	}
	return -1
}

func (f Frequency) String() string { return string(f) }

// Label is the lower-case form used in emails and metrics.
func (f Frequency) Label() string { return strings.ToLower(string(f)) }
