package alert

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Severity is an ordered alert tier; comparisons follow urgency.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// Severities lists every tier, lowest first.
func Severities() []Severity {
	return []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
}

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// Valid reports whether s is one of the declared tiers.
func (s Severity) Valid() bool { return s >= SeverityLow && s <= SeverityCritical }

// ParseSeverity converts a case-insensitive tier name.
func ParseSeverity(v string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	}
	return SeverityLow, fmt.Errorf("unknown severity %q", v)
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid severity %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// SeverityPolicy maps a confidence in [0,1] to a Severity.
type SeverityPolicy struct {
	Medium   float64 // lower bound of Medium
	High     float64 // lower bound of High
	Critical float64 // lower bound of Critical
}

// DefaultPolicy returns the stock thresholds.
func DefaultPolicy() SeverityPolicy {
	return SeverityPolicy{Medium: 0.65, High: 0.85, Critical: 0.95}
}

// Validate checks 0 < Medium < High <= Critical <= 1.
func (p SeverityPolicy) Validate() error {
	var errs []error
	if !(p.Medium > 0 && p.Medium < 1) {
		errs = append(errs, fmt.Errorf("invalid medium threshold %v (must be in (0,1))", p.Medium))
	}
	if !(p.High > p.Medium) {
		errs = append(errs, fmt.Errorf("high threshold %v must exceed medium threshold %v", p.High, p.Medium))
	}
	if !(p.Critical >= p.High && p.Critical <= 1) {
		errs = append(errs, fmt.Errorf("critical cutoff %v must be in [high threshold %v, 1]", p.Critical, p.High))
	}
	return errors.Join(errs...)
}

// Classify assigns the tier for confidence c. NaN counts as 0 and values
// outside [0,1] are clamped.
func (p SeverityPolicy) Classify(c float64) Severity {
	switch {
	case math.IsNaN(c) || c < 0:
		c = 0
	case c > 1:
		c = 1
	}
	switch {
	case c >= p.Critical:
		return SeverityCritical
	case c >= p.High:
		return SeverityHigh
	case c >= p.Medium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
