// Package features turns raw events into fixed-shape numeric feature sets and
// reconciles those sets against the schema a classifier was trained on.
package features

// Feature names in canonical order.
const (
	Hour            = "hour"
	DayOfWeek       = "day_of_week"
	IsWeekend       = "is_weekend"
	IsBusinessHours = "is_business_hours"
	IsNight         = "is_night"

	IPAddressHash     = "ip_address_hash"
	IsPrivateIP       = "is_private_ip"
	IPReputationScore = "ip_reputation_score"
	IsSuspiciousAgent = "is_suspicious_agent"
	UserAgentLength   = "user_agent_length"

	EventIDHash  = "event_id_hash"
	ActivityHash = "activity_hash"
	CategoryHash = "category_hash"
	IsFailure    = "is_failure"
	IsSuccess    = "is_success"
	IdentityHash = "identity_hash"
	HasIdentity  = "has_identity"

	SQLInjectionScore     = "sql_injection_score"
	XSSScore              = "xss_score"
	PathTraversalScore    = "path_traversal_score"
	CommandInjectionScore = "command_injection_score"
	CodeExecutionScore    = "code_execution_score"
	OverallMaliciousScore = "overall_malicious_score"

	MessageLength   = "message_length"
	NumSpecialChars = "num_special_chars"
	Entropy         = "entropy"
	NumFields       = "num_fields"
)

var canonical = []string{
	Hour, DayOfWeek, IsWeekend, IsBusinessHours, IsNight,
	IPAddressHash, IsPrivateIP, IPReputationScore, IsSuspiciousAgent, UserAgentLength,
	EventIDHash, ActivityHash, CategoryHash, IsFailure, IsSuccess, IdentityHash, HasIdentity,
	SQLInjectionScore, XSSScore, PathTraversalScore, CommandInjectionScore, CodeExecutionScore,
	OverallMaliciousScore,
	MessageLength, NumSpecialChars, Entropy, NumFields,
}

// Names returns every feature the extractor emits, in canonical order.
func Names() []string {
	out := make([]string, len(canonical))
	copy(out, canonical)
	return out
}

// Set is the unordered output of a single extraction.
type Set map[string]float64

// Feature is one named value in a Vector.
type Feature struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// Vector is an ordered feature set aligned to a Schema.
type Vector []Feature

// Values returns the vector's values in order.
func (v Vector) Values() []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = f.Value
	}
	return out
}
