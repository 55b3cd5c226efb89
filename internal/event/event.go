// Package event defines the raw security telemetry record consumed by the
// triage pipeline and the closed key/value payload it carries.
package event

import "strings"

// Payload is the source-specific body of an event. Values are looked up
// through the accessors below, which fall back to a default on absence or
// type mismatch.
type Payload map[string]Value

// Lookup returns the raw Value stored under key.
func (p Payload) Lookup(key string) (Value, bool) {
	if p == nil {
		return Value{}, false
	}
	v, ok := p[key]
	return v, ok
}

// String returns the text form of key, or def when the key is absent or null.
func (p Payload) String(key, def string) string {
	v, ok := p.Lookup(key)
	if !ok || v.IsNull() {
		return def
	}
	return v.String()
}

// FirstString returns the first non-empty text value among keys.
func (p Payload) FirstString(keys ...string) string {
	for _, k := range keys {
		if s := p.String(k, ""); s != "" {
			return s
		}
	}
	return ""
}

// Number returns the numeric value of key, or def.
func (p Payload) Number(key string, def float64) float64 {
	v, ok := p.Lookup(key)
	if !ok {
		return def
	}
	if f, ok := v.AsNumber(); ok {
		return f
	}
	return def
}

// Bool returns the bool value of key, or def.
func (p Payload) Bool(key string, def bool) bool {
	v, ok := p.Lookup(key)
	if !ok {
		return def
	}
	if b, ok := v.AsBool(); ok {
		return b
	}
	return def
}

// Text renders the payload deterministically (sorted keys, JSON encoding).
func (p Payload) Text() string {
	if len(p) == 0 {
		return "{}"
	}
	b, err := marshalText(map[string]Value(p))
	if err != nil {
		return "{}"
	}
	return string(b)
}

// RawEvent is one ingested security log record before feature extraction.
// Top-level hints are optional; when empty the accessors fall back to the
// conventional payload keys used by the cloud collectors.
type RawEvent struct {
	Timestamp  string  `json:"timestamp,omitempty"`
	Source     string  `json:"source"`
	EventID    string  `json:"event_id,omitempty"`
	Activity   string  `json:"activity,omitempty"`
	IPAddress  string  `json:"ip_address,omitempty"`
	Identity   string  `json:"identity,omitempty"`
	Category   string  `json:"category,omitempty"`
	ResultType string  `json:"result_type,omitempty"`
	UserAgent  string  `json:"user_agent,omitempty"`
	Payload    Payload `json:"message,omitempty"`
}

// SourceName returns Source or "unknown".
func (e *RawEvent) SourceName() string {
	if e.Source == "" {
		return "unknown"
	}
	return e.Source
}

// IP returns the event's client address, or "" when none is known.
func (e *RawEvent) IP() string {
	return firstNonEmpty(e.IPAddress, e.Payload.FirstString("ip_address", "IPAddress", "source_ip"))
}

// Agent returns the user agent string, or "".
func (e *RawEvent) Agent() string {
	return firstNonEmpty(e.UserAgent, e.Payload.FirstString("user_agent", "UserAgent"))
}

// ID returns the source event identifier, or "".
func (e *RawEvent) ID() string {
	return firstNonEmpty(e.EventID, e.Payload.FirstString("EventID", "event_id"))
}

// ActivityName returns the activity hint, or "".
func (e *RawEvent) ActivityName() string {
	return firstNonEmpty(e.Activity, e.Payload.FirstString("Activity", "activity"))
}

// CategoryName returns the category hint, or "".
func (e *RawEvent) CategoryName() string {
	return firstNonEmpty(e.Category, e.Payload.FirstString("Category", "category"))
}

// Result returns the outcome hint (result type or status), or "".
func (e *RawEvent) Result() string {
	return firstNonEmpty(e.ResultType, e.Payload.FirstString("ResultType", "Status", "result_type"))
}

// IdentityName returns the acting identity, or "".
func (e *RawEvent) IdentityName() string {
	return firstNonEmpty(e.Identity, e.Payload.FirstString("Identity", "identity"))
}

// Text renders the whole event, hints and payload included, as JSON.
func (e *RawEvent) Text() string {
	b, err := marshalText(e)
	if err != nil {
		return ""
	}
	return string(b)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
