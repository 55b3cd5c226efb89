package event

import (
	"encoding/json"
	"math"
	"testing"
)

func TestValue_UnmarshalVariants(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		kind Kind
		text string
	}{
		{"string", `"hello"`, KindString, "hello"},
		{"number", `42.5`, KindNumber, "42.5"},
		{"integer", `7`, KindNumber, "7"},
		{"true", `true`, KindBool, "true"},
		{"false", `false`, KindBool, "false"},
		{"null", `null`, KindNull, ""},
		{"object kept as text", `{"a": 1}`, KindString, `{"a":1}`},
		{"array kept as text", `[1, 2]`, KindString, `[1,2]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var v Value
			if err := json.Unmarshal([]byte(tt.in), &v); err != nil {
				t.Fatalf("Unmarshal(%s): %v", tt.in, err)
			}
			if v.Kind() != tt.kind {
				t.Errorf("Kind = %v, want %v", v.Kind(), tt.kind)
			}
			if v.String() != tt.text {
				t.Errorf("String = %q, want %q", v.String(), tt.text)
			}
		})
	}
}

func TestNumberValue_RejectsNonFinite(t *testing.T) {
	t.Parallel()

	if !NumberValue(math.NaN()).IsNull() {
		t.Error("NaN should be stored as null")
	}
	if !NumberValue(math.Inf(1)).IsNull() {
		t.Error("+Inf should be stored as null")
	}
}

func TestPayload_Accessors(t *testing.T) {
	t.Parallel()

	p := Payload{
		"ip_address": StringValue("10.0.0.1"),
		"count":      NumberValue(3),
		"admin":      BoolValue(true),
		"empty":      NullValue(),
	}

	if got := p.String("ip_address", "x"); got != "10.0.0.1" {
		t.Errorf("String = %q", got)
	}
	if got := p.String("missing", "def"); got != "def" {
		t.Errorf("String missing = %q, want def", got)
	}
	if got := p.String("empty", "def"); got != "def" {
		t.Errorf("String null = %q, want def", got)
	}
	if got := p.Number("count", -1); got != 3 {
		t.Errorf("Number = %v, want 3", got)
	}
	if got := p.Number("ip_address", -1); got != -1 {
		t.Errorf("Number on string = %v, want default", got)
	}
	if !p.Bool("admin", false) {
		t.Error("Bool = false, want true")
	}
	if got := p.FirstString("missing", "empty", "ip_address"); got != "10.0.0.1" {
		t.Errorf("FirstString = %q", got)
	}

	var nilPayload Payload
	if got := nilPayload.String("x", "d"); got != "d" {
		t.Errorf("nil payload String = %q, want d", got)
	}
}

func TestRawEvent_HintFallbacks(t *testing.T) {
	t.Parallel()

	ev := RawEvent{
		Source: "aws",
		Payload: Payload{
			"IPAddress":  StringValue("192.168.1.1"),
			"UserAgent":  StringValue("curl/8"),
			"Status":     StringValue("Failure"),
			"Identity":   StringValue("alice"),
			"Activity":   StringValue("Login"),
			"Category":   StringValue("Auth"),
			"EventID":    NumberValue(4625),
			"raw_string": StringValue("x"),
		},
	}

	checks := map[string][2]string{
		"IP":       {ev.IP(), "192.168.1.1"},
		"Agent":    {ev.Agent(), "curl/8"},
		"Result":   {ev.Result(), "Failure"},
		"Identity": {ev.IdentityName(), "alice"},
		"Activity": {ev.ActivityName(), "Login"},
		"Category": {ev.CategoryName(), "Auth"},
		"ID":       {ev.ID(), "4625"},
	}
	for name, c := range checks {
		if c[0] != c[1] {
			t.Errorf("%s = %q, want %q", name, c[0], c[1])
		}
	}

	ev.IPAddress = "8.8.8.8"
	if ev.IP() != "8.8.8.8" {
		t.Errorf("top-level hint should win, got %q", ev.IP())
	}
}

func TestRawEvent_JSONRoundTrip(t *testing.T) {
	t.Parallel()

	in := `{"timestamp":"2026-01-05T10:00:00Z","source":"azure","message":{"ip_address":"1.2.3.4","attempts":5,"mfa":false,"ctx":{"a":"b"}}}`
	var ev RawEvent
	if err := json.Unmarshal([]byte(in), &ev); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if ev.Source != "azure" {
		t.Errorf("Source = %q", ev.Source)
	}
	if ev.Payload.Number("attempts", 0) != 5 {
		t.Errorf("attempts = %v", ev.Payload.Number("attempts", 0))
	}
	if ev.Payload.String("ctx", "") != `{"a":"b"}` {
		t.Errorf("nested ctx = %q", ev.Payload.String("ctx", ""))
	}
	if len(ev.Payload) != 4 {
		t.Errorf("payload fields = %d, want 4", len(ev.Payload))
	}
}

func TestPayload_TextDeterministic(t *testing.T) {
	t.Parallel()

	p := Payload{"b": NumberValue(1), "a": StringValue("x")}
	want := `{"a":"x","b":1}`
	for range 5 {
		if got := p.Text(); got != want {
			t.Fatalf("Text = %q, want %q", got, want)
		}
	}
	if (Payload{}).Text() != "{}" {
		t.Error("empty payload should render {}")
	}
}

func TestRawEvent_SourceName(t *testing.T) {
	t.Parallel()

	if (&RawEvent{}).SourceName() != "unknown" {
		t.Error("empty source should be unknown")
	}
	if (&RawEvent{Source: "aws"}).SourceName() != "aws" {
		t.Error("source not preserved")
	}
}
