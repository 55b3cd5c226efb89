package features

import (
	"context"
	"crypto/md5" //nolint:gosec // G501: md5 buckets identifiers into a stable range, not used for integrity
	"encoding/binary"
	"fmt"
	"math"
	"net/netip"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/threatwatch/internal/event"
)

var suspiciousAgents = []string{"bot", "crawler", "scanner", "sqlmap", "nikto", "nmap"}

// Pattern classes scored over the lower-cased serialized event.
var (
	sqlInjectionRe     = regexp.MustCompile(`(?i)(select|union|insert|drop|delete|update|exec|script)`)
	xssRe              = regexp.MustCompile(`(?i)(<script|javascript:|onerror=|onclick=)`)
	pathTraversalRe    = regexp.MustCompile(`(?i)(\.\./|\.\.\\)`)
	commandInjectionRe = regexp.MustCompile(`(?i)(cmd\.exe|/bin/bash|/bin/sh)`)
	codeExecutionRe    = regexp.MustCompile(`(?i)(base64_decode|eval\(|system\()`)
)

var privateRanges = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
}

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Options configures an Extractor.
type Options struct {
	// Reputation scores addresses on cache misses. Nil uses Heuristic.
	Reputation ReputationSource
	// CacheSize bounds the reputation cache. Zero uses DefaultCacheSize.
	CacheSize int
}

// Extractor computes feature sets from raw events. It is safe for concurrent
// use; its only state is the reputation cache.
type Extractor struct {
	logger log.Logger
	rep    *reputationCache
}

// NewExtractor creates an Extractor.
func NewExtractor(logger log.Logger, opts Options) (*Extractor, error) {
	if logger == nil {
		logger = log.Nop()
	}
	rep, err := newReputationCache(opts.Reputation, opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("reputation cache: %w", err)
	}
	return &Extractor{logger: logger, rep: rep}, nil
}

// Extract returns the full feature set for ev. It never fails: each feature
// group that cannot be computed is filled with its sentinel values.
func (x *Extractor) Extract(ctx context.Context, ev event.RawEvent) Set {
	set := make(Set, len(canonical))
	x.group(ctx, &ev, "temporal", set, temporalSentinels, x.temporal)
	x.group(ctx, &ev, "network", set, networkSentinels, x.network)
	x.group(ctx, &ev, "identity", set, identitySentinels, x.identity)
	x.group(ctx, &ev, "pattern", set, patternSentinels, x.patterns)
	x.group(ctx, &ev, "statistical", set, statisticalSentinels, x.statistical)
	return set
}

func (x *Extractor) group(ctx context.Context, ev *event.RawEvent, name string, set, sentinels Set, fn func(context.Context, *event.RawEvent, Set)) {
	defer func() {
		if r := recover(); r != nil {
			for k, v := range sentinels {
				set[k] = v
			}
			x.logger.Error(ctx, fmt.Errorf("panic: %v", r), "feature extraction failed, using sentinels",
				"group", name,
				"source", ev.SourceName(),
				"event_id", ev.ID(),
			)
		}
	}()
	fn(ctx, ev, set)
}

var (
	temporalSentinels = Set{Hour: -1, DayOfWeek: -1, IsWeekend: 0, IsBusinessHours: 0, IsNight: 0}
	networkSentinels  = Set{
		IPAddressHash: 0, IsPrivateIP: 0, IPReputationScore: 0.5,
		IsSuspiciousAgent: 0, UserAgentLength: 0,
	}
	identitySentinels = Set{
		EventIDHash: 0, ActivityHash: 0, CategoryHash: 0,
		IsFailure: 0, IsSuccess: 0, IdentityHash: 0, HasIdentity: 0,
	}
	patternSentinels = Set{
		SQLInjectionScore: 0, XSSScore: 0, PathTraversalScore: 0,
		CommandInjectionScore: 0, CodeExecutionScore: 0, OverallMaliciousScore: 0,
	}
	statisticalSentinels = Set{MessageLength: 0, NumSpecialChars: 0, Entropy: 0, NumFields: 0}
)

func (x *Extractor) temporal(_ context.Context, ev *event.RawEvent, set Set) {
	t, ok := parseTimestamp(ev.Timestamp)
	if !ok {
		for k, v := range temporalSentinels {
			set[k] = v
		}
		return
	}
	hour := t.Hour()
	day := (int(t.Weekday()) + 6) % 7 // Monday=0
	set[Hour] = float64(hour)
	set[DayOfWeek] = float64(day)
	set[IsWeekend] = flag(day >= 5)
	set[IsBusinessHours] = flag(hour >= 9 && hour <= 17)
	set[IsNight] = flag(hour < 6 || hour > 22)
}

func (x *Extractor) network(ctx context.Context, ev *event.RawEvent, set Set) {
	ip := ev.IP()
	set[IPAddressHash] = hashValue(ip)
	set[IsPrivateIP] = flag(privateIP(ip))

	rep := 0.5
	if ip != "" {
		s, err := x.rep.lookup(ctx, ip)
		if err != nil {
			x.logger.Warn(ctx, "reputation lookup failed, using heuristic",
				"ip", ip,
				"error", err,
			)
		}
		rep = s
	}
	set[IPReputationScore] = rep

	agent := ev.Agent()
	set[IsSuspiciousAgent] = flag(suspiciousAgent(agent))
	set[UserAgentLength] = float64(utf8.RuneCountInString(agent))
}

func (x *Extractor) identity(_ context.Context, ev *event.RawEvent, set Set) {
	set[EventIDHash] = hashValue(ev.ID())
	set[ActivityHash] = hashValue(ev.ActivityName())
	set[CategoryHash] = hashValue(ev.CategoryName())

	result := strings.ToLower(ev.Result())
	set[IsFailure] = flag(strings.Contains(result, "fail"))
	set[IsSuccess] = flag(strings.Contains(result, "success"))

	id := ev.IdentityName()
	set[IdentityHash] = hashValue(id)
	set[HasIdentity] = flag(id != "")
}

func (x *Extractor) patterns(_ context.Context, ev *event.RawEvent, set Set) {
	text := strings.ToLower(ev.Text())
	scores := [...]struct {
		name string
		re   *regexp.Regexp
	}{
		{SQLInjectionScore, sqlInjectionRe},
		{XSSScore, xssRe},
		{PathTraversalScore, pathTraversalRe},
		{CommandInjectionScore, commandInjectionRe},
		{CodeExecutionScore, codeExecutionRe},
	}
	var sum float64
	for _, s := range scores {
		v := patternScore(text, s.re)
		set[s.name] = v
		sum += v
	}
	set[OverallMaliciousScore] = sum / float64(len(scores))
}

func (x *Extractor) statistical(_ context.Context, ev *event.RawEvent, set Set) {
	text := ev.Payload.Text()
	var special int
	for _, r := range text {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			special++
		}
	}
	set[MessageLength] = float64(utf8.RuneCountInString(text))
	set[NumSpecialChars] = float64(special)
	set[Entropy] = shannon(text)
	set[NumFields] = float64(len(ev.Payload))
}

func parseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// hashValue maps s to a stable bucket in [0, 1000000). Empty and "unknown"
// map to 0.
func hashValue(s string) float64 {
	if s == "" || s == "unknown" {
		return 0
	}
	sum := md5.Sum([]byte(s)) //nolint:gosec // G401: see import
	return float64(binary.BigEndian.Uint32(sum[:4]) % 1_000_000)
}

func privateIP(s string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	if !addr.Is4() {
		return false
	}
	for _, p := range privateRanges {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func suspiciousAgent(agent string) bool {
	lower := strings.ToLower(agent)
	for _, a := range suspiciousAgents {
		if strings.Contains(lower, a) {
			return true
		}
	}
	return false
}

func patternScore(text string, re *regexp.Regexp) float64 {
	n := len(re.FindAllStringIndex(text, -1))
	return math.Min(float64(n)/10, 1)
}

// shannon returns the base-2 Shannon entropy of the characters in s.
func shannon(s string) float64 {
	if s == "" {
		return 0
	}
	freq := make(map[rune]int)
	var n int
	for _, r := range s {
		freq[r]++
		n++
	}
	var h float64
	for _, c := range freq {
		p := float64(c) / float64(n)
		h -= p * math.Log2(p)
	}
	return h
}

func flag(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
