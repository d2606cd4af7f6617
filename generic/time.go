package generic

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// TIME POINT - Millisecond instant (device records are stamped in epoch ms)
// =============================================================================

// TimePoint is a UTC instant truncated to millisecond precision.
type TimePoint struct {
	Time time.Time
}

// At normalizes t into a TimePoint.
func At(t time.Time) TimePoint {
	return TimePoint{Time: t.UTC().Truncate(time.Millisecond)}
}

// FromMillis converts epoch milliseconds into a TimePoint.
func FromMillis(ms int64) TimePoint {
	return TimePoint{Time: time.UnixMilli(ms).UTC()}
}

// Date builds a TimePoint at midnight UTC.
func Date(year int, month time.Month, day int) TimePoint {
	return At(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}

// Comparison
func (tp TimePoint) Before(other TimePoint) bool        { return tp.Millis() < other.Millis() }
func (tp TimePoint) After(other TimePoint) bool         { return tp.Millis() > other.Millis() }
func (tp TimePoint) Equal(other TimePoint) bool         { return tp.Millis() == other.Millis() }
func (tp TimePoint) BeforeOrEqual(other TimePoint) bool { return !tp.After(other) }
func (tp TimePoint) AfterOrEqual(other TimePoint) bool  { return !tp.Before(other) }

// Arithmetic
func (tp TimePoint) Add(d time.Duration) TimePoint { return At(tp.Time.Add(d)) }
func (tp TimePoint) AddDays(n int) TimePoint       { return At(tp.Time.AddDate(0, 0, n)) }
func (tp TimePoint) Sub(other TimePoint) time.Duration {
	return time.Duration(tp.Millis()-other.Millis()) * time.Millisecond
}

// Properties
func (tp TimePoint) Millis() int64 { return tp.Time.UnixMilli() }
func (tp TimePoint) IsZero() bool  { return tp.Time.IsZero() }

func (tp TimePoint) String() string {
	return tp.Time.UTC().Format(timeLayout)
}

// Ptr returns a pointer to a copy of tp, for bounded interval ends.
func (tp TimePoint) Ptr() *TimePoint { return &tp }

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// compactDate is the basic ISO 8601 date form. Eight-digit input is always
// read as a date, never as epoch milliseconds.
const compactDate = "20060102"

// ParseTime accepts RFC 3339, a bare date (midnight UTC), a compact
// YYYYMMDD date or epoch milliseconds. Date layouts are tried first.
func ParseTime(s string) (TimePoint, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return At(t), nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return At(t), nil
	}
	if len(s) == len(compactDate) && isDigits(s) {
		t, err := time.Parse(compactDate, s)
		if err != nil {
			return TimePoint{}, fmt.Errorf("invalid date %q: %w", s, err)
		}
		return At(t), nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return FromMillis(ms), nil
	}
	return TimePoint{}, fmt.Errorf("invalid time %q: want RFC 3339, YYYY-MM-DD, YYYYMMDD or epoch milliseconds", s)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (tp TimePoint) MarshalJSON() ([]byte, error) {
	if tp.IsZero() {
		return []byte("null"), nil
	}
	return []byte(strconv.Quote(tp.String())), nil
}

func (tp *TimePoint) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		return nil
	}
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = unquoted
	}
	parsed, err := ParseTime(s)
	if err != nil {
		return err
	}
	*tp = parsed
	return nil
}

// =============================================================================
// CLOCK - Injected time source
// =============================================================================

// Clock supplies "now" to the ledger. It is injected so scheduled-vs-active
// classification stays deterministic under test.
type Clock interface {
	Now() TimePoint
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() TimePoint { return At(time.Now()) }

// ClockFunc adapts a function to Clock.
type ClockFunc func() TimePoint

func (f ClockFunc) Now() TimePoint { return f() }

// FixedClock returns a settable instant. Safe for concurrent use.
type FixedClock struct {
	mu  sync.Mutex
	now TimePoint
}

func NewFixedClock(now TimePoint) *FixedClock {
	return &FixedClock{now: now}
}

func (c *FixedClock) Now() TimePoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FixedClock) Set(now TimePoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
