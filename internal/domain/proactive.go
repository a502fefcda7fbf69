package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// ClockTime is a wall-clock time of day in minutes after midnight.
type ClockTime int

// ParseClock parses "HH:MM".
func ParseClock(s string) (ClockTime, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	if h < 0 || h > 24 || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("invalid time %q, out of range", s)
	}
	return ClockTime(h*60 + m), nil
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// On returns the instant of c on the local calendar day of t.
func (c ClockTime) On(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, t.Location()).Add(time.Duration(c) * time.Minute)
}

// Of returns the clock time of t.
func Of(t time.Time) ClockTime {
	return ClockTime(t.Hour()*60 + t.Minute())
}

func (c ClockTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *ClockTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseClock(s)
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// ProactiveSettings controls when a companion may speak unprompted.
type ProactiveSettings struct {
	Enabled         bool          `json:"enabled"`
	FrequencyPerDay int           `json:"frequency"`
	WindowStart     ClockTime     `json:"time_start"`
	WindowEnd       ClockTime     `json:"time_end"`
	MinGap          time.Duration `json:"-"`
}

// MaxFrequencyPerDay bounds the daily quota.
const MaxFrequencyPerDay = 48

// DefaultProactiveSettings are used when nothing is stored.
func DefaultProactiveSettings() ProactiveSettings {
	return ProactiveSettings{
		Enabled:         true,
		FrequencyPerDay: 3,
		WindowStart:     9 * 60,
		WindowEnd:       22 * 60,
		MinGap:          4 * time.Hour,
	}
}

// Validate checks the window, gap and frequency invariants.
func (s ProactiveSettings) Validate() error {
	if s.WindowStart < 0 || s.WindowEnd > 24*60 {
		return fmt.Errorf("window %s-%s out of range", s.WindowStart, s.WindowEnd)
	}
	if s.WindowStart >= s.WindowEnd {
		return fmt.Errorf("window start %s must be before end %s", s.WindowStart, s.WindowEnd)
	}
	if s.MinGap < 0 {
		return fmt.Errorf("min gap must be >= 0, got %s", s.MinGap)
	}
	if s.FrequencyPerDay < 0 || s.FrequencyPerDay > MaxFrequencyPerDay {
		return fmt.Errorf("frequency must be between 0 and %d, got %d", MaxFrequencyPerDay, s.FrequencyPerDay)
	}
	return nil
}

// Contains reports whether t falls inside [WindowStart, WindowEnd).
func (s ProactiveSettings) Contains(t time.Time) bool {
	c := Of(t)
	return c >= s.WindowStart && c < s.WindowEnd
}

// ProactiveOverride holds per-companion settings; nil fields inherit the global value.
type ProactiveOverride struct {
	Enabled         *bool          `json:"enabled,omitempty"`
	FrequencyPerDay *int           `json:"frequency,omitempty"`
	WindowStart     *ClockTime     `json:"time_start,omitempty"`
	WindowEnd       *ClockTime     `json:"time_end,omitempty"`
	MinGap          *time.Duration `json:"-"`
}

// IsZero reports whether the override sets nothing.
func (o ProactiveOverride) IsZero() bool {
	return o.Enabled == nil && o.FrequencyPerDay == nil && o.WindowStart == nil &&
		o.WindowEnd == nil && o.MinGap == nil
}

// Apply layers the override on top of base.
func (o ProactiveOverride) Apply(base ProactiveSettings) ProactiveSettings {
	if o.Enabled != nil {
		base.Enabled = *o.Enabled
	}
	if o.FrequencyPerDay != nil {
		base.FrequencyPerDay = *o.FrequencyPerDay
	}
	if o.WindowStart != nil {
		base.WindowStart = *o.WindowStart
	}
	if o.WindowEnd != nil {
		base.WindowEnd = *o.WindowEnd
	}
	if o.MinGap != nil {
		base.MinGap = *o.MinGap
	}
	return base
}

// Merge returns o with every field set in next replacing its own.
func (o ProactiveOverride) Merge(next ProactiveOverride) ProactiveOverride {
	if next.Enabled != nil {
		o.Enabled = next.Enabled
	}
	if next.FrequencyPerDay != nil {
		o.FrequencyPerDay = next.FrequencyPerDay
	}
	if next.WindowStart != nil {
		o.WindowStart = next.WindowStart
	}
	if next.WindowEnd != nil {
		o.WindowEnd = next.WindowEnd
	}
	if next.MinGap != nil {
		o.MinGap = next.MinGap
	}
	return o
}

// ProactiveState is the effective settings of one companion plus its send history.
type ProactiveState struct {
	CompanionID string            `json:"companion_id"`
	Settings    ProactiveSettings `json:"settings"`
	Override    ProactiveOverride `json:"override"`
	LastSentAt  *time.Time        `json:"last_sent_at,omitempty"`
}
