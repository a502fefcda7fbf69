package proactive

import (
	"math/rand/v2"
	"slices"
	"time"

	"companiond/internal/domain"
)

// Plan is one companion's committed send times for a local day.
type Plan struct {
	CompanionID string
	Day         time.Time // local midnight
	Settings    domain.ProactiveSettings
	Targets     []time.Time
	next        int
}

// NewPlan draws up to n targets inside the settings window of day, none
// before earliest, each at least MinGap after the previous one. The draw
// depends only on (seed, companion, day) and the inputs.
func NewPlan(seed uint64, companionID string, s domain.ProactiveSettings, day, earliest time.Time, n int) *Plan {
	midnight := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	p := &Plan{CompanionID: companionID, Day: midnight, Settings: s}

	begin := s.WindowStart.On(midnight)
	end := s.WindowEnd.On(midnight)
	if earliest.After(begin) {
		begin = earliest.Truncate(time.Minute)
		if begin.Before(earliest) {
			begin = begin.Add(time.Minute)
		}
	}
	// Targets sit on whole minutes so a minute tick reaches each one
	// before the window closes.
	window := int64(end.Sub(begin) / time.Minute)
	if n <= 0 || window <= 0 {
		return p
	}

	gap := int64((s.MinGap + time.Minute - 1) / time.Minute)
	if gap > 0 {
		if maxN := int((window-1)/gap) + 1; n > maxN {
			n = maxN
		}
	}
	slack := window - int64(n-1)*gap

	r := rand.New(rand.NewPCG(seedFor(seed, companionID, midnight), uint64(n)))
	offsets := make([]int64, n)
	for i := range offsets {
		offsets[i] = r.Int64N(slack)
	}
	slices.Sort(offsets)

	p.Targets = make([]time.Time, n)
	for i, off := range offsets {
		p.Targets[i] = begin.Add(time.Duration(off+int64(i)*gap) * time.Minute)
	}
	return p
}

// Due reports whether the next target has been reached.
func (p *Plan) Due(now time.Time) bool {
	return p.next < len(p.Targets) && !now.Before(p.Targets[p.next])
}

// Next returns the next pending target.
func (p *Plan) Next() (time.Time, bool) {
	if p.next >= len(p.Targets) {
		return time.Time{}, false
	}
	return p.Targets[p.next], true
}

// Consume marks the next target as sent.
func (p *Plan) Consume() {
	if p.next < len(p.Targets) {
		p.next++
	}
}

// Remaining counts pending targets.
func (p *Plan) Remaining() int {
	return len(p.Targets) - p.next
}

// valid reports whether the plan still applies at now under s.
func (p *Plan) valid(now time.Time, s domain.ProactiveSettings) bool {
	y, m, d := now.Date()
	py, pm, pd := p.Day.Date()
	return y == py && m == pm && d == pd && p.Settings == s
}
