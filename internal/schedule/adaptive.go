package schedule

import (
	"math"
	"time"

	"github.com/JakeFAU/fetch-scheduler/internal/crawler"
	"github.com/JakeFAU/fetch-scheduler/internal/metrics"
)

// AdaptiveSchedule shortens the interval of pages that change and stretches
// it for pages that do not. With sync delta enabled it also pulls the next
// fetch toward the observed modification time.
type AdaptiveSchedule struct {
	base
}

// SetFetchSchedule applies the adaptive step.
func (s *AdaptiveSchedule) SetFetchSchedule(
	page *crawler.Page,
	prevFetchTime, prevModifiedTime, fetchTime, modifiedTime time.Time,
	state ChangeState,
) {
	next, interval := s.adapt(s.intervalOf(page), fetchTime, modifiedTime, state)
	if modifiedTime.IsZero() {
		modifiedTime = fetchTime
	}
	s.commit(page, prevFetchTime, prevModifiedTime, next, modifiedTime, interval)
	metrics.ObserveScheduleDecision(s.name, state.String())
}

// adapt returns the next fetch time and the clamped interval. Interval math
// is done in float seconds.
func (s *AdaptiveSchedule) adapt(
	current time.Duration,
	fetchTime, modifiedTime time.Time,
	state ChangeState,
) (time.Time, time.Duration) {
	interval := current.Seconds()
	switch state {
	case ChangeModified:
		interval *= 1 - s.cfg.DecRate
	case ChangeNotModified:
		interval *= 1 + s.cfg.IncRate
	}

	refTime := fetchTime
	if s.cfg.SyncDelta {
		if modifiedTime.IsZero() {
			modifiedTime = fetchTime
		}
		gap := fetchTime.Sub(modifiedTime).Seconds()
		if gap > interval {
			interval = gap
		}
		refTime = fetchTime.Add(-secondsToDuration(gap * s.cfg.SyncDeltaRate))
	}

	clamped := s.clamp(secondsToDuration(interval))
	next := refTime.Add(clamped)
	if next.Before(fetchTime) {
		next = fetchTime
	}
	return next, clamped
}

func secondsToDuration(seconds float64) time.Duration {
	ns := seconds * float64(time.Second)
	if ns > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	if ns < math.MinInt64 {
		return time.Duration(math.MinInt64)
	}
	return time.Duration(math.Round(ns))
}
