package schedule

import (
	"time"

	"github.com/JakeFAU/fetch-scheduler/internal/crawler"
	"github.com/JakeFAU/fetch-scheduler/internal/metrics"
	"github.com/JakeFAU/fetch-scheduler/internal/progress"
)

// NewsSchedule assumes article pages never change once published. Seed and
// index pages are refetched; every other page is retired after its first fetch.
type NewsSchedule struct {
	AdaptiveSchedule
	emitter progress.Emitter
}

// SetFetchSchedule retires detail pages. A seed or index page whose newest publication is
// older than NewsStaleAfter is polled hourly; a fresh seed is polled at the
// minimum interval.
func (s *NewsSchedule) SetFetchSchedule(
	page *crawler.Page,
	prevFetchTime, prevModifiedTime, fetchTime, modifiedTime time.Time,
	state ChangeState,
) {
	if modifiedTime.IsZero() {
		modifiedTime = fetchTime
	}
	if !page.Seed && page.Category != crawler.CategoryIndex {
		page.Inactive = true
		s.commit(page, prevFetchTime, prevModifiedTime, fetchTime.Add(s.intervalOf(page)), modifiedTime, s.intervalOf(page))
		metrics.ObserveScheduleDecision(s.name, "inactive")
		return
	}

	published := page.PublishTime
	if published.IsZero() {
		published = page.ModifiedTime
	}
	stale := published.IsZero() || fetchTime.Sub(published) > NewsStaleAfter

	interval := s.cfg.MinInterval
	decision := "fresh"
	if stale {
		interval = NewsStaleInterval
		decision = "stale"
	}
	s.commit(page, prevFetchTime, prevModifiedTime, fetchTime.Add(interval), modifiedTime, interval)
	metrics.ObserveScheduleDecision(s.name, decision)

	if stale && s.emitter != nil {
		site, _ := crawler.HostOf(page.URL)
		s.emitter.Emit(progress.Event{
			TS:       s.clock.Now(),
			Stage:    progress.StageScheduleDecision,
			Site:     site,
			URL:      page.URL,
			Strategy: s.name,
			Decision: decision,
			Dur:      interval,
			Note:     "no publication within " + NewsStaleAfter.String(),
		})
	}
}
