package schedule

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fetch-scheduler/internal/crawler"
	"github.com/JakeFAU/fetch-scheduler/internal/progress"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type captureEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (c *captureEmitter) Emit(evt progress.Event) {
	c.mu.Lock()
	c.events = append(c.events, evt)
	c.mu.Unlock()
}

var epoch = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func newSchedule(t *testing.T, mutate func(*Config)) FetchSchedule {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg, fixedClock{now: epoch}, nil)
	require.NoError(t, err)
	return s
}

func TestNewSelectsStrategy(t *testing.T) {
	t.Parallel()

	cases := map[string]any{
		"":         &AdaptiveSchedule{},
		"adaptive": &AdaptiveSchedule{},
		"Default":  &DefaultSchedule{},
		"news":     &NewsSchedule{},
	}
	for name, want := range cases {
		cfg := DefaultConfig()
		cfg.Strategy = name
		s, err := New(cfg, nil, nil)
		require.NoError(t, err, name)
		require.IsType(t, want, s, name)
	}

	cfg := DefaultConfig()
	cfg.Strategy = "lunar"
	_, err := New(cfg, nil, nil)
	require.ErrorContains(t, err, "unknown schedule strategy")
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultConfig().Validate())

	bad := []func(*Config){
		func(c *Config) { c.MinInterval = 0 },
		func(c *Config) { c.MaxInterval = time.Minute },
		func(c *Config) { c.DefaultInterval = 400 * day },
		func(c *Config) { c.IncRate = 1 },
		func(c *Config) { c.DecRate = -0.1 },
		func(c *Config) { c.SyncDeltaRate = 2 },
	}
	for i, mutate := range bad {
		cfg := DefaultConfig()
		mutate(&cfg)
		require.Error(t, cfg.Validate(), "case %d", i)
	}
}

func TestInitializeScheduleAndBoundary(t *testing.T) {
	t.Parallel()

	s := newSchedule(t, nil)
	page := crawler.NewPage("https://example.com/")
	page.FetchRetries = 4
	s.InitializeSchedule(page)

	require.Equal(t, epoch, page.FetchTime)
	require.Equal(t, 30*day, page.FetchInterval)
	require.Zero(t, page.FetchRetries)
	require.Equal(t, crawler.StatusUnfetched, page.Status)

	require.True(t, s.ShouldFetch(page, epoch), "fetchTime == curTime is due")
	require.False(t, s.ShouldFetch(page, epoch.Add(-time.Nanosecond)), "one tick earlier is not due")
	require.True(t, s.ShouldFetch(page, epoch.Add(time.Second)))
}

func TestAdaptiveNotModifiedGrowsGeometrically(t *testing.T) {
	t.Parallel()

	s := newSchedule(t, func(c *Config) { c.SyncDelta = false })
	page := crawler.NewPage("https://example.com/")
	start := day
	page.FetchInterval = start

	fetchTime := epoch
	const n = 5
	for i := 0; i < n; i++ {
		s.SetFetchSchedule(page, time.Time{}, time.Time{}, fetchTime, time.Time{}, ChangeNotModified)
		require.False(t, page.FetchTime.Before(fetchTime), "next fetch never precedes the fetch that computed it")
		fetchTime = page.FetchTime
	}
	want := start.Seconds() * math.Pow(1.2, n)
	require.InDelta(t, want, page.FetchInterval.Seconds(), 1e-3)
}

func TestAdaptiveNotModifiedClampsAtMax(t *testing.T) {
	t.Parallel()

	s := newSchedule(t, func(c *Config) { c.SyncDelta = false })
	page := crawler.NewPage("https://example.com/")
	page.FetchInterval = 300 * day
	for i := 0; i < 4; i++ {
		s.SetFetchSchedule(page, time.Time{}, time.Time{}, epoch, time.Time{}, ChangeNotModified)
	}
	require.Equal(t, 365*day, page.FetchInterval)
}

func TestAdaptiveModifiedShrinksToMin(t *testing.T) {
	t.Parallel()

	s := newSchedule(t, func(c *Config) { c.SyncDelta = false })
	page := crawler.NewPage("https://example.com/")
	start := time.Hour
	page.FetchInterval = start

	s.SetFetchSchedule(page, time.Time{}, time.Time{}, epoch, epoch, ChangeModified)
	s.SetFetchSchedule(page, time.Time{}, time.Time{}, epoch, epoch, ChangeModified)
	require.InDelta(t, start.Seconds()*0.64, page.FetchInterval.Seconds(), 1e-3)

	for i := 0; i < 20; i++ {
		s.SetFetchSchedule(page, time.Time{}, time.Time{}, epoch, epoch, ChangeModified)
	}
	require.Equal(t, 10*time.Minute, page.FetchInterval)
	require.Equal(t, epoch.Add(10*time.Minute), page.FetchTime)
}

func TestAdaptiveUnknownKeepsInterval(t *testing.T) {
	t.Parallel()

	s := newSchedule(t, func(c *Config) { c.SyncDelta = false })
	page := crawler.NewPage("https://example.com/")
	page.FetchInterval = 2 * day
	page.FetchRetries = 3

	prevFetch := epoch.Add(-2 * day)
	prevModified := epoch.Add(-5 * day)
	s.SetFetchSchedule(page, prevFetch, prevModified, epoch, epoch.Add(-time.Hour), ChangeUnknown)

	require.Equal(t, 2*day, page.FetchInterval)
	require.Equal(t, epoch.Add(2*day), page.FetchTime)
	require.Equal(t, prevFetch, page.PrevFetchTime)
	require.Equal(t, prevModified, page.PrevModifiedTime)
	require.Equal(t, epoch.Add(-time.Hour), page.ModifiedTime)
	require.Zero(t, page.FetchRetries)
}

func TestAdaptiveSyncDeltaStretchesToGap(t *testing.T) {
	t.Parallel()

	s := newSchedule(t, nil)
	page := crawler.NewPage("https://example.com/")
	page.FetchInterval = day

	modified := epoch.Add(-10 * day)
	s.SetFetchSchedule(page, time.Time{}, time.Time{}, epoch, modified, ChangeUnknown)

	require.Equal(t, 10*day, page.FetchInterval, "interval grows to the modification gap")
	require.Equal(t, epoch.Add(-2*day).Add(10*day), page.FetchTime, "reference pulled back by 20% of the gap")
	require.False(t, page.FetchTime.Before(epoch))
}

func TestAdaptiveSyncDeltaWithoutModifiedTime(t *testing.T) {
	t.Parallel()

	s := newSchedule(t, nil)
	page := crawler.NewPage("https://example.com/")
	page.FetchInterval = day

	s.SetFetchSchedule(page, time.Time{}, time.Time{}, epoch, time.Time{}, ChangeModified)
	require.InDelta(t, 0.8*day.Seconds(), page.FetchInterval.Seconds(), 1e-3)
	require.Equal(t, epoch.Add(page.FetchInterval), page.FetchTime)
	require.Equal(t, epoch, page.ModifiedTime)
}

func TestAdaptiveZeroIntervalUsesDefault(t *testing.T) {
	t.Parallel()

	s := newSchedule(t, func(c *Config) { c.SyncDelta = false })
	page := crawler.NewPage("https://example.com/")
	s.SetFetchSchedule(page, time.Time{}, time.Time{}, epoch, time.Time{}, ChangeUnknown)
	require.Equal(t, 30*day, page.FetchInterval)
}

func TestDefaultScheduleUsesFixedInterval(t *testing.T) {
	t.Parallel()

	s := newSchedule(t, func(c *Config) { c.Strategy = StrategyDefault })
	page := crawler.NewPage("https://example.com/")
	page.FetchInterval = 3 * day
	page.FetchRetries = 2

	s.SetFetchSchedule(page, time.Time{}, time.Time{}, epoch, epoch, ChangeModified)
	require.Equal(t, 3*day, page.FetchInterval)
	require.Equal(t, epoch.Add(3*day), page.FetchTime)
	require.Zero(t, page.FetchRetries)
}

func TestGoneScheduleGrowsAndCaps(t *testing.T) {
	t.Parallel()

	s := newSchedule(t, nil)
	page := crawler.NewPage("https://example.com/")
	page.FetchInterval = 10 * day

	s.SetPageGoneSchedule(page, time.Time{}, time.Time{}, epoch)
	require.Equal(t, 15*day, page.FetchInterval)
	require.Equal(t, epoch.Add(15*day), page.FetchTime)

	page.FetchInterval = 300 * day
	s.SetPageGoneSchedule(page, time.Time{}, time.Time{}, epoch)
	capped := time.Duration(float64(365*day) * 0.9)
	require.Equal(t, capped, page.FetchInterval)
	require.Equal(t, epoch.Add(capped), page.FetchTime)
}

func TestRetryScheduleAddsOneDay(t *testing.T) {
	t.Parallel()

	s := newSchedule(t, nil)
	page := crawler.NewPage("https://example.com/")
	page.FetchInterval = 5 * day

	s.SetPageRetrySchedule(page, time.Time{}, time.Time{}, epoch)
	s.SetPageRetrySchedule(page, time.Time{}, time.Time{}, page.FetchTime)
	require.Equal(t, epoch.Add(2*day), page.FetchTime)
	require.Equal(t, 2, page.FetchRetries)
	require.Equal(t, 5*day, page.FetchInterval, "retries leave the interval alone")
}

func TestShouldFetchInactiveAndDrift(t *testing.T) {
	t.Parallel()

	s := newSchedule(t, nil)
	page := crawler.NewPage("https://example.com/")
	page.FetchTime = epoch.Add(-time.Hour)
	page.Inactive = true
	require.False(t, s.ShouldFetch(page, epoch))

	drifted := crawler.NewPage("https://example.com/far")
	drifted.FetchTime = epoch.Add(400 * day)
	drifted.FetchInterval = 365 * day
	require.True(t, s.ShouldFetch(drifted, epoch), "drifted pages are corrected and due")
	require.Equal(t, epoch, drifted.FetchTime)
	require.Equal(t, time.Duration(float64(365*day)*0.9), drifted.FetchInterval)

	future := crawler.NewPage("https://example.com/later")
	future.FetchTime = epoch.Add(day)
	future.FetchInterval = day
	require.False(t, s.ShouldFetch(future, epoch))
	require.Equal(t, epoch.Add(day), future.FetchTime, "in-range schedules are untouched")
}

func TestForceRefetch(t *testing.T) {
	t.Parallel()

	s := newSchedule(t, nil)
	page := crawler.NewPage("https://example.com/")
	page.Status = crawler.StatusFetched
	page.FetchRetries = 3
	page.Signature = "abc"
	page.ModifiedTime = epoch.Add(-day)
	page.FetchTime = epoch.Add(7 * day)

	s.ForceRefetch(page, false)
	require.Equal(t, crawler.StatusUnfetched, page.Status)
	require.Zero(t, page.FetchRetries)
	require.Empty(t, page.Signature)
	require.Equal(t, int64(0), page.ModifiedTime.Unix())
	require.Equal(t, epoch.Add(7*day), page.FetchTime, "without asap the natural schedule stands")

	s.ForceRefetch(page, true)
	require.Equal(t, epoch, page.FetchTime)
}

func TestCalculateLastFetchTime(t *testing.T) {
	t.Parallel()

	s := newSchedule(t, nil)
	page := crawler.NewPage("https://example.com/")
	s.InitializeSchedule(page)
	require.True(t, s.CalculateLastFetchTime(page).IsZero())

	page.Status = crawler.StatusFetched
	page.FetchTime = epoch.Add(3 * day)
	page.FetchInterval = day
	require.Equal(t, epoch.Add(2*day), s.CalculateLastFetchTime(page))
}

func TestNewsScheduleRetiresDetailPages(t *testing.T) {
	t.Parallel()

	emitter := &captureEmitter{}
	cfg := DefaultConfig()
	cfg.Strategy = StrategyNews
	s, err := New(cfg, fixedClock{now: epoch}, emitter)
	require.NoError(t, err)

	article := crawler.NewPage("https://news.example/2024/06/01/story")
	s.SetFetchSchedule(article, time.Time{}, time.Time{}, epoch, time.Time{}, ChangeModified)
	require.True(t, article.Inactive)
	require.False(t, s.ShouldFetch(article, epoch.Add(365*day)))
	require.Empty(t, emitter.events)
}

func TestNewsScheduleSeedIntervals(t *testing.T) {
	t.Parallel()

	emitter := &captureEmitter{}
	cfg := DefaultConfig()
	cfg.Strategy = StrategyNews
	s, err := New(cfg, fixedClock{now: epoch}, emitter)
	require.NoError(t, err)

	fresh := crawler.NewPage("https://news.example/")
	fresh.Seed = true
	fresh.PublishTime = epoch.Add(-2 * day)
	s.SetFetchSchedule(fresh, time.Time{}, time.Time{}, epoch, time.Time{}, ChangeModified)
	require.False(t, fresh.Inactive)
	require.Equal(t, 10*time.Minute, fresh.FetchInterval)
	require.Equal(t, epoch.Add(10*time.Minute), fresh.FetchTime)
	require.Empty(t, emitter.events)

	stale := crawler.NewPage("https://quiet.example/")
	stale.Seed = true
	stale.PublishTime = epoch.Add(-8 * day)
	s.SetFetchSchedule(stale, time.Time{}, time.Time{}, epoch, time.Time{}, ChangeNotModified)
	require.Equal(t, time.Hour, stale.FetchInterval)
	require.Equal(t, epoch.Add(time.Hour), stale.FetchTime)

	listing := crawler.NewPage("https://news.example/world/")
	listing.Category = crawler.CategoryIndex
	listing.PublishTime = epoch.Add(-time.Hour)
	s.SetFetchSchedule(listing, time.Time{}, time.Time{}, epoch, time.Time{}, ChangeModified)
	require.False(t, listing.Inactive, "index pages keep being polled")
	require.Equal(t, 10*time.Minute, listing.FetchInterval)

	require.Len(t, emitter.events, 1)
	evt := emitter.events[0]
	require.Equal(t, progress.StageScheduleDecision, evt.Stage)
	require.Equal(t, "quiet.example", evt.Site)
	require.Equal(t, StrategyNews, evt.Strategy)
	require.Equal(t, "stale", evt.Decision)
	require.NoError(t, evt.Validate())
}

func TestChangeStateString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "modified", ChangeModified.String())
	require.Equal(t, "notmodified", ChangeNotModified.String())
	require.Equal(t, "unknown", ChangeUnknown.String())
}
