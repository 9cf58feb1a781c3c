// Package schedule computes when a page should be fetched again.
//
// Strategies only touch the schedule fields of a crawler.Page (FetchTime,
// FetchInterval, FetchRetries, ModifiedTime and their previous values). They
// hold no locks; callers serialize access to a page.
package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/fetch-scheduler/internal/clock/system"
	"github.com/JakeFAU/fetch-scheduler/internal/crawler"
	"github.com/JakeFAU/fetch-scheduler/internal/metrics"
	"github.com/JakeFAU/fetch-scheduler/internal/progress"
)

// ChangeState is the outcome of comparing a page's content signatures.
type ChangeState int

// Change states.
const (
	ChangeUnknown ChangeState = iota
	ChangeModified
	ChangeNotModified
)

func (c ChangeState) String() string {
	switch c {
	case ChangeModified:
		return "modified"
	case ChangeNotModified:
		return "notmodified"
	default:
		return "unknown"
	}
}

// Strategy names accepted by New.
const (
	StrategyDefault  = "default"
	StrategyAdaptive = "adaptive"
	StrategyNews     = "news"
)

const (
	day = 24 * time.Hour

	// RetryDelay postpones a page after a transient fetch error.
	RetryDelay = day
	// NewsStaleAfter is the publish-to-fetch gap after which a news seed is stale.
	NewsStaleAfter = 7 * day
	// NewsStaleInterval is the polling interval for stale news seeds.
	NewsStaleInterval = time.Hour
)

// Config holds the schedule tunables.
type Config struct {
	Strategy        string        `mapstructure:"strategy"`
	DefaultInterval time.Duration `mapstructure:"default_interval"`
	MinInterval     time.Duration `mapstructure:"min_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	IncRate         float64       `mapstructure:"inc_rate"`
	DecRate         float64       `mapstructure:"dec_rate"`
	SyncDelta       bool          `mapstructure:"sync_delta"`
	SyncDeltaRate   float64       `mapstructure:"sync_delta_rate"`
}

// DefaultConfig returns the stock tunables: 30 day default interval, 10
// minute to 365 day bounds, 20% rates and sync delta enabled.
func DefaultConfig() Config {
	return Config{
		Strategy:        StrategyAdaptive,
		DefaultInterval: 30 * day,
		MinInterval:     10 * time.Minute,
		MaxInterval:     365 * day,
		IncRate:         0.2,
		DecRate:         0.2,
		SyncDelta:       true,
		SyncDeltaRate:   0.2,
	}
}

// Validate checks the tunables for consistency.
func (c Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Strategy)) {
	case "", StrategyDefault, StrategyAdaptive, StrategyNews:
	default:
		return fmt.Errorf("unknown schedule strategy %q", c.Strategy)
	}
	if c.MinInterval <= 0 {
		return errors.New("min_interval must be positive")
	}
	if c.MaxInterval < c.MinInterval {
		return errors.New("max_interval must be >= min_interval")
	}
	if c.DefaultInterval < c.MinInterval || c.DefaultInterval > c.MaxInterval {
		return errors.New("default_interval must lie within [min_interval, max_interval]")
	}
	for name, rate := range map[string]float64{
		"inc_rate":        c.IncRate,
		"dec_rate":        c.DecRate,
		"sync_delta_rate": c.SyncDeltaRate,
	} {
		if rate < 0 || rate >= 1 {
			return fmt.Errorf("%s must be in [0, 1)", name)
		}
	}
	return nil
}

// FetchSchedule computes fetch times for pages.
type FetchSchedule interface {
	// InitializeSchedule prepares a newly discovered page for its first fetch.
	InitializeSchedule(page *crawler.Page)
	// SetFetchSchedule reschedules a page after a successful fetch.
	SetFetchSchedule(page *crawler.Page, prevFetchTime, prevModifiedTime, fetchTime, modifiedTime time.Time, state ChangeState)
	// SetPageGoneSchedule reschedules a page whose fetch reported it gone.
	SetPageGoneSchedule(page *crawler.Page, prevFetchTime, prevModifiedTime, fetchTime time.Time)
	// SetPageRetrySchedule reschedules a page after a transient error.
	SetPageRetrySchedule(page *crawler.Page, prevFetchTime, prevModifiedTime, fetchTime time.Time)
	// CalculateLastFetchTime estimates when the page was last fetched.
	CalculateLastFetchTime(page *crawler.Page) time.Time
	// ShouldFetch reports whether the page is due at curTime.
	ShouldFetch(page *crawler.Page, curTime time.Time) bool
	// ForceRefetch makes the page look unfetched.
	ForceRefetch(page *crawler.Page, asap bool)
}

// New selects a strategy by cfg.Strategy. An empty strategy means adaptive.
// A nil emitter discards schedule decision events.
func New(cfg Config, clock crawler.Clock, emitter progress.Emitter) (FetchSchedule, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("schedule config: %w", err)
	}
	b := newBase(StrategyDefault, cfg, clock)
	switch strings.ToLower(strings.TrimSpace(cfg.Strategy)) {
	case StrategyDefault:
		return &DefaultSchedule{base: b}, nil
	case StrategyAdaptive, "":
		b.name = StrategyAdaptive
		return &AdaptiveSchedule{base: b}, nil
	case StrategyNews:
		b.name = StrategyNews
		return &NewsSchedule{AdaptiveSchedule: AdaptiveSchedule{base: b}, emitter: emitter}, nil
	default:
		return nil, fmt.Errorf("schedule config: unknown schedule strategy %q", cfg.Strategy)
	}
}

// base carries the behavior shared by every strategy.
type base struct {
	name  string
	cfg   Config
	clock crawler.Clock
}

func newBase(name string, cfg Config, clock crawler.Clock) base {
	if clock == nil {
		clock = system.New()
	}
	return base{name: name, cfg: cfg, clock: clock}
}

// InitializeSchedule sets the first fetch to now with the default interval.
func (b base) InitializeSchedule(page *crawler.Page) {
	page.FetchTime = b.clock.Now()
	page.FetchInterval = b.cfg.DefaultInterval
	page.FetchRetries = 0
	page.Status = crawler.StatusUnfetched
}

// SetPageGoneSchedule grows the interval by half, capped at 90% of the
// maximum, and schedules the page one interval after fetchTime.
func (b base) SetPageGoneSchedule(page *crawler.Page, prevFetchTime, prevModifiedTime, fetchTime time.Time) {
	interval := b.intervalOf(page)
	grown := time.Duration(float64(interval) * 1.5)
	if limit := b.goneCap(); grown > limit {
		grown = limit
	}
	page.FetchInterval = grown
	page.PrevFetchTime = prevFetchTime
	page.PrevModifiedTime = prevModifiedTime
	page.FetchTime = fetchTime.Add(grown)
	metrics.ObserveScheduleDecision(b.name, "gone")
}

// SetPageRetrySchedule postpones the page by RetryDelay and counts the retry.
func (b base) SetPageRetrySchedule(page *crawler.Page, prevFetchTime, prevModifiedTime, fetchTime time.Time) {
	page.PrevFetchTime = prevFetchTime
	page.PrevModifiedTime = prevModifiedTime
	page.FetchTime = fetchTime.Add(RetryDelay)
	page.FetchRetries++
	metrics.ObserveScheduleDecision(b.name, "retry")
}

// CalculateLastFetchTime returns FetchTime minus FetchInterval, or the zero
// time for a page that was never fetched.
func (b base) CalculateLastFetchTime(page *crawler.Page) time.Time {
	if page.Status == crawler.StatusUnfetched || page.FetchTime.IsZero() {
		return time.Time{}
	}
	return page.FetchTime.Add(-page.FetchInterval)
}

// ShouldFetch reports page.FetchTime <= curTime. Inactive pages are never due.
// A FetchTime beyond curTime + MaxInterval is treated as drift: the interval
// is capped and the page becomes due immediately.
func (b base) ShouldFetch(page *crawler.Page, curTime time.Time) bool {
	if page.Inactive {
		return false
	}
	if page.FetchTime.Sub(curTime) > b.cfg.MaxInterval {
		if limit := b.goneCap(); page.FetchInterval > limit {
			page.FetchInterval = limit
		}
		page.FetchTime = curTime
	}
	return !page.FetchTime.After(curTime)
}

// ForceRefetch resets the page to unfetched with no signature and an epoch
// modified time. With asap the page is due now.
func (b base) ForceRefetch(page *crawler.Page, asap bool) {
	if page.FetchInterval > b.cfg.MaxInterval {
		page.FetchInterval = b.goneCap()
	}
	page.Status = crawler.StatusUnfetched
	page.FetchRetries = 0
	page.Signature = ""
	page.ModifiedTime = time.Unix(0, 0).UTC()
	if asap {
		page.FetchTime = b.clock.Now()
	}
}

func (b base) intervalOf(page *crawler.Page) time.Duration {
	if page.FetchInterval <= 0 {
		return b.cfg.DefaultInterval
	}
	return page.FetchInterval
}

func (b base) goneCap() time.Duration {
	return time.Duration(float64(b.cfg.MaxInterval) * 0.9)
}

func (b base) clamp(interval time.Duration) time.Duration {
	if interval < b.cfg.MinInterval {
		return b.cfg.MinInterval
	}
	if interval > b.cfg.MaxInterval {
		return b.cfg.MaxInterval
	}
	return interval
}

// commit stores the outcome of a successful fetch.
func (b base) commit(page *crawler.Page, prevFetchTime, prevModifiedTime, next, modifiedTime time.Time, interval time.Duration) {
	page.FetchInterval = interval
	page.FetchTime = next
	page.PrevFetchTime = prevFetchTime
	page.PrevModifiedTime = prevModifiedTime
	page.ModifiedTime = modifiedTime
	page.FetchRetries = 0
}

// DefaultSchedule refetches at a fixed interval.
type DefaultSchedule struct {
	base
}

// SetFetchSchedule schedules the page one interval after fetchTime.
func (s *DefaultSchedule) SetFetchSchedule(
	page *crawler.Page,
	prevFetchTime, prevModifiedTime, fetchTime, modifiedTime time.Time,
	state ChangeState,
) {
	interval := s.intervalOf(page)
	s.commit(page, prevFetchTime, prevModifiedTime, fetchTime.Add(interval), modifiedTime, interval)
	metrics.ObserveScheduleDecision(s.name, state.String())
}
