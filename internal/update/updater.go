// Package update turns a fetched page into tracker bookkeeping, a new fetch
// schedule and a published result record.
package update

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fetch-scheduler/internal/clock/system"
	"github.com/JakeFAU/fetch-scheduler/internal/crawler"
	"github.com/JakeFAU/fetch-scheduler/internal/metrics"
	"github.com/JakeFAU/fetch-scheduler/internal/schedule"
)

// Tracker is the subset of tracker.Tracker the updater reports to.
type Tracker interface {
	TrackSuccess(page *crawler.Page)
	TrackHostFailure(rawURL string) bool
	TrackTimeout(rawURL string)
	TrackFailed(rawURL string)
	TrackDead(rawURL string)
}

// Result is the record published for every completed fetch.
type Result struct {
	BatchID           string                 `json:"batch_id"`
	ItemID            int64                  `json:"item_id"`
	Priority          int                    `json:"priority"`
	URL               string                 `json:"url"`
	Host              string                 `json:"host"`
	Status            crawler.CrawlStatus    `json:"status"`
	Protocol          crawler.ProtocolStatus `json:"protocol"`
	StatusCode        int                    `json:"status_code"`
	ContentType       string                 `json:"content_type,omitempty"`
	Bytes             int                    `json:"bytes"`
	Signature         string                 `json:"signature,omitempty"`
	Change            string                 `json:"change"`
	FetchedAt         time.Time              `json:"fetched_at"`
	NextFetchTime     time.Time              `json:"next_fetch_time"`
	FetchInterval     time.Duration          `json:"fetch_interval"`
	Retries           int                    `json:"retries"`
	Inactive          bool                   `json:"inactive"`
	BecameUnreachable bool                   `json:"became_unreachable"`
}

// Config holds updater settings.
type Config struct {
	// ResultTopic is passed to the publisher; empty disables publishing.
	ResultTopic string
}

// Updater applies fetch outcomes.
type Updater struct {
	cfg       Config
	schedule  schedule.FetchSchedule
	tracker   Tracker
	hasher    crawler.Hasher
	publisher crawler.Publisher
	clock     crawler.Clock
	logger    *zap.Logger
}

// New wires an Updater. The publisher may be nil.
func New(
	cfg Config,
	sched schedule.FetchSchedule,
	tracker Tracker,
	hasher crawler.Hasher,
	publisher crawler.Publisher,
	clock crawler.Clock,
	logger *zap.Logger,
) *Updater {
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Updater{
		cfg:       cfg,
		schedule:  sched,
		tracker:   tracker,
		hasher:    hasher,
		publisher: publisher,
		clock:     clock,
		logger:    logger.Named("update"),
	}
}

// Apply folds fetched into task's page: it classifies the protocol outcome,
// reschedules the page, reports to the tracker and publishes a Result. The
// task's page is replaced with the updated page.
func (u *Updater) Apply(ctx context.Context, task *crawler.FetchTask, fetched crawler.Page) (Result, error) {
	if task == nil {
		return Result{}, fmt.Errorf("apply: nil task")
	}
	prev := task.Page
	if prev == nil {
		prev = crawler.NewPage(task.URL)
	}
	page := fetched
	if page.URL == "" {
		page.URL = task.URL
	}
	now := u.clock.Now()
	prevFetchTime := prev.FetchTime
	prevModifiedTime := prev.ModifiedTime

	result := Result{
		BatchID:    task.JobID,
		ItemID:     task.ItemID,
		Priority:   task.Priority,
		URL:        page.URL,
		Host:       task.Host,
		Protocol:   page.Protocol,
		StatusCode: page.StatusCode,
		Bytes:      len(page.Content),
		FetchedAt:  now,
		Change:     schedule.ChangeUnknown.String(),
	}

	switch page.Protocol.Code {
	case crawler.ProtocolSuccess:
		change, err := u.sign(&page, prev)
		if err != nil {
			return Result{}, err
		}
		modified := prev.ModifiedTime
		if change == schedule.ChangeModified || modified.IsZero() {
			modified = now
		}
		u.schedule.SetFetchSchedule(&page, prevFetchTime, prevModifiedTime, now, modified, change)
		page.Status = crawler.StatusFetched
		u.tracker.TrackSuccess(&page)
		result.Change = change.String()
	case crawler.ProtocolNotModified:
		page.Signature = prev.Signature
		page.PrevSignature = prev.Signature
		u.schedule.SetFetchSchedule(&page, prevFetchTime, prevModifiedTime, now, prev.ModifiedTime, schedule.ChangeNotModified)
		page.Status = crawler.StatusNotModified
		u.tracker.TrackSuccess(&page)
		result.Change = schedule.ChangeNotModified.String()
	case crawler.ProtocolGone:
		u.schedule.SetPageGoneSchedule(&page, prevFetchTime, prevModifiedTime, now)
		page.Status = crawler.StatusGone
		u.tracker.TrackDead(page.URL)
		result.BecameUnreachable = u.tracker.TrackHostFailure(page.URL)
	case crawler.ProtocolTimeout:
		u.schedule.SetPageRetrySchedule(&page, prevFetchTime, prevModifiedTime, now)
		page.Status = crawler.StatusRetry
		u.tracker.TrackTimeout(page.URL)
		result.BecameUnreachable = u.tracker.TrackHostFailure(page.URL)
	default:
		u.schedule.SetPageRetrySchedule(&page, prevFetchTime, prevModifiedTime, now)
		page.Status = crawler.StatusRetry
		u.tracker.TrackFailed(page.URL)
		result.BecameUnreachable = u.tracker.TrackHostFailure(page.URL)
	}
	metrics.ObserveFetchOutcome(outcomeLabel(page.Protocol.Code))

	result.Status = page.Status
	result.ContentType = page.ContentType
	result.Signature = page.Signature
	result.NextFetchTime = page.FetchTime
	result.FetchInterval = page.FetchInterval
	result.Retries = page.FetchRetries
	result.Inactive = page.Inactive
	task.Page = &page

	if u.publisher == nil || u.cfg.ResultTopic == "" {
		return result, nil
	}
	id, err := u.publisher.Publish(ctx, u.cfg.ResultTopic, result)
	if err != nil {
		return result, fmt.Errorf("publish fetch result: %w", err)
	}
	u.logger.Debug("Published fetch result",
		zap.String("message_id", id),
		zap.String("url", result.URL),
		zap.String("status", string(result.Status)),
	)
	return result, nil
}

// sign computes the content signature and compares it with the previous one.
func (u *Updater) sign(page *crawler.Page, prev *crawler.Page) (schedule.ChangeState, error) {
	page.PrevSignature = prev.Signature
	if u.hasher == nil {
		return schedule.ChangeUnknown, nil
	}
	sig, err := u.hasher.Hash(page.Content)
	if err != nil {
		return schedule.ChangeUnknown, fmt.Errorf("hash content: %w", err)
	}
	page.Signature = sig
	switch {
	case prev.Signature == "":
		return schedule.ChangeUnknown, nil
	case prev.Signature == sig:
		return schedule.ChangeNotModified, nil
	default:
		return schedule.ChangeModified, nil
	}
}

func outcomeLabel(code crawler.ProtocolCode) string {
	if code == "" {
		return string(crawler.ProtocolException)
	}
	return string(code)
}
