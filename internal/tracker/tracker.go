// Package tracker keeps per-host fetch statistics, the unreachable-host
// quarantine, and the timeout/failed/dead URL sets used for deferred retry.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fetch-scheduler/internal/clock/system"
	"github.com/JakeFAU/fetch-scheduler/internal/crawler"
	"github.com/JakeFAU/fetch-scheduler/internal/metrics"
	"github.com/JakeFAU/fetch-scheduler/internal/progress"
)

const (
	// DefaultFailureThreshold is the failure count a host must exceed to be
	// quarantined.
	DefaultFailureThreshold = 3
	// DefaultMaxURLLength flags URLs longer than this as oversized.
	DefaultMaxURLLength = 1024
	// DeferredPageBase offsets deferred page numbers; a mode stages under
	// DeferredPageBase + int(mode).
	DeferredPageBase = 100
)

// ErrNoStore is returned by deferred staging when no URLStore is configured.
var ErrNoStore = errors.New("tracker has no url store")

var trackedKinds = []crawler.URLKind{crawler.URLKindTimeout, crawler.URLKindFailed, crawler.URLKindDead}

// Config tunes the tracker.
type Config struct {
	FailureThreshold int
	MaxURLLength     int
	// ReportPrefix is the blob path prefix for the report written on Close.
	ReportPrefix string
	// DeferredMode is the mode the timeout and failed sets are staged under
	// on Close, so the next run picks them up with TakeDeferred.
	DeferredMode crawler.FetchMode
}

// FetchStatus aggregates successful fetches for one host.
type FetchStatus struct {
	Host       string                       `json:"host"`
	Total      int                          `json:"total"`
	Categories map[crawler.PageCategory]int `json:"categories"`
	TooLong    int                          `json:"too_long"`
	FromSeed   int                          `json:"from_seed"`
}

func (s *FetchStatus) clone() FetchStatus {
	out := *s
	out.Categories = make(map[crawler.PageCategory]int, len(s.Categories))
	for k, v := range s.Categories {
		out.Categories[k] = v
	}
	return out
}

// Tracker is shared by every worker and batch in the process. A single mutex
// guards all state.
type Tracker struct {
	cfg     Config
	store   crawler.URLStore
	blobs   crawler.BlobStore
	emitter progress.Emitter
	clock   crawler.Clock
	logger  *zap.Logger

	mu          sync.Mutex
	stats       map[string]*FetchStatus
	failures    map[string]int
	unreachable map[string]struct{}
	urls        map[crawler.URLKind]map[string]struct{}

	reportOnce sync.Once
	closeOnce  sync.Once
	closeErr   error
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithURLStore persists URL sets and deferred pages.
func WithURLStore(store crawler.URLStore) Option {
	return func(t *Tracker) { t.store = store }
}

// WithBlobStore receives the report written on Close.
func WithBlobStore(blobs crawler.BlobStore) Option {
	return func(t *Tracker) { t.blobs = blobs }
}

// WithEmitter publishes host quarantine transitions.
func WithEmitter(emitter progress.Emitter) Option {
	return func(t *Tracker) { t.emitter = emitter }
}

// WithClock overrides the time source.
func WithClock(clock crawler.Clock) Option {
	return func(t *Tracker) { t.clock = clock }
}

// New builds a tracker and unions the persisted timeout/failed/dead sets into
// memory.
func New(ctx context.Context, cfg Config, logger *zap.Logger, opts ...Option) (*Tracker, error) {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.MaxURLLength <= 0 {
		cfg.MaxURLLength = DefaultMaxURLLength
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		cfg:         cfg,
		clock:       system.New(),
		logger:      logger.Named("tracker"),
		stats:       make(map[string]*FetchStatus),
		failures:    make(map[string]int),
		unreachable: make(map[string]struct{}),
		urls:        make(map[crawler.URLKind]map[string]struct{}, len(trackedKinds)),
	}
	for _, kind := range trackedKinds {
		t.urls[kind] = make(map[string]struct{})
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.store == nil {
		return t, nil
	}
	for _, kind := range trackedKinds {
		loaded, err := t.store.LoadURLs(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("load %s urls: %w", kind, err)
		}
		for _, u := range loaded {
			t.urls[kind][u] = struct{}{}
		}
		t.logger.Debug("Loaded persisted urls", zap.String("kind", string(kind)), zap.Int("count", len(loaded)))
	}
	return t, nil
}

// IsReachable reports whether host is not quarantined.
func (t *Tracker) IsReachable(host string) bool {
	return !t.IsGone(host)
}

// IsGone reports whether host is quarantined.
func (t *Tracker) IsGone(host string) bool {
	host = hostKey(host)
	t.mu.Lock()
	defer t.mu.Unlock()
	_, gone := t.unreachable[host]
	return gone
}

// TrackHostFailure counts a failure against the host of rawURL. It returns
// true only when this failure moved the host into quarantine. Malformed URLs
// are logged and ignored.
func (t *Tracker) TrackHostFailure(rawURL string) bool {
	host, err := crawler.HostOf(rawURL)
	if err != nil {
		t.logger.Warn("Ignored host failure for malformed url", zap.String("url", rawURL), zap.Error(err))
		return false
	}
	metrics.ObserveHostFailure()

	t.mu.Lock()
	t.failures[host]++
	count := t.failures[host]
	_, already := t.unreachable[host]
	became := count > t.cfg.FailureThreshold && !already
	if became {
		t.unreachable[host] = struct{}{}
	}
	size := len(t.unreachable)
	t.mu.Unlock()

	if became {
		metrics.SetUnreachableHosts(size)
		t.logger.Warn("Host marked unreachable", zap.String("host", host), zap.Int("failures", count))
		t.emit(progress.Event{
			Stage: progress.StageHostUnreachable,
			Site:  host,
			URL:   rawURL,
			Note:  fmt.Sprintf("%d consecutive failures", count),
		})
	}
	return became
}

// TrackSuccess records a successful fetch of page. The host's failure count is
// reset and any quarantine is lifted. The URL leaves the timeout and failed
// sets.
func (t *Tracker) TrackSuccess(page *crawler.Page) {
	if page == nil {
		return
	}
	host, err := crawler.HostOf(page.URL)
	if err != nil {
		t.logger.Warn("Ignored success for malformed url", zap.String("url", page.URL), zap.Error(err))
		return
	}
	category := page.Category
	if category == "" {
		category = crawler.CategoryUnknown
	}

	t.mu.Lock()
	status, ok := t.stats[host]
	if !ok {
		status = &FetchStatus{Host: host, Categories: make(map[crawler.PageCategory]int)}
		t.stats[host] = status
	}
	status.Total++
	status.Categories[category]++
	if page.Depth == 1 {
		status.FromSeed++
	}
	if len(page.URL) > t.cfg.MaxURLLength {
		status.TooLong++
	}
	delete(t.failures, host)
	_, recovered := t.unreachable[host]
	delete(t.unreachable, host)
	delete(t.urls[crawler.URLKindTimeout], page.URL)
	delete(t.urls[crawler.URLKindFailed], page.URL)
	size := len(t.unreachable)
	t.mu.Unlock()

	if recovered {
		metrics.SetUnreachableHosts(size)
		t.logger.Info("Host recovered", zap.String("host", host))
		t.emit(progress.Event{Stage: progress.StageHostRecovered, Site: host, URL: page.URL})
	}
}

// CountHostTasks returns the host's failure count plus its successful fetches.
func (t *Tracker) CountHostTasks(host string) int {
	host = hostKey(host)
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.failures[host]
	if status, ok := t.stats[host]; ok {
		n += status.Total
	}
	return n
}

// FailureCount returns the host's current consecutive failure count.
func (t *Tracker) FailureCount(host string) int {
	host = hostKey(host)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failures[host]
}

// FetchStatus returns a copy of the host's statistics.
func (t *Tracker) FetchStatus(host string) (FetchStatus, bool) {
	host = hostKey(host)
	t.mu.Lock()
	defer t.mu.Unlock()
	status, ok := t.stats[host]
	if !ok {
		return FetchStatus{}, false
	}
	return status.clone(), true
}

// hostKey matches the lower-cased form HostOf stores hosts under.
func hostKey(host string) string {
	return strings.ToLower(strings.TrimSpace(host))
}

// TrackTimeout adds rawURL to the timeout set.
func (t *Tracker) TrackTimeout(rawURL string) { t.add(crawler.URLKindTimeout, rawURL) }

// TrackFailed adds rawURL to the failed set.
func (t *Tracker) TrackFailed(rawURL string) { t.add(crawler.URLKindFailed, rawURL) }

// TrackDead adds rawURL to the dead set.
func (t *Tracker) TrackDead(rawURL string) { t.add(crawler.URLKindDead, rawURL) }

// IsTimeout reports whether rawURL is in the timeout set.
func (t *Tracker) IsTimeout(rawURL string) bool { return t.has(crawler.URLKindTimeout, rawURL) }

// IsFailed reports whether rawURL is in the failed set.
func (t *Tracker) IsFailed(rawURL string) bool { return t.has(crawler.URLKindFailed, rawURL) }

// IsDead reports whether rawURL is in the dead set.
func (t *Tracker) IsDead(rawURL string) bool { return t.has(crawler.URLKindDead, rawURL) }

// URLs returns the sorted members of one URL set.
func (t *Tracker) URLs(kind crawler.URLKind) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sortedKeys(t.urls[kind])
}

func (t *Tracker) add(kind crawler.URLKind, rawURL string) {
	if rawURL == "" {
		return
	}
	t.mu.Lock()
	t.urls[kind][rawURL] = struct{}{}
	t.mu.Unlock()
}

func (t *Tracker) has(kind crawler.URLKind, rawURL string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.urls[kind][rawURL]
	return ok
}

// DeferredPage returns the staging page number for mode.
func DeferredPage(mode crawler.FetchMode) int {
	return DeferredPageBase + int(mode)
}

// CommitDeferred stages urls for a later fetch under mode.
func (t *Tracker) CommitDeferred(ctx context.Context, mode crawler.FetchMode, urls []string) error {
	if t.store == nil {
		return ErrNoStore
	}
	if len(urls) == 0 {
		return nil
	}
	if err := t.store.CommitPage(ctx, DeferredPage(mode), urls); err != nil {
		return fmt.Errorf("commit deferred %s urls: %w", mode, err)
	}
	t.logger.Debug("Committed deferred urls", zap.Stringer("mode", mode), zap.Int("count", len(urls)))
	return nil
}

// TakeDeferred removes and returns up to n urls staged under mode.
func (t *Tracker) TakeDeferred(ctx context.Context, mode crawler.FetchMode, n int) ([]string, error) {
	if t.store == nil {
		return nil, ErrNoStore
	}
	if n <= 0 {
		return nil, nil
	}
	urls, err := t.store.TakePage(ctx, DeferredPage(mode), n)
	if err != nil {
		return nil, fmt.Errorf("take deferred %s urls: %w", mode, err)
	}
	return urls, nil
}

func (t *Tracker) emit(evt progress.Event) {
	if t.emitter == nil {
		return
	}
	if evt.TS.IsZero() {
		evt.TS = t.clock.Now()
	}
	t.emitter.Emit(evt)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Close flushes the URL sets to the store, stages the timeout and failed URLs
// as deferred pages, emits the final report and writes a JSON snapshot to the
// blob store. Later calls return the first result.
func (t *Tracker) Close(ctx context.Context) error {
	t.closeOnce.Do(func() {
		var errs []error
		if t.store != nil {
			for _, kind := range trackedKinds {
				urls := t.URLs(kind)
				if err := t.store.SaveURLs(ctx, kind, urls); err != nil {
					errs = append(errs, fmt.Errorf("save %s urls: %w", kind, err))
				}
			}
			retry := append(t.URLs(crawler.URLKindTimeout), t.URLs(crawler.URLKindFailed)...)
			if err := t.CommitDeferred(ctx, t.cfg.DeferredMode, retry); err != nil {
				errs = append(errs, err)
			}
		}
		t.Report()
		if t.blobs != nil {
			if uri, err := t.writeSnapshot(ctx); err != nil {
				errs = append(errs, err)
			} else {
				t.logger.Info("Wrote tracker report", zap.String("uri", uri))
			}
		}
		t.closeErr = errors.Join(errs...)
	})
	return t.closeErr
}

func (t *Tracker) now() time.Time {
	return t.clock.Now()
}
