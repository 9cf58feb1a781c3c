// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/fetch-scheduler/internal/crawler"
)

// Metadata keys written onto fetched pages.
const (
	MetaETag         = "etag"
	MetaLastModified = "last_modified"
	MetaRobotsStatus = "robots_status"
	MetaRobotsReason = "robots_reason"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// MaxBodySize caps the stored body in bytes; zero keeps colly's default.
	MaxBodySize int
}

// Fetcher implements crawler.Fetcher using the Colly collector. Outcomes are
// reported in the returned page's Protocol; errors are returned only when
// ctx ends before the fetch does.
type Fetcher struct {
	cfg           Config
	robots        *robotsAwareTransport
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. A nil transport uses a pooled http.Transport.
func New(cfg Config, transport http.RoundTripper) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if transport == nil {
		transport = DefaultTransport()
	}
	robots := newRobotsAwareTransport(transport)

	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	if cfg.MaxBodySize > 0 {
		c.MaxBodySize = cfg.MaxBodySize
	}
	c.WithTransport(robots)
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		cfg:           cfg,
		robots:        robots,
		baseCollector: c,
	}
}

// Fetch performs a conditional GET for page and returns the fetched copy.
func (f *Fetcher) Fetch(ctx context.Context, page crawler.Page) (crawler.Page, error) {
	var (
		result   = page
		visitErr error
		fetchErr error
		answered bool
	)
	result.Metadata = cloneMetadata(page.Metadata)

	collector := f.baseCollector.Clone()
	f.configureCollectorHooks(collector, page, &result, &answered, &fetchErr)

	if err := f.runCollector(ctx, collector, page.URL, &visitErr); err != nil {
		return page, err
	}
	switch {
	case answered:
	case visitErr != nil:
		result.Protocol = classifyError(visitErr)
	case fetchErr != nil:
		result.Protocol = classifyError(fetchErr)
	default:
		result.Protocol = crawler.ProtocolStatus{Code: crawler.ProtocolException, Message: "no response"}
	}
	if reason, ok := f.robots.fallback(page.URL); ok {
		result.Metadata[MetaRobotsStatus] = "indeterminate"
		result.Metadata[MetaRobotsReason] = reason
	}
	return result, nil
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	page crawler.Page,
	result *crawler.Page,
	answered *bool,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		setConditionalHeaders(page, r.Headers)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*answered = true
		fillResponse(result, r)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			*answered = true
			fillResponse(result, r)
			return
		}
		*fetchErr = err
	})
}

// runCollector stores the Visit error in visitErr and only fails when ctx
// ends first.
func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, visitErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		*visitErr = err
		return nil
	}
}

func setConditionalHeaders(page crawler.Page, headers *http.Header) {
	if headers == nil {
		return
	}
	if !page.ModifiedTime.IsZero() {
		headers.Set("If-Modified-Since", page.ModifiedTime.UTC().Format(http.TimeFormat))
	}
	if etag := page.Metadata[MetaETag]; etag != "" {
		headers.Set("If-None-Match", etag)
	}
}

func fillResponse(result *crawler.Page, r *colly.Response) {
	result.StatusCode = r.StatusCode
	result.Protocol = crawler.ClassifyHTTPStatus(r.StatusCode)
	result.Content = append([]byte(nil), r.Body...)
	if r.Headers == nil {
		return
	}
	result.ContentType = r.Headers.Get("Content-Type")
	if etag := r.Headers.Get("ETag"); etag != "" {
		result.Metadata[MetaETag] = etag
	}
	if lm := r.Headers.Get("Last-Modified"); lm != "" {
		result.Metadata[MetaLastModified] = lm
	}
}

func classifyError(err error) crawler.ProtocolStatus {
	if errors.Is(err, colly.ErrRobotsTxtBlocked) {
		return crawler.ProtocolStatus{Code: crawler.ProtocolException, Message: "robots.txt disallowed"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return crawler.ProtocolStatus{Code: crawler.ProtocolTimeout, Message: err.Error()}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return crawler.ProtocolStatus{Code: crawler.ProtocolTimeout, Message: err.Error()}
	}
	if strings.Contains(err.Error(), "Client.Timeout exceeded") {
		return crawler.ProtocolStatus{Code: crawler.ProtocolTimeout, Message: err.Error()}
	}
	return crawler.ProtocolStatus{Code: crawler.ProtocolException, Message: err.Error()}
}

func cloneMetadata(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+2)
	for k, v := range in {
		out[k] = v
	}
	return out
}

// DefaultTransport returns the pooled transport used when New gets nil.
func DefaultTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
