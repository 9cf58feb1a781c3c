package crawler

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// ErrMalformedURL is returned when a URL has no extractable host.
var ErrMalformedURL = errors.New("malformed url")

// CrawlStatus is the lifecycle state of a page in the crawl.
type CrawlStatus string

// Crawl status values carried on Page.
const (
	StatusUnfetched   CrawlStatus = "unfetched"
	StatusFetched     CrawlStatus = "fetched"
	StatusGone        CrawlStatus = "gone"
	StatusRetry       CrawlStatus = "retry"
	StatusNotModified CrawlStatus = "notmodified"
)

// ProtocolCode classifies the outcome reported by a Fetcher.
type ProtocolCode string

// Protocol outcomes. Fetchers encode failures here instead of returning errors.
const (
	ProtocolSuccess     ProtocolCode = "success"
	ProtocolNotModified ProtocolCode = "notmodified"
	ProtocolGone        ProtocolCode = "gone"
	ProtocolTimeout     ProtocolCode = "timeout"
	ProtocolException   ProtocolCode = "exception"
)

// ProtocolStatus is the fetch outcome plus optional detail.
type ProtocolStatus struct {
	Code    ProtocolCode `json:"code"`
	Message string       `json:"message,omitempty"`
}

// PageCategory is a coarse classification of a page.
type PageCategory string

// Page categories tracked per host.
const (
	CategoryIndex   PageCategory = "index"
	CategoryDetail  PageCategory = "detail"
	CategoryMedia   PageCategory = "media"
	CategoryUnknown PageCategory = "unknown"
)

// FetchMode selects how a URL is fetched.
type FetchMode int

// Fetch modes. The numeric value partitions deferred URL pages.
const (
	FetchModeNative FetchMode = iota
	FetchModeCrowdsourced
	FetchModeBrowser
)

func (m FetchMode) String() string {
	switch m {
	case FetchModeNative:
		return "native"
	case FetchModeCrowdsourced:
		return "crowdsourced"
	case FetchModeBrowser:
		return "browser"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// URLKind partitions the tracker's retry candidate sets.
type URLKind string

// Tracked URL kinds.
const (
	URLKindTimeout URLKind = "timeout"
	URLKindFailed  URLKind = "failed"
	URLKindDead    URLKind = "dead"
)

// Page is the schedule-carrying record for a URL. The page entity itself is
// owned by persistence; the scheduling core only reads and computes fields.
type Page struct {
	URL              string            `json:"url"`
	Depth            int               `json:"depth"`
	Seed             bool              `json:"seed"`
	Category         PageCategory      `json:"category"`
	Status           CrawlStatus       `json:"status"`
	Protocol         ProtocolStatus    `json:"protocol"`
	StatusCode       int               `json:"status_code"`
	Content          []byte            `json:"-"`
	ContentType      string            `json:"content_type,omitempty"`
	Signature        string            `json:"signature,omitempty"`
	PrevSignature    string            `json:"prev_signature,omitempty"`
	FetchTime        time.Time         `json:"fetch_time"`
	PrevFetchTime    time.Time         `json:"prev_fetch_time"`
	FetchInterval    time.Duration     `json:"fetch_interval"`
	FetchRetries     int               `json:"fetch_retries"`
	ModifiedTime     time.Time         `json:"modified_time"`
	PrevModifiedTime time.Time         `json:"prev_modified_time"`
	PublishTime      time.Time         `json:"publish_time"`
	Inactive         bool              `json:"inactive"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// NewPage returns an unfetched page for url.
func NewPage(url string) *Page {
	return &Page{
		URL:      url,
		Status:   StatusUnfetched,
		Category: CategoryUnknown,
	}
}

// QueueID identifies a per-host politeness queue.
type QueueID struct {
	Priority int    `json:"priority"`
	Protocol string `json:"protocol"`
	Host     string `json:"host"`
}

// String renders the id as "priority|protocol://host".
func (q QueueID) String() string {
	return fmt.Sprintf("%d|%s", q.Priority, q.URL())
}

// URL returns the queue url, protocol://host.
func (q QueueID) URL() string {
	return q.Protocol + "://" + q.Host
}

// Valid reports whether the id carries a host and protocol.
func (q QueueID) Valid() bool {
	return q.Host != "" && q.Protocol != ""
}

// ParseQueueURL builds a QueueID from a queue url such as https://example.com.
func ParseQueueURL(priority int, rawURL string) (QueueID, error) {
	u, err := parseHostURL(rawURL)
	if err != nil {
		return QueueID{}, err
	}
	return QueueID{
		Priority: priority,
		Protocol: strings.ToLower(u.Scheme),
		Host:     strings.ToLower(u.Hostname()),
	}, nil
}

// TaskKey is the correlation key of a dispatched task.
type TaskKey struct {
	BatchID string  `json:"batch_id"`
	QueueID QueueID `json:"queue_id"`
	ItemID  int64   `json:"item_id"`
	URL     string  `json:"url"`
}

// FetchTask is a unit of work handed to a fetch worker.
type FetchTask struct {
	JobID        string
	Priority     int
	Protocol     string
	Host         string
	ItemID       int64
	URL          string
	Page         *Page
	PendingStart time.Time
}

// QueueID returns the politeness queue this task belongs to.
func (t *FetchTask) QueueID() QueueID {
	return QueueID{Priority: t.Priority, Protocol: t.Protocol, Host: t.Host}
}

// Key returns the task's correlation key.
func (t *FetchTask) Key() TaskKey {
	return TaskKey{BatchID: t.JobID, QueueID: t.QueueID(), ItemID: t.ItemID, URL: t.URL}
}

// ItemSequence hands out item ids unique for the lifetime of the sequence.
type ItemSequence struct {
	next atomic.Int64
}

// NewItemSequence returns a sequence whose first id is 1.
func NewItemSequence() *ItemSequence {
	return &ItemSequence{}
}

// Next returns the next id.
func (s *ItemSequence) Next() int64 {
	return s.next.Add(1)
}

// NewFetchTask builds a task for rawURL, assigning an id from seq. A nil page
// is replaced with a fresh unfetched page.
func NewFetchTask(seq *ItemSequence, jobID string, priority int, rawURL string, page *Page) (*FetchTask, error) {
	if seq == nil {
		return nil, errors.New("item sequence is required")
	}
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	u, err := parseHostURL(normalized)
	if err != nil {
		return nil, err
	}
	if page == nil {
		page = NewPage(normalized)
	}
	return &FetchTask{
		JobID:    jobID,
		Priority: priority,
		Protocol: strings.ToLower(u.Scheme),
		Host:     strings.ToLower(u.Hostname()),
		ItemID:   seq.Next(),
		URL:      normalized,
		Page:     page,
	}, nil
}

// CrowdResult is a fetch result produced outside this process and reported
// back for correlation with a pending task.
type CrowdResult struct {
	QueueID QueueID `json:"queue_id"`
	ItemID  int64   `json:"item_id"`
	Page    *Page   `json:"page"`
}
