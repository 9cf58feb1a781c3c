package crawler

import (
	"context"
	"io"
	"time"
)

// Fetcher performs the network fetch for a page and returns the updated page.
// Fetch failures are encoded in the returned page's Protocol status; an error
// is only returned for cancellation or unexpected runtime failures.
type Fetcher interface {
	Fetch(ctx context.Context, page Page) (Page, error)
}

// Monitor receives lifecycle signals from fetch workers.
type Monitor interface {
	IsMissionComplete() bool
	RegisterFetchThread(id int)
	UnregisterFetchThread(id int)
	RegisterIdleThread(id int)
	UnregisterIdleThread(id int)
}

// URLStore persists the tracker's retry candidate sets and deferred URL pages.
type URLStore interface {
	LoadURLs(ctx context.Context, kind URLKind) ([]string, error)
	SaveURLs(ctx context.Context, kind URLKind, urls []string) error
	CommitPage(ctx context.Context, pageNo int, urls []string) error
	TakePage(ctx context.Context, pageNo int, n int) ([]string, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes fetch results to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// ResultQueue delivers externally fetched results in crowdsourced mode.
// TryDequeue never blocks.
type ResultQueue interface {
	TryDequeue() (CrowdResult, bool)
}

// Hasher computes content signatures for change detection.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces batch IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
