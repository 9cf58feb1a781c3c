package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/fetch-scheduler/internal/crawler"
)

// URLStore keeps the tracker's URL sets and deferred pages in memory. It is
// used when no database is configured and in tests.
type URLStore struct {
	mu    sync.RWMutex
	sets  map[crawler.URLKind][]string
	pages map[int][]string
}

// NewURLStore constructs an empty URLStore.
func NewURLStore() *URLStore {
	return &URLStore{
		sets:  make(map[crawler.URLKind][]string),
		pages: make(map[int][]string),
	}
}

// LoadURLs returns a copy of the persisted set for kind.
func (s *URLStore) LoadURLs(_ context.Context, kind crawler.URLKind) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.sets[kind]...), nil
}

// SaveURLs replaces the persisted set for kind.
func (s *URLStore) SaveURLs(_ context.Context, kind crawler.URLKind, urls []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets[kind] = dedupe(nil, urls)
	return nil
}

// CommitPage appends urls to a page, skipping ones already staged there.
func (s *URLStore) CommitPage(_ context.Context, pageNo int, urls []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[pageNo] = dedupe(s.pages[pageNo], urls)
	return nil
}

// TakePage removes and returns up to n urls from the head of a page.
func (s *URLStore) TakePage(_ context.Context, pageNo int, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	page := s.pages[pageNo]
	if n > len(page) {
		n = len(page)
	}
	out := append([]string(nil), page[:n]...)
	if rest := page[n:]; len(rest) > 0 {
		s.pages[pageNo] = append([]string(nil), rest...)
	} else {
		delete(s.pages, pageNo)
	}
	return out, nil
}

// PageSize reports how many urls are staged on a page.
func (s *URLStore) PageSize(pageNo int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pages[pageNo])
}

func dedupe(existing, add []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(add))
	out := make([]string, 0, len(existing)+len(add))
	for _, list := range [][]string{existing, add} {
		for _, u := range list {
			if u == "" {
				continue
			}
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}
	return out
}
