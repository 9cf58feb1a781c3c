package headless

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fetch-scheduler/internal/crawler"
	"github.com/JakeFAU/fetch-scheduler/internal/metrics"
)

type scriptedFetcher struct {
	out   crawler.Page
	err   error
	calls int
}

func (s *scriptedFetcher) Fetch(_ context.Context, page crawler.Page) (crawler.Page, error) {
	s.calls++
	out := s.out
	out.URL = page.URL
	return out, s.err
}

type fakeDetector struct {
	promote  bool
	category crawler.PageCategory
}

func (f fakeDetector) ShouldPromote(crawler.Page) bool              { return f.promote }
func (f fakeDetector) Categorize(crawler.Page) crawler.PageCategory { return f.category }

func success(body string) crawler.Page {
	return crawler.Page{
		StatusCode: 200,
		Protocol:   crawler.ProtocolStatus{Code: crawler.ProtocolSuccess},
		Content:    []byte(body),
	}
}

func TestPipelinePromotesToBrowser(t *testing.T) {
	t.Parallel()
	metrics.Init()

	primary := &scriptedFetcher{out: success("<div id=app></div>")}
	browser := &scriptedFetcher{out: success("<div id=app>rendered</div>")}
	p := NewPipeline(primary, browser, fakeDetector{promote: true, category: crawler.CategoryDetail}, nil)

	out, err := p.Fetch(context.Background(), crawler.Page{URL: "https://example.com/"})
	require.NoError(t, err)
	require.Equal(t, "<div id=app>rendered</div>", string(out.Content))
	require.Equal(t, crawler.CategoryDetail, out.Category)
	require.Equal(t, 1, browser.calls)
}

func TestPipelineKeepsPlainFetchWhenRenderFails(t *testing.T) {
	t.Parallel()
	metrics.Init()

	primary := &scriptedFetcher{out: success("plain")}
	browser := &scriptedFetcher{out: crawler.Page{Protocol: crawler.ProtocolStatus{Code: crawler.ProtocolTimeout}}}
	p := NewPipeline(primary, browser, fakeDetector{promote: true, category: crawler.CategoryIndex}, nil)

	out, err := p.Fetch(context.Background(), crawler.Page{URL: "https://example.com/"})
	require.NoError(t, err)
	require.Equal(t, "plain", string(out.Content))
	require.Equal(t, crawler.CategoryIndex, out.Category)
}

func TestPipelineWithoutBrowserOnlyCategorizes(t *testing.T) {
	t.Parallel()

	primary := &scriptedFetcher{out: success("plain")}
	p := NewPipeline(primary, nil, fakeDetector{promote: true, category: crawler.CategoryMedia}, nil)

	out, err := p.Fetch(context.Background(), crawler.Page{URL: "https://example.com/a.png"})
	require.NoError(t, err)
	require.Equal(t, crawler.CategoryMedia, out.Category)
}

func TestPipelinePropagatesPrimaryError(t *testing.T) {
	t.Parallel()

	primary := &scriptedFetcher{err: context.Canceled}
	browser := &scriptedFetcher{}
	p := NewPipeline(primary, browser, fakeDetector{promote: true}, nil)

	_, err := p.Fetch(context.Background(), crawler.Page{URL: "https://example.com/"})
	require.True(t, errors.Is(err, context.Canceled))
	require.Zero(t, browser.calls)
}
