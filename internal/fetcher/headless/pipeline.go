package headless

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/fetch-scheduler/internal/crawler"
	"github.com/JakeFAU/fetch-scheduler/internal/metrics"
)

// Metadata keys written by the browser fetcher.
const (
	MetaRendered = "rendered"
	MetaFinalURL = "final_url"
)

// Detector decides render promotion and page categories.
type Detector interface {
	ShouldPromote(page crawler.Page) bool
	Categorize(page crawler.Page) crawler.PageCategory
}

// Pipeline fetches with a primary fetcher, re-fetches through a browser when
// the detector flags the page as client rendered, and categorizes the result.
type Pipeline struct {
	primary  crawler.Fetcher
	browser  crawler.Fetcher
	detector Detector
	logger   *zap.Logger
}

// NewPipeline wires a Pipeline. A nil browser disables promotion; a nil
// detector disables promotion and categorization.
func NewPipeline(primary, browser crawler.Fetcher, detector Detector, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{primary: primary, browser: browser, detector: detector, logger: logger.Named("fetch_pipeline")}
}

// Fetch implements crawler.Fetcher.
func (p *Pipeline) Fetch(ctx context.Context, page crawler.Page) (crawler.Page, error) {
	fetched, err := p.primary.Fetch(ctx, page)
	if err != nil || p.detector == nil {
		return fetched, err
	}
	if p.browser != nil && p.detector.ShouldPromote(fetched) {
		rendered, rerr := p.browser.Fetch(ctx, page)
		switch {
		case rerr != nil:
			return fetched, rerr
		case rendered.Protocol.Code == crawler.ProtocolSuccess:
			metrics.ObserveRenderPromotion("rendered")
			fetched = rendered
		default:
			metrics.ObserveRenderPromotion("failed")
			p.logger.Debug("Browser render failed, keeping plain fetch",
				zap.String("url", page.URL),
				zap.String("protocol", string(rendered.Protocol.Code)),
				zap.String("message", rendered.Protocol.Message),
			)
		}
	}
	fetched.Category = p.detector.Categorize(fetched)
	return fetched, nil
}
