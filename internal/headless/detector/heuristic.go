// Package detector inspects fetched pages: it decides when a page needs a
// browser render and assigns the coarse page category the tracker counts.
package detector

import (
	"bytes"
	"mime"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/fetch-scheduler/internal/crawler"
)

const (
	defaultBodyThreshold = 2048
	// scriptCoverage is the share of the body, in percent, that script
	// elements must cover for a short page to count as client rendered.
	scriptCoverage = 25
	// indexMinLinks and indexMaxTextPerLink separate link hubs from articles.
	indexMinLinks       = 20
	indexMaxTextPerLink = 40
)

// spaMountPoints are empty containers client frameworks render into.
var spaMountPoints = []string{"#__next", "#root", "#app", "[data-reactroot]", "[ng-app]"}

// Heuristic implements rule-based render promotion and categorization.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector. Zero threshold uses 2048 bytes.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = defaultBodyThreshold
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

// ShouldPromote reports whether a successful HTML fetch looks client
// rendered and should be fetched again through a browser.
func (h *Heuristic) ShouldPromote(page crawler.Page) bool {
	if page.Protocol.Code != crawler.ProtocolSuccess || page.StatusCode != http.StatusOK {
		return false
	}
	if !isHTML(page) {
		return false
	}
	if len(bytes.TrimSpace(page.Content)) == 0 {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Content))
	if err != nil {
		return false
	}
	if len(page.Content) < h.BodyLengthThreshold && scriptHeavy(doc, len(page.Content)) {
		return true
	}
	for _, sel := range spaMountPoints {
		mount := doc.Find(sel).First()
		if mount.Length() > 0 && strings.TrimSpace(mount.Text()) == "" {
			return true
		}
	}
	return false
}

// Categorize classifies a fetched page. Non-successful fetches keep their
// current category.
func (h *Heuristic) Categorize(page crawler.Page) crawler.PageCategory {
	if page.Protocol.Code != crawler.ProtocolSuccess {
		return page.Category
	}
	media := mediaType(page.ContentType)
	switch {
	case strings.HasPrefix(media, "image/"),
		strings.HasPrefix(media, "video/"),
		strings.HasPrefix(media, "audio/"),
		media == "application/pdf":
		return crawler.CategoryMedia
	case !isHTML(page):
		return crawler.CategoryUnknown
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Content))
	if err != nil {
		return crawler.CategoryUnknown
	}
	body := doc.Find("body")
	body.Find("script, style, noscript").Remove()
	links := body.Find("a[href]").Length()
	text := len(strings.Join(strings.Fields(body.Text()), " "))
	if text == 0 && links == 0 {
		return crawler.CategoryUnknown
	}
	if links >= indexMinLinks && text/links < indexMaxTextPerLink {
		return crawler.CategoryIndex
	}
	return crawler.CategoryDetail
}

func scriptHeavy(doc *goquery.Document, total int) bool {
	if total == 0 {
		return false
	}
	covered := 0
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		if html, err := goquery.OuterHtml(s); err == nil {
			covered += len(html)
		}
	})
	return covered*100/total >= scriptCoverage
}

func isHTML(page crawler.Page) bool {
	media := mediaType(page.ContentType)
	if media == "" {
		return bytes.Contains(bytes.ToLower(firstBytes(page.Content, 512)), []byte("<html"))
	}
	return media == "text/html" || media == "application/xhtml+xml"
}

func mediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	media, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return media
}

func firstBytes(b []byte, n int) []byte {
	if len(b) < n {
		return b
	}
	return b[:n]
}
