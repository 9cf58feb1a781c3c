package detector

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fetch-scheduler/internal/crawler"
)

func htmlPage(body string) crawler.Page {
	return crawler.Page{
		URL:         "https://example.com/",
		StatusCode:  http.StatusOK,
		Protocol:    crawler.ProtocolStatus{Code: crawler.ProtocolSuccess},
		ContentType: "text/html; charset=utf-8",
		Content:     []byte(body),
	}
}

func TestHeuristic_ShouldPromote_EmptyBody(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	require.True(t, h.ShouldPromote(htmlPage("  ")))
}

func TestHeuristic_ShouldPromote_SPAMountPoint(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	require.True(t, h.ShouldPromote(htmlPage(`<html><body><div id="__next"></div></body></html>`)))

	filled := `<html><body><div id="root"><p>server rendered text</p></div></body></html>`
	require.False(t, h.ShouldPromote(htmlPage(filled)))
}

func TestHeuristic_ShouldPromote_ScriptDensity(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(1000)
	require.True(t, h.ShouldPromote(htmlPage(`<html><script>var a=1;</script><p>t</p></html>`)))

	long := `<html><script>var a=1;</script><p>` + strings.Repeat("words ", 400) + `</p></html>`
	require.False(t, NewHeuristic(100).ShouldPromote(htmlPage(long)))
}

func TestHeuristic_ShouldPromote_OnlyForHTMLSuccess(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	gone := htmlPage("")
	gone.StatusCode = http.StatusNotFound
	gone.Protocol = crawler.ProtocolStatus{Code: crawler.ProtocolGone}
	require.False(t, h.ShouldPromote(gone))

	image := htmlPage("")
	image.ContentType = "image/png"
	require.False(t, h.ShouldPromote(image))
}

func TestHeuristic_Categorize(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(0)
	var hub strings.Builder
	hub.WriteString("<html><body><ul>")
	for i := 0; i < 30; i++ {
		hub.WriteString(`<li><a href="/p">item</a></li>`)
	}
	hub.WriteString("</ul></body></html>")
	require.Equal(t, crawler.CategoryIndex, h.Categorize(htmlPage(hub.String())))

	article := `<html><body><h1>Title</h1><p>` + strings.Repeat("prose ", 200) + `</p><a href="/">home</a></body></html>`
	require.Equal(t, crawler.CategoryDetail, h.Categorize(htmlPage(article)))

	pdf := htmlPage("%PDF-1.7")
	pdf.ContentType = "application/pdf"
	require.Equal(t, crawler.CategoryMedia, h.Categorize(pdf))

	require.Equal(t, crawler.CategoryUnknown, h.Categorize(htmlPage("<html><body></body></html>")))

	failed := htmlPage(article)
	failed.Protocol = crawler.ProtocolStatus{Code: crawler.ProtocolException}
	failed.Category = crawler.CategoryDetail
	require.Equal(t, crawler.CategoryDetail, h.Categorize(failed))
}
