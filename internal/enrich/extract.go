package enrich

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"github.com/go-resty/resty/v2"
	"github.com/microcosm-cc/bluemonday"

	"github.com/tracelab/surveytrace/internal/nav"
)

// Result is what the page-scraping collaborator returns. Ready=false
// means the page content has not settled yet.
type Result struct {
	Ready   bool
	Summary string
	Answer  string
	Items   []string
}

// Extractor extracts search-result content from a page. The default
// implementation fetches over HTTP; tests substitute fakes.
type Extractor interface {
	Extract(ctx context.Context, url string) (Result, error)
}

// SERPExtractor fetches a search results page and pulls the AI-answer
// block, featured snippet, and organic result URLs.
type SERPExtractor struct {
	client    *resty.Client
	sanitizer *bluemonday.Policy
}

// NewSERPExtractor creates the default HTTP-backed extractor.
func NewSERPExtractor(timeout time.Duration) *SERPExtractor {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) surveytrace/1.0")

	return &SERPExtractor{
		client:    client,
		sanitizer: bluemonday.StrictPolicy(),
	}
}

// Extract fetches url and scrapes it. A page without a recognizable
// results container reports Ready=false rather than an error, so the
// caller's retry loop can give it time to settle.
func (x *SERPExtractor) Extract(ctx context.Context, url string) (Result, error) {
	resp, err := x.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return Result{}, fmt.Errorf("failed to fetch page: %w", err)
	}
	if resp.StatusCode() >= 400 {
		return Result{}, fmt.Errorf("page fetch returned status %d", resp.StatusCode())
	}
	return x.Parse(string(resp.Body()))
}

// Parse scrapes an already-fetched HTML document.
func (x *SERPExtractor) Parse(htmlStr string) (Result, error) {
	doc, err := LoadHTML(htmlStr)
	if err != nil {
		return Result{}, err
	}

	results := doc.Find("#search")
	if results.Length() == 0 {
		return Result{Ready: false}, nil
	}

	res := Result{Ready: true}
	res.Summary = x.clean(firstText(doc, "#search .hgKElc", "#search .LGOjhe"))
	res.Answer = x.answerText(htmlStr)

	results.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		if !ok || !strings.HasPrefix(href, "http") {
			return
		}
		// Organic results carry an h3 title; nav chrome does not.
		if a.Find("h3").Length() == 0 {
			return
		}
		if strings.Contains(nav.Host(href), "google.") {
			return
		}
		res.Items = append(res.Items, href)
	})
	res.Items = Deduplicate(res.Items)

	return res, nil
}

// answerText pulls the AI-answer block via xpath; the block has no
// stable class, only data-attrid markers.
func (x *SERPExtractor) answerText(htmlStr string) string {
	node, err := LoadHTMLNode(htmlStr)
	if err != nil {
		return ""
	}
	for _, expr := range []string{
		`//*[@id="search"]//div[@data-attrid="wa:/description"]`,
		`//div[@data-attrid="AIOverview"]`,
	} {
		if n := htmlquery.FindOne(node, expr); n != nil {
			return x.clean(htmlquery.InnerText(n))
		}
	}
	return ""
}

// clean sanitizes and normalizes extracted text so no markup or layout
// whitespace reaches the durable log.
func (x *SERPExtractor) clean(s string) string {
	return NormalizeWhitespace(x.sanitizer.Sanitize(s))
}

// firstText returns the text of the first selector that matches.
func firstText(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		if s := doc.Find(sel).First(); s.Length() > 0 {
			return s.Text()
		}
	}
	return ""
}
