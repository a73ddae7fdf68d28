package enrich

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"github.com/saintfish/chardet"
	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"
)

// MaxHTMLSize limits page input to 10MB to prevent memory exhaustion
const MaxHTMLSize = 10 * 1024 * 1024

// ValidateHTML checks HTML size and returns error if too large
func ValidateHTML(htmlStr string) error {
	if len(htmlStr) == 0 {
		return fmt.Errorf("html content required")
	}
	if len(htmlStr) > MaxHTMLSize {
		return fmt.Errorf("html exceeds maximum size of %d bytes", MaxHTMLSize)
	}
	return nil
}

// DetectCharset detects and returns charset from HTML bytes
func DetectCharset(data []byte) string {
	detector := chardet.NewTextDetector()
	result, err := detector.DetectBest(data)
	if err != nil || result == nil {
		return "utf-8"
	}
	return strings.ToLower(result.Charset)
}

// LoadHTML loads HTML with automatic charset detection
func LoadHTML(htmlStr string) (*goquery.Document, error) {
	if err := ValidateHTML(htmlStr); err != nil {
		return nil, err
	}

	data := []byte(htmlStr)
	detectedCharset := DetectCharset(data)

	reader := bytes.NewReader(data)
	utf8Reader, err := charset.NewReader(reader, detectedCharset)
	if err != nil {
		// Fallback to direct parsing
		return goquery.NewDocumentFromReader(strings.NewReader(htmlStr))
	}

	return goquery.NewDocumentFromReader(utf8Reader)
}

// LoadHTMLNode loads HTML into an xpath-compatible node
func LoadHTMLNode(htmlStr string) (*html.Node, error) {
	if err := ValidateHTML(htmlStr); err != nil {
		return nil, err
	}

	data := []byte(htmlStr)
	detectedCharset := DetectCharset(data)

	reader := bytes.NewReader(data)
	utf8Reader, err := charset.NewReader(reader, detectedCharset)
	if err != nil {
		return htmlquery.Parse(strings.NewReader(htmlStr))
	}

	return htmlquery.Parse(utf8Reader)
}

// NormalizeWhitespace collapses runs of whitespace into single spaces
func NormalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Deduplicate removes duplicate strings while preserving order
func Deduplicate(items []string) []string {
	seen := make(map[string]bool, len(items))
	result := make([]string, 0, len(items))

	for _, item := range items {
		if !seen[item] {
			seen[item] = true
			result = append(result, item)
		}
	}
	return result
}
