// Package extraction fetches web pages and extracts readable text.
package extraction

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// Result is the extracted content of one fetched page.
type Result struct {
	URL         string
	Title       string
	Text        string
	PublishedAt string
}

var (
	scriptPattern = regexp.MustCompile(`(?is)<(script|style|noscript)[^>]*>.*?</(script|style|noscript)>`)
	tagPattern    = regexp.MustCompile(`<[^>]+>`)
	spacePattern  = regexp.MustCompile(`\s+`)
	titlePattern  = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
)

// Extractor fetches URLs and strips their HTML down to text.
type Extractor struct {
	client *http.Client

	// MaxBodyBytes caps the response body read. Default: 2MB.
	MaxBodyBytes int64
}

// NewExtractor creates an extractor with the given fetch timeout.
func NewExtractor(timeout time.Duration) *Extractor {
	if timeout == 0 {
		timeout = 20 * time.Second
	}
	return &Extractor{
		client:       &http.Client{Timeout: timeout},
		MaxBodyBytes: 2 * 1024 * 1024,
	}
}

// FetchAndExtract downloads the URL and returns its readable text.
// Returns an error when the page cannot be fetched or yields no text.
func (e *Extractor) FetchAndExtract(ctx context.Context, url, title, publishedAt string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building fetch request: %w", err)
	}
	req.Header.Set("User-Agent", "researchd/1.0")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, e.MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", url, err)
	}

	html := string(body)
	text := ExtractText(html)
	if text == "" {
		return nil, fmt.Errorf("no extractable text in %s", url)
	}
	if title == "" {
		title = ExtractTitle(html)
	}

	return &Result{URL: url, Title: title, Text: text, PublishedAt: publishedAt}, nil
}

// ExtractText strips markup from an HTML document and collapses
// whitespace.
func ExtractText(html string) string {
	text := scriptPattern.ReplaceAllString(html, " ")
	text = tagPattern.ReplaceAllString(text, " ")
	text = strings.NewReplacer("&nbsp;", " ", "&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&#39;", "'").Replace(text)
	return strings.TrimSpace(spacePattern.ReplaceAllString(text, " "))
}

// ExtractTitle returns the contents of the document's title tag.
func ExtractTitle(html string) string {
	m := titlePattern.FindStringSubmatch(html)
	if len(m) < 2 {
		return ""
	}
	return strings.TrimSpace(spacePattern.ReplaceAllString(m[1], " "))
}
