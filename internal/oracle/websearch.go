package oracle

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"deepnerd/internal/logging"
	"deepnerd/internal/tree"
)

// WebSearcher answers search calls through the DuckDuckGo HTML interface.
// No API key required; serves as the search path when grounding is disabled.
type WebSearcher struct {
	baseURL    string
	httpClient *http.Client
	maxResults int
}

// webResult is one scraped search hit.
type webResult struct {
	Title   string
	URL     string
	Snippet string
}

func NewWebSearcher() *WebSearcher {
	return &WebSearcher{
		baseURL:    "https://html.duckduckgo.com",
		httpClient: &http.Client{Timeout: 30 * time.Second},
		maxResults: 10,
	}
}

// Search runs the query and folds the hits into one raw-text digest with the
// result URLs as sources.
func (w *WebSearcher) Search(ctx context.Context, question string) (tree.SearchResult, error) {
	results, err := w.query(ctx, question)
	if err != nil {
		return tree.SearchResult{}, err
	}
	if len(results) == 0 {
		return tree.SearchResult{}, fmt.Errorf("no results found for %q", question)
	}

	var sb strings.Builder
	sources := make([]string, 0, len(results))
	for i, r := range results {
		sb.WriteString(fmt.Sprintf("%d. %s\n", i+1, r.Title))
		if r.Snippet != "" {
			sb.WriteString(r.Snippet)
			sb.WriteString("\n")
		}
		sb.WriteString(r.URL)
		sb.WriteString("\n\n")
		sources = append(sources, r.URL)
	}

	logging.OracleDebug("Web search: %d results for %q", len(results), question)
	return tree.SearchResult{RawText: strings.TrimSpace(sb.String()), Sources: sources}, nil
}

func (w *WebSearcher) query(ctx context.Context, query string) ([]webResult, error) {
	searchURL := fmt.Sprintf("%s/html/?q=%s", w.baseURL, url.QueryEscape(query))

	req, err := http.NewRequestWithContext(ctx, "GET", searchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	// Plain clients get served a captcha page; look like a browser.
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return parseSearchResults(string(body), w.maxResults)
}

// parseSearchResults extracts hits from DuckDuckGo result HTML. Result rows
// are divs carrying both the "result" and "results_links" classes.
func parseSearchResults(htmlContent string, maxResults int) ([]webResult, error) {
	doc, err := html.Parse(strings.NewReader(htmlContent))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	var results []webResult
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if len(results) >= maxResults {
			return
		}
		if n.Type == html.ElementNode && n.Data == "div" {
			class := attrValue(n, "class")
			if strings.Contains(class, "result") && strings.Contains(class, "results_links") {
				if r := extractWebResult(n); r.URL != "" && r.Title != "" {
					results = append(results, r)
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return results, nil
}

func extractWebResult(n *html.Node) webResult {
	var r webResult
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			class := attrValue(n, "class")
			if strings.Contains(class, "result__a") {
				r.URL = cleanRedirectURL(attrValue(n, "href"))
				r.Title = textContent(n)
			} else if strings.Contains(class, "result__snippet") {
				r.Snippet = textContent(n)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return r
}

// cleanRedirectURL unwraps DuckDuckGo's uddg redirect links.
func cleanRedirectURL(href string) string {
	const prefix = "//duckduckgo.com/l/?uddg="
	if !strings.HasPrefix(href, prefix) {
		return href
	}
	decoded, err := url.QueryUnescape(strings.TrimPrefix(href, prefix))
	if err != nil {
		return href
	}
	if idx := strings.Index(decoded, "&"); idx > 0 {
		decoded = decoded[:idx]
	}
	return decoded
}

func attrValue(n *html.Node, key string) string {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(strings.TrimSpace(n.Data))
			sb.WriteString(" ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(sb.String())
}
