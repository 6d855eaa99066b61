package enrich

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/devports/rpt/pkg/logging"
)

const maxPageBytes = 1 << 20

// Metadata is what a page tells us about the service behind a tunnel.
type Metadata struct {
	Title      string
	FaviconURL string
}

// Fetcher looks up page titles and favicons through forwarded local ports.
type Fetcher struct {
	client *http.Client
}

func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Fetcher{client: &http.Client{Timeout: timeout}}
}

// LocalURL is the address a forwarded port is reachable at.
func LocalURL(localPort int) string {
	return fmt.Sprintf("http://localhost:%d/", localPort)
}

// Lookup never fails: whatever could not be fetched is left empty, and a
// missing favicon falls back to an icon for the command's language.
func (f *Fetcher) Lookup(ctx context.Context, pageURL, command string) Metadata {
	meta, err := f.fetch(ctx, pageURL)
	if err != nil {
		logging.Debug("enrich", "lookup %s: %v", pageURL, err)
	}
	if meta.FaviconURL == "" {
		meta.FaviconURL = LanguageIcon(command)
	}
	return meta
}

func (f *Fetcher) fetch(ctx context.Context, pageURL string) (Metadata, error) {
	var meta Metadata

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return meta, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return meta, err
	}
	defer resp.Body.Close()

	base := resp.Request.URL
	if strings.Contains(resp.Header.Get("Content-Type"), "html") {
		doc, err := html.Parse(io.LimitReader(resp.Body, maxPageBytes))
		if err != nil {
			return meta, fmt.Errorf("parse html: %w", err)
		}
		var href string
		meta.Title, href = scanDocument(doc)
		if href != "" {
			if ref, err := url.Parse(href); err == nil {
				meta.FaviconURL = base.ResolveReference(ref).String()
			}
		}
	}

	if meta.FaviconURL == "" {
		if icon := base.ResolveReference(&url.URL{Path: "/favicon.ico"}).String(); f.exists(ctx, icon) {
			meta.FaviconURL = icon
		}
	}
	return meta, nil
}

func (f *Fetcher) exists(ctx context.Context, target string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return false
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// scanDocument returns the first <title> text and the best icon href.
// rel="icon" (including "shortcut icon") beats apple-touch-icon.
func scanDocument(doc *html.Node) (title, icon string) {
	var touchIcon string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "title":
				if title == "" && n.FirstChild != nil {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
			case "link":
				rel, href := attr(n, "rel"), attr(n, "href")
				if href != "" {
					for _, token := range strings.Fields(strings.ToLower(rel)) {
						if token == "icon" && icon == "" {
							icon = href
						}
						if token == "apple-touch-icon" && touchIcon == "" {
							touchIcon = href
						}
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	if icon == "" {
		icon = touchIcon
	}
	return title, icon
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
