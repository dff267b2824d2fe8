// Package preview reads the Open Graph tags of a page so chats can show a
// card for links.
package preview

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
)

const (
	userAgent = "Mozilla/5.0 (compatible; WhatsAppRelay/1.0; link preview)"
	maxBody   = 1 << 20
)

// ErrInvalidURL is returned for anything but an absolute http(s) URL.
var ErrInvalidURL = errors.New("url must be an absolute http or https address")

// Preview is what a link card shows.
type Preview struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Image       string `json:"image,omitempty"`
}

type Fetcher struct {
	client *http.Client
}

// NewFetcher returns a Fetcher whose requests give up after timeout.
func NewFetcher(timeout time.Duration) *Fetcher {
	return &Fetcher{client: &http.Client{Timeout: timeout}}
}

// Fetch downloads rawURL and extracts its preview. og: tags win over the
// plain title and description; a relative image is resolved against the
// page address.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Preview, error) {
	page, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (page.Scheme != "http" && page.Scheme != "https") || page.Host == "" {
		return nil, ErrInvalidURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, page.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build preview request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", page.Host, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch %s: status %d", page.Host, resp.StatusCode)
	}

	meta, title := scan(io.LimitReader(resp.Body, maxBody))
	p := &Preview{
		URL:         rawURL,
		Title:       firstOf(meta["og:title"], title),
		Description: firstOf(meta["og:description"], meta["description"]),
		Image:       firstOf(meta["og:image"], meta["twitter:image"]),
	}
	if p.Image != "" {
		if ref, err := url.Parse(p.Image); err == nil {
			p.Image = resp.Request.URL.ResolveReference(ref).String()
		}
	}
	return p, nil
}

// scan collects <meta> tags and the <title> text of the document head.
func scan(r io.Reader) (map[string]string, string) {
	meta := map[string]string{}
	var title string
	inTitle := false

	z := html.NewTokenizer(r)
	for {
		switch z.Next() {
		case html.ErrorToken:
			return meta, title
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			switch tok.Data {
			case "title":
				inTitle = title == ""
			case "meta":
				var key, content string
				for _, a := range tok.Attr {
					switch a.Key {
					case "property", "name":
						key = strings.ToLower(a.Val)
					case "content":
						content = a.Val
					}
				}
				if key != "" && content != "" {
					if _, seen := meta[key]; !seen {
						meta[key] = strings.TrimSpace(content)
					}
				}
			case "body":
				return meta, title
			}
		case html.TextToken:
			if inTitle {
				title = strings.TrimSpace(string(z.Text()))
				inTitle = false
			}
		case html.EndTagToken:
			switch z.Token().Data {
			case "title":
				inTitle = false
			case "head":
				return meta, title
			}
		}
	}
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
