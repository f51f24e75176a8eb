package crawler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/brotli"
	colly "github.com/gocolly/colly/v2"
	"golang.org/x/net/html/charset"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

var ErrUnsupportedScheme = errors.New("only http and https URLs can be fetched")

// FetchConfig holds configuration for single page fetches
type FetchConfig struct {
	Timeout     time.Duration
	UserAgent   string
	MaxBodySize int
	// Optional JS rendering through headless Chrome
	RenderJS         bool
	RenderTimeout    time.Duration
	WaitSelector     string
	NetworkIdleAfter time.Duration
}

// Page is the fetched and decoded resource
type Page struct {
	URL         string
	StatusCode  int
	ContentType string
	Title       string
	// Text is the visible text for HTML and plain text responses
	Text string
	// Body holds the raw bytes of any other content type (pdf, docx, ...)
	Body []byte
	HTML bool
}

// Fetcher retrieves one URL per call. Safe for concurrent use.
type Fetcher struct {
	cfg       FetchConfig
	transport http.RoundTripper
}

func NewFetcher(cfg FetchConfig) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 50 << 20
	}
	return &Fetcher{
		cfg: cfg,
		transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// normalizeURL normalizes a URL to a canonical form
func normalizeURL(rawURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" {
		// "example.com/page" parses as a path
		parsed, err = url.Parse("https://" + strings.TrimSpace(rawURL))
		if err != nil {
			return "", err
		}
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", ErrUnsupportedScheme
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("missing host in %q", rawURL)
	}

	parsed.Fragment = ""
	parsed.Host = strings.ToLower(parsed.Host)
	if parsed.Path == "" {
		parsed.Path = "/"
	}

	// Remove default ports
	if (parsed.Port() == "80" && parsed.Scheme == "http") || (parsed.Port() == "443" && parsed.Scheme == "https") {
		parsed.Host = parsed.Hostname()
	}

	return parsed.String(), nil
}

// Fetch downloads rawURL and returns its decoded content
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	target, err := normalizeURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	if f.cfg.RenderJS {
		return f.fetchRendered(ctx, target)
	}

	c := colly.NewCollector(
		colly.MaxDepth(1),
		colly.MaxBodySize(f.cfg.MaxBodySize),
	)
	c.WithTransport(&contextTransport{ctx: ctx, base: f.transport})
	c.SetRequestTimeout(f.cfg.Timeout)
	c.UserAgent = f.cfg.UserAgent

	var (
		page     *Page
		fetchErr error
	)

	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "en-US,en;q=0.9")
		r.Headers.Set("Accept-Encoding", "gzip, br")
	})

	c.OnResponse(func(r *colly.Response) {
		p, err := decodeResponse(r.Request.URL.String(), r.StatusCode, r.Headers, r.Body)
		if err != nil {
			fetchErr = err
			return
		}
		page = p
	})

	c.OnError(func(r *colly.Response, err error) {
		switch {
		case r != nil && r.StatusCode == http.StatusForbidden:
			fetchErr = fmt.Errorf("access forbidden (403) for %s: %w", target, err)
		case r != nil && r.StatusCode == http.StatusTooManyRequests:
			fetchErr = fmt.Errorf("rate limited (429) by %s: %w", target, err)
		case r != nil && r.StatusCode != 0:
			fetchErr = fmt.Errorf("HTTP error (%d) for %s: %w", r.StatusCode, target, err)
		default:
			fetchErr = fmt.Errorf("fetching %s: %w", target, err)
		}
	})

	visitErr := c.Visit(target)
	if fetchErr != nil {
		return nil, fetchErr
	}
	if visitErr != nil {
		return nil, fmt.Errorf("fetching %s: %w", target, visitErr)
	}
	if page == nil {
		return nil, fmt.Errorf("no response received for %s", target)
	}
	return page, nil
}

func (f *Fetcher) fetchRendered(ctx context.Context, target string) (*Page, error) {
	renderTimeout := f.cfg.RenderTimeout
	if renderTimeout <= 0 {
		renderTimeout = 45 * time.Second
	}
	networkIdle := f.cfg.NetworkIdleAfter
	if networkIdle <= 0 {
		networkIdle = 1200 * time.Millisecond
	}

	html, err := renderPageHTML(ctx, target, renderTimeout, f.cfg.WaitSelector, networkIdle)
	if err != nil {
		return nil, fmt.Errorf("rendering %s: %w", target, err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parsing rendered HTML: %w", err)
	}
	return &Page{
		URL:         target,
		StatusCode:  http.StatusOK,
		ContentType: "text/html",
		Title:       strings.TrimSpace(doc.Find("title").First().Text()),
		Text:        VisibleText(doc.Selection),
		HTML:        true,
	}, nil
}

// decodeResponse undoes brotli, normalizes the charset to UTF-8 and, for
// HTML, reduces the document to its visible text.
func decodeResponse(pageURL string, status int, headers *http.Header, body []byte) (*Page, error) {
	var contentType, contentEncoding string
	if headers != nil {
		contentType = headers.Get("Content-Type")
		contentEncoding = headers.Get("Content-Encoding")
	}

	// Go's transport only decodes gzip when it negotiated it itself; brotli is never handled
	if strings.Contains(strings.ToLower(contentEncoding), "br") {
		decompressed, err := io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
		if err != nil {
			return nil, fmt.Errorf("decoding brotli body: %w", err)
		}
		body = decompressed
	}

	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = ""
	}
	if mediaType == "" {
		mediaType = http.DetectContentType(body)
		if i := strings.IndexByte(mediaType, ';'); i >= 0 {
			mediaType = mediaType[:i]
		}
	}

	page := &Page{URL: pageURL, StatusCode: status, ContentType: mediaType}

	switch {
	case mediaType == "text/html" || mediaType == "application/xhtml+xml":
		utf8Reader, err := charset.NewReader(bytes.NewReader(body), contentType)
		if err != nil {
			// If charset detection fails, proceed with original body (may already be UTF-8)
			utf8Reader = bytes.NewReader(body)
		}
		doc, err := goquery.NewDocumentFromReader(utf8Reader)
		if err != nil {
			return nil, fmt.Errorf("parsing HTML: %w", err)
		}
		page.HTML = true
		page.Title = strings.TrimSpace(doc.Find("title").First().Text())
		page.Text = VisibleText(doc.Selection)

	case strings.HasPrefix(mediaType, "text/"):
		utf8Reader, err := charset.NewReader(bytes.NewReader(body), contentType)
		if err == nil {
			if decoded, readErr := io.ReadAll(utf8Reader); readErr == nil {
				body = decoded
			}
		}
		page.Text = strings.ToValidUTF8(string(body), "")

	default:
		page.Body = body
	}

	return page, nil
}

// contextTransport ties every request colly makes to the caller's context
type contextTransport struct {
	ctx  context.Context
	base http.RoundTripper
}

func (t *contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.base.RoundTrip(req.WithContext(t.ctx))
}
