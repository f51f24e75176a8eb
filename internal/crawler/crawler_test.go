package crawler

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePage = `<!doctype html>
<html><head><title> Sample Page </title><style>body{color:red}</style>
<script>var hidden = "do not index";</script></head>
<body>
  <nav><a href="/">Home</a></nav>
  <h1>Heading</h1>
  <p>First   paragraph
     spans lines.</p>
  <p>Second<br>line</p>
  <noscript>enable js</noscript>
  <ul><li>one</li><li>two</li></ul>
</body></html>`

func TestVisibleText(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(samplePage))
	require.NoError(t, err)

	text := VisibleText(doc.Selection)
	assert.Equal(t, "Home\nHeading\nFirst paragraph spans lines.\nSecond\nline\none\ntwo", text)
	assert.NotContains(t, text, "do not index")
	assert.NotContains(t, text, "color:red")
	assert.NotContains(t, text, "enable js")
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "https://Example.COM", want: "https://example.com/"},
		{in: "example.com/docs#intro", want: "https://example.com/docs"},
		{in: "http://example.com:80/a", want: "http://example.com/a"},
		{in: "https://example.com:8443/a", want: "https://example.com:8443/a"},
		{in: "ftp://example.com/file", wantErr: true},
		{in: "file:///etc/passwd", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := normalizeURL(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFetchHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("User-Agent"), "Mozilla")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(samplePage))
	}))
	defer srv.Close()

	page, err := NewFetcher(FetchConfig{Timeout: 5 * time.Second}).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.True(t, page.HTML)
	assert.Equal(t, http.StatusOK, page.StatusCode)
	assert.Equal(t, "text/html", page.ContentType)
	assert.Equal(t, "Sample Page", page.Title)
	assert.Contains(t, page.Text, "First paragraph spans lines.")
	assert.Nil(t, page.Body)
}

func TestFetchBrotliHTML(t *testing.T) {
	var compressed bytes.Buffer
	bw := brotli.NewWriter(&compressed)
	_, err := bw.Write([]byte(samplePage))
	require.NoError(t, err)
	require.NoError(t, bw.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Content-Encoding", "br")
		_, _ = w.Write(compressed.Bytes())
	}))
	defer srv.Close()

	page, err := NewFetcher(FetchConfig{}).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Contains(t, page.Text, "Heading")
}

func TestFetchLatin1Text(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=iso-8859-1")
		_, _ = w.Write([]byte{'c', 'a', 'f', 0xe9})
	}))
	defer srv.Close()

	page, err := NewFetcher(FetchConfig{}).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.False(t, page.HTML)
	assert.Equal(t, "café", page.Text)
}

func TestFetchBinaryKeepsBody(t *testing.T) {
	body := []byte("%PDF-1.4 not really a pdf")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	page, err := NewFetcher(FetchConfig{}).Fetch(context.Background(), srv.URL+"/file.pdf")
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", page.ContentType)
	assert.Equal(t, body, page.Body)
	assert.Empty(t, page.Text)
}

func TestFetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := NewFetcher(FetchConfig{}).Fetch(context.Background(), srv.URL+"/missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP error (404)")
}

func TestFetchHonoursCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("late"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewFetcher(FetchConfig{}).Fetch(ctx, srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFetchRejectsUnsupportedScheme(t *testing.T) {
	_, err := NewFetcher(FetchConfig{}).Fetch(context.Background(), "ftp://example.com/x")
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
}

// Needs Chrome and network access.
func TestFetchRenderedPage(t *testing.T) {
	if os.Getenv("CRAWLER_RENDER_TEST") == "" {
		t.Skip("CRAWLER_RENDER_TEST not set")
	}
	f := NewFetcher(FetchConfig{
		RenderJS:         true,
		RenderTimeout:    10 * time.Second,
		WaitSelector:     "body",
		NetworkIdleAfter: 300 * time.Millisecond,
	})
	page, err := f.Fetch(context.Background(), "https://example.com/")
	if err != nil {
		t.Skipf("JS-render test skipped due to environment: %v", err)
	}
	assert.NotEmpty(t, page.Text)
}
