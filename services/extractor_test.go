package services

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"kb-rag-service/internal/crawler"
	"kb-rag-service/internal/errs"
	"kb-rag-service/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildDocx(t *testing.T, documentXML string) []byte {
	t.Helper()
	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)

	ct, err := w.Create("[Content_Types].xml")
	require.NoError(t, err)
	_, _ = ct.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">
<Default Extension="xml" ContentType="application/xml"/>
</Types>`))

	doc, err := w.Create("word/document.xml")
	require.NoError(t, err)
	_, _ = doc.Write([]byte(documentXML))

	require.NoError(t, w.Close())
	return buf.Bytes()
}

const sampleDocumentXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p><w:pPr><w:tabs><w:tab w:val="left" w:pos="720"/></w:tabs></w:pPr>
      <w:r><w:t>First </w:t></w:r><w:r><w:t>paragraph</w:t></w:r></w:p>
    <w:p></w:p>
    <w:tbl><w:tr><w:tc><w:p><w:r><w:t>In a table</w:t></w:r></w:p></w:tc></w:tr></w:tbl>
    <w:p><w:r><w:t>Col A</w:t><w:tab/><w:t>Col B</w:t></w:r></w:p>
  </w:body>
</w:document>`

// buildPDF writes a minimal single-font PDF with one page per entry in pages.
// An empty entry produces a page with no content stream text.
func buildPDF(pages ...string) []byte {
	var buf bytes.Buffer
	var offsets []int
	obj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	buf.WriteString("%PDF-1.4\n")
	n := len(pages)
	kids := ""
	for i := 0; i < n; i++ {
		kids += fmt.Sprintf("%d 0 R ", 4+2*i)
	}
	obj("<< /Type /Catalog /Pages 2 0 R >>")
	obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", kids, n))
	obj("<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>")
	for i, text := range pages {
		content := ""
		if text != "" {
			content = fmt.Sprintf("BT /F1 12 Tf 72 712 Td (%s) Tj ET", text)
		}
		obj(fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R >>", 5+2*i))
		obj(fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content))
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(offsets)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes()
}

func TestExtractPlainTextIsLossy(t *testing.T) {
	e := NewExtractor(nil, nil)

	out, err := e.Extract(context.Background(), ExtractInput{
		SourceType: models.SourceText,
		Filename:   "notes.txt",
		Data:       []byte{'o', 'k', 0xff, 0xfe, '!', ' ', 0xe2, 0x82, 0xac},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok! €", out.Text)
	assert.Equal(t, "notes.txt", out.Title)
	assert.Equal(t, models.SourceText, out.SourceType)
}

func TestExtractRawTextField(t *testing.T) {
	out, err := NewExtractor(nil, nil).Extract(context.Background(), ExtractInput{
		SourceType: models.SourceText,
		Text:       "already text",
	})
	require.NoError(t, err)
	assert.Equal(t, "already text", out.Text)
}

func TestExtractUnknownFileFallsBackToText(t *testing.T) {
	out, err := NewExtractor(nil, nil).Extract(context.Background(), ExtractInput{
		SourceType: models.SourceFile,
		Filename:   "data.bin",
		Data:       []byte("plain\x80 bytes"),
	})
	require.NoError(t, err)
	assert.Equal(t, "plain bytes", out.Text)
	assert.Equal(t, models.SourceFile, out.SourceType)
}

func TestExtractDOCX(t *testing.T) {
	out, err := NewExtractor(nil, nil).Extract(context.Background(), ExtractInput{
		SourceType: models.SourceDOCX,
		Filename:   "report.docx",
		Data:       buildDocx(t, sampleDocumentXML),
	})
	require.NoError(t, err)
	assert.Equal(t, "First paragraph\n\nIn a table\nCol A\tCol B", out.Text)
}

func TestExtractCorruptDOCX(t *testing.T) {
	_, err := NewExtractor(nil, nil).Extract(context.Background(), ExtractInput{
		SourceType: models.SourceDOCX,
		Data:       []byte("PK not a zip"),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrContentExtraction)
	assert.Equal(t, errs.StageExtracting, errs.StageOf(err))
}

func TestExtractDOCXWithoutBody(t *testing.T) {
	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	_, _ = w.Create("docProps/core.xml")
	require.NoError(t, w.Close())

	_, err := NewExtractor(nil, nil).Extract(context.Background(), ExtractInput{
		SourceType: models.SourceDOCX,
		Data:       buf.Bytes(),
	})
	assert.ErrorIs(t, err, errs.ErrContentExtraction)
}

func TestExtractPDF(t *testing.T) {
	out, err := NewExtractor(nil, nil).Extract(context.Background(), ExtractInput{
		SourceType: models.SourcePDF,
		Data:       buildPDF("Hello page one", "", "Hello page three"),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, out.Pages)
	assert.Contains(t, out.Text, "Hello page one")
	assert.Contains(t, out.Text, "Hello page three")
}

func TestExtractCorruptPDF(t *testing.T) {
	_, err := NewExtractor(nil, nil).Extract(context.Background(), ExtractInput{
		SourceType: models.SourcePDF,
		Data:       []byte("%PDF-1.4 truncated"),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrContentExtraction)
}

type fakeFetcher struct {
	page *crawler.Page
	err  error
	urls []string
}

func (f *fakeFetcher) Fetch(_ context.Context, rawURL string) (*crawler.Page, error) {
	f.urls = append(f.urls, rawURL)
	return f.page, f.err
}

func TestExtractURLUsesFetchedText(t *testing.T) {
	f := &fakeFetcher{page: &crawler.Page{URL: "https://example.com/", Title: "Example", Text: "Visible text", HTML: true}}
	out, err := NewExtractor(f, nil).Extract(context.Background(), ExtractInput{
		SourceType: models.SourceURL,
		URL:        "https://example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, "Visible text", out.Text)
	assert.Equal(t, "Example", out.Title)
	assert.Equal(t, []string{"https://example.com"}, f.urls)
}

func TestExtractURLDispatchesOnContentType(t *testing.T) {
	f := &fakeFetcher{page: &crawler.Page{
		URL:         "https://example.com/report.docx",
		ContentType: docxMIME,
		Body:        buildDocx(t, sampleDocumentXML),
	}}
	out, err := NewExtractor(f, nil).Extract(context.Background(), ExtractInput{SourceType: models.SourceURL, URL: "https://example.com/report.docx"})
	require.NoError(t, err)
	assert.Contains(t, out.Text, "In a table")
	assert.Equal(t, "https://example.com/report.docx", out.Title)
}

func TestExtractURLFetchFailure(t *testing.T) {
	f := &fakeFetcher{err: errors.New("dial tcp: connection refused")}
	_, err := NewExtractor(f, nil).Extract(context.Background(), ExtractInput{SourceType: models.SourceURL, URL: "https://down.example"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrContentExtraction)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestExtractURLOverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title>Docs</title></head><body><h1>Title</h1><p>Body text</p></body></html>`))
	}))
	defer srv.Close()

	out, err := NewExtractor(crawler.NewFetcher(crawler.FetchConfig{}), nil).Extract(context.Background(), ExtractInput{
		SourceType: models.SourceURL,
		URL:        srv.URL,
	})
	require.NoError(t, err)
	assert.Equal(t, "Title\nBody text", out.Text)
	assert.Equal(t, "Docs", out.Title)
}
