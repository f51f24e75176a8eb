package services

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"kb-rag-service/internal/crawler"
	"kb-rag-service/internal/errs"
	"kb-rag-service/models"

	"github.com/ledongthuc/pdf"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const docxMIME = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

var extractTracer = otel.Tracer("kb-rag-service/extractor")

// PageFetcher retrieves a URL. Implemented by *crawler.Fetcher.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*crawler.Page, error)
}

// ExtractInput is one raw source. For SourceURL only URL is read; for
// SourceText either Text or Data may be set.
type ExtractInput struct {
	SourceType models.SourceType
	Filename   string
	Data       []byte
	Text       string
	URL        string
}

// Extraction is the plain text of a source plus what was learned about it
type Extraction struct {
	Text       string
	Title      string
	SourceType models.SourceType
	Pages      int
	Duration   time.Duration
}

// Extractor converts raw inputs into plain Unicode text
type Extractor struct {
	fetcher PageFetcher
	logger  *slog.Logger
}

func NewExtractor(fetcher PageFetcher, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{fetcher: fetcher, logger: logger.With("component", "extractor")}
}

// Extract returns the text of in. Every failure is a content_extraction error.
func (e *Extractor) Extract(ctx context.Context, in ExtractInput) (*Extraction, error) {
	start := time.Now()
	ctx, span := extractTracer.Start(ctx, "extractor.extract")
	defer span.End()
	span.SetAttributes(attribute.String("source.type", string(in.SourceType)))

	var (
		out *Extraction
		err error
	)
	switch in.SourceType {
	case models.SourceURL:
		out, err = e.extractURL(ctx, in.URL)
	case models.SourceText:
		text := in.Text
		if text == "" && in.Data != nil {
			text = decodeLossy(in.Data)
		}
		out = &Extraction{Text: text}
	case models.SourcePDF:
		var pages int
		var text string
		text, pages, err = extractPDF(in.Data)
		out = &Extraction{Text: text, Pages: pages}
	case models.SourceDOCX:
		var text string
		text, err = extractDOCX(in.Data)
		out = &Extraction{Text: text}
	case models.SourceFile, "":
		out = &Extraction{Text: decodeLossy(in.Data)}
		in.SourceType = models.SourceFile
	default:
		err = fmt.Errorf("unsupported source type %q", in.SourceType)
	}
	if err != nil {
		span.RecordError(err)
		return nil, errs.At(errs.StageExtracting, errs.KindContentExtraction, errs.ContentExtraction("extract "+string(in.SourceType), err))
	}

	out.SourceType = in.SourceType
	if out.Title == "" {
		out.Title = in.Filename
	}
	out.Duration = time.Since(start)
	span.SetAttributes(attribute.Int("extraction.length", len(out.Text)))

	e.logger.Debug("extracted text",
		"source_type", in.SourceType,
		"chars", len(out.Text),
		"pages", out.Pages,
		"duration", out.Duration)
	return out, nil
}

func (e *Extractor) extractURL(ctx context.Context, rawURL string) (*Extraction, error) {
	if e.fetcher == nil {
		return nil, errors.New("URL fetching is not configured")
	}
	page, err := e.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	out := &Extraction{Title: page.Title}
	if out.Title == "" {
		out.Title = page.URL
	}

	switch {
	case page.HTML || page.Body == nil:
		out.Text = page.Text
	case page.ContentType == "application/pdf":
		out.Text, out.Pages, err = extractPDF(page.Body)
	case page.ContentType == docxMIME:
		out.Text, err = extractDOCX(page.Body)
	default:
		out.Text = decodeLossy(page.Body)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// decodeLossy decodes UTF-8, discarding invalid byte sequences
func decodeLossy(data []byte) string {
	return strings.ToValidUTF8(string(data), "")
}

// extractPDF returns the text of each page, one page per line group.
// Pages without extractable text are skipped.
func extractPDF(content []byte) (text string, pages int, err error) {
	// the pdf reader panics on some malformed inputs
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed PDF: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", 0, fmt.Errorf("failed to create PDF reader: %w", err)
	}

	pages = reader.NumPage()
	var parts []string
	for i := 1; i <= pages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}

		fonts := make(map[string]*pdf.Font)
		pageText, err := page.GetPlainText(fonts)
		if err != nil {
			return "", pages, fmt.Errorf("page %d: %w", i, err)
		}
		if strings.TrimSpace(pageText) == "" {
			continue
		}
		parts = append(parts, pageText)
	}
	return strings.Join(parts, "\n"), pages, nil
}

// extractDOCX returns paragraph texts of word/document.xml, one per line
func extractDOCX(content []byte) (string, error) {
	reader, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("not a docx archive: %w", err)
	}

	for _, file := range reader.File {
		if file.Name != "word/document.xml" {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return "", err
		}
		defer rc.Close()
		return docxParagraphs(rc)
	}
	return "", errors.New("docx archive has no word/document.xml")
}

// docxParagraphs walks the WordprocessingML token stream so paragraphs nested
// in tables and text boxes are kept in document order.
func docxParagraphs(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	var (
		paragraphs []string
		current    strings.Builder
		inPara     int
		inRun      int
		inText     bool
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parsing document.xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				if inPara == 0 {
					current.Reset()
				}
				inPara++
			case "r":
				inRun++
			case "t":
				inText = true
			case "tab":
				// w:tab also defines tab stops inside paragraph properties
				if inRun > 0 {
					current.WriteByte('\t')
				}
			case "br", "cr":
				if inRun > 0 {
					current.WriteByte('\n')
				}
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "p":
				inPara--
				if inPara == 0 {
					paragraphs = append(paragraphs, current.String())
				}
			case "r":
				inRun--
			case "t":
				inText = false
			}
		case xml.CharData:
			if inText {
				current.Write(t)
			}
		}
	}
	return strings.Join(paragraphs, "\n"), nil
}
