package services

import (
	"bytes"
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"kb-rag-service/internal/database"
	"kb-rag-service/models"

	"github.com/xuri/excelize/v2"
)

const (
	chunksSheet  = "Chunks"
	summarySheet = "Summary"

	// excelize rejects cell values longer than this
	maxCellChars = 32767
)

// XLSXContentType is the MIME type of the exported workbook
const XLSXContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// DocumentExport is a rendered audit workbook for one document
type DocumentExport struct {
	Filename   string
	Data       []byte
	ChunkCount int
}

// ExportService renders a document and its chunks as an XLSX workbook
type ExportService struct {
	store database.DocumentStore
}

func NewExportService(store database.DocumentStore) *ExportService {
	return &ExportService{store: store}
}

// ExportDocument loads the document and its chunks in sequence order and
// writes them to a Chunks sheet plus a Summary sheet.
func (es *ExportService) ExportDocument(ctx context.Context, documentID string) (*DocumentExport, error) {
	doc, err := es.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	chunks, err := es.store.ListChunks(ctx, documentID)
	if err != nil {
		return nil, err
	}

	data, err := buildWorkbook(doc, chunks)
	if err != nil {
		return nil, fmt.Errorf("failed to build workbook: %w", err)
	}
	return &DocumentExport{
		Filename:   fmt.Sprintf("document_%s_%s.xlsx", doc.ID, time.Now().UTC().Format("20060102_150405")),
		Data:       data,
		ChunkCount: len(chunks),
	}, nil
}

func buildWorkbook(doc *models.Document, chunks []models.Chunk) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	// rename the default sheet instead of leaving an empty Sheet1
	if err := f.SetSheetName("Sheet1", chunksSheet); err != nil {
		return nil, err
	}

	headers := []string{"Sequence", "Chunk ID", "Length", "Created At", "Text"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(chunksSheet, cell, h); err != nil {
			return nil, err
		}
	}

	totalChars := 0
	for i, c := range chunks {
		row := i + 2
		length := utf8.RuneCountInString(c.Text)
		totalChars += length

		values := []any{
			c.SequenceIndex,
			c.ID,
			length,
			c.CreatedAt.Format("2006-01-02 15:04:05"),
			truncateCell(c.Text),
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			if err := f.SetCellValue(chunksSheet, cell, v); err != nil {
				return nil, err
			}
		}
	}
	_ = f.SetColWidth(chunksSheet, "A", "A", 10)
	_ = f.SetColWidth(chunksSheet, "B", "B", 38)
	_ = f.SetColWidth(chunksSheet, "C", "D", 20)
	_ = f.SetColWidth(chunksSheet, "E", "E", 80)

	if _, err := f.NewSheet(summarySheet); err != nil {
		return nil, err
	}
	summary := [][]any{
		{"Document ID", doc.ID},
		{"Title", doc.Title},
		{"Source Type", string(doc.SourceType)},
		{"Created At", doc.CreatedAt.Format("2006-01-02 15:04:05")},
		{"Chunks", len(chunks)},
		{"Total Characters", totalChars},
	}
	for i, pair := range summary {
		for col, v := range pair {
			cell, _ := excelize.CoordinatesToCellName(col+1, i+1)
			if err := f.SetCellValue(summarySheet, cell, v); err != nil {
				return nil, err
			}
		}
	}
	_ = f.SetColWidth(summarySheet, "A", "A", 20)
	_ = f.SetColWidth(summarySheet, "B", "B", 50)

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func truncateCell(s string) string {
	if utf8.RuneCountInString(s) <= maxCellChars {
		return s
	}
	return string([]rune(s)[:maxCellChars])
}
