package models

import (
	"path/filepath"
	"strings"
	"time"
)

// SourceType identifies how a document's text was obtained
type SourceType string

const (
	SourceText SourceType = "text"
	SourcePDF  SourceType = "pdf"
	SourceDOCX SourceType = "docx"
	SourceURL  SourceType = "url"
	SourceFile SourceType = "file" // any other uploaded file, decoded as text
)

// Valid reports whether s is one of the known source types
func (s SourceType) Valid() bool {
	switch s {
	case SourceText, SourcePDF, SourceDOCX, SourceURL, SourceFile:
		return true
	}
	return false
}

// SourceTypeFromFilename maps a file extension to a source type.
// Unknown extensions map to SourceFile.
func SourceTypeFromFilename(name string) SourceType {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return SourcePDF
	case ".docx":
		return SourceDOCX
	case ".txt", ".text", ".md", ".markdown", ".csv", ".log":
		return SourceText
	default:
		return SourceFile
	}
}

// Document is the metadata record of one ingested source. Immutable once written.
type Document struct {
	ID         string     `bson:"doc_id" json:"id"`
	Title      string     `bson:"title" json:"title"`
	SourceType SourceType `bson:"source_type" json:"source_type"`
	CreatedAt  time.Time  `bson:"created_at" json:"created_at"`
}

// Chunk is one bounded text segment of a document
type Chunk struct {
	ID            string    `bson:"chunk_id" json:"id"`
	DocumentID    string    `bson:"doc_id" json:"document_id"`
	Text          string    `bson:"text" json:"text"`
	SequenceIndex int       `bson:"sequence_index" json:"sequence_index"`
	Embedding     []float32 `bson:"embedding,omitempty" json:"-"`
	CreatedAt     time.Time `bson:"created_at" json:"created_at"`
}
