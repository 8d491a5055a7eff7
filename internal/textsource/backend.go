// Package textsource holds the text extraction backends and the dispatcher that runs them.
package textsource

import (
	"context"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/docpipeline/constants"
	"github.com/joseph-ayodele/docpipeline/internal/convert"
	"github.com/joseph-ayodele/docpipeline/internal/ocr"
)

// Input is everything a backend may read. Pages is empty for formats that bypass conversion.
type Input struct {
	DocumentID uuid.UUID
	Format     constants.Format
	Filename   string
	MIME       string
	Data       []byte
	Pages      []convert.Page
	Model      string // OCR model requested for this document; empty uses the backend default
}

// Table is a raw table as found by a backend. The first row is the header candidate.
type Table struct {
	Cells [][]string `json:"cells"`
	Title string     `json:"title,omitempty"`
	Page  int        `json:"page,omitempty"` // 1-based, 0 when not paginated
	Index int        `json:"element_index"`  // position among the tables of the document
}

type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Page  int    `json:"page,omitempty"`
}

// PageError is a page the OCR backend could not read.
type PageError struct {
	Page   int    `json:"page"`
	Reason string `json:"reason"`
}

// Output is what one backend produced. Tables and KeyValues form its structured payload.
type Output struct {
	Text       string
	Tables     []Table
	KeyValues  []KeyValue
	Metadata   map[string]any
	Model      string
	Usage      *ocr.Usage
	Partial    bool
	PageErrors []PageError
}

// Backend converts a document input into text and optional structured data.
type Backend interface {
	Source() constants.Source
	Supports(format constants.Format) bool
	Extract(ctx context.Context, in Input) (Output, error)
}
