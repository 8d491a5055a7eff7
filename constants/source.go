package constants

// Source tags a text backend. One content_records row exists per (document, source).
type Source string

const (
	SourceStructuredText Source = "structured_text"
	SourceOCR            Source = "ocr"
	SourcePreprocess     Source = "preprocess"
	SourcePDFText        Source = "pdf_text"
)

// DefaultPrecedence is the merge order used when none is configured.
var DefaultPrecedence = []Source{SourcePreprocess, SourceOCR, SourceStructuredText, SourcePDFText}

// ExtractionKind is the typed payload kind of an extraction_records row.
type ExtractionKind string

const (
	KindTable          ExtractionKind = "table"
	KindLineItems      ExtractionKind = "line_items"
	KindKeyValue       ExtractionKind = "key_value"
	KindStructuredData ExtractionKind = "structured_data"
)
