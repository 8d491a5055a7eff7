package constants

import "strings"

// Format is the canonical format tag assigned by the classifier.
type Format string

// Stable values (stored in documents.format).
const (
	FormatRasterImage    Format = "raster-image"
	FormatPDF            Format = "pdf"
	FormatWordProcessing Format = "word-processing"
	FormatSpreadsheet    Format = "spreadsheet"
	FormatPresentation   Format = "presentation"
	FormatMarkup         Format = "markup"
	FormatDelimitedText  Format = "delimited-text"
	FormatPlainText      Format = "plain-text"
	FormatSemiStructured Format = "semi-structured-data"
	FormatUnknown        Format = "unknown"
)

// Formats lists every known tag except unknown.
var Formats = []Format{
	FormatRasterImage, FormatPDF, FormatWordProcessing, FormatSpreadsheet, FormatPresentation,
	FormatMarkup, FormatDelimitedText, FormatPlainText, FormatSemiStructured,
}

// NeedsRasters reports whether the format goes through the conversion engine.
func (f Format) NeedsRasters() bool {
	switch f {
	case FormatRasterImage, FormatPDF, FormatWordProcessing, FormatSpreadsheet, FormatPresentation, FormatMarkup:
		return true
	}
	return false
}

// IsOffice reports formats that need an intermediate PDF before rasterisation.
func (f Format) IsOffice() bool {
	switch f {
	case FormatWordProcessing, FormatSpreadsheet, FormatPresentation, FormatMarkup:
		return true
	}
	return false
}

// IsText reports formats that bypass conversion entirely.
func (f Format) IsText() bool {
	switch f {
	case FormatDelimitedText, FormatPlainText, FormatSemiStructured:
		return true
	}
	return false
}

// ExtFormats maps lowercased extensions (sans '.') to a format.
var ExtFormats = map[string]Format{
	"png":  FormatRasterImage,
	"jpg":  FormatRasterImage,
	"jpeg": FormatRasterImage,
	"gif":  FormatRasterImage,
	"bmp":  FormatRasterImage,
	"tif":  FormatRasterImage,
	"tiff": FormatRasterImage,
	"webp": FormatRasterImage,
	"pdf":  FormatPDF,
	"doc":  FormatWordProcessing,
	"docx": FormatWordProcessing,
	"odt":  FormatWordProcessing,
	"rtf":  FormatWordProcessing,
	"xls":  FormatSpreadsheet,
	"xlsx": FormatSpreadsheet,
	"ods":  FormatSpreadsheet,
	"ppt":  FormatPresentation,
	"pptx": FormatPresentation,
	"odp":  FormatPresentation,
	"html": FormatMarkup,
	"htm":  FormatMarkup,
	"xht":  FormatMarkup,
	"csv":  FormatDelimitedText,
	"tsv":  FormatDelimitedText,
	"txt":  FormatPlainText,
	"text": FormatPlainText,
	"md":   FormatPlainText,
	"log":  FormatPlainText,
	"json": FormatSemiStructured,
	"xml":  FormatSemiStructured,
	"yaml": FormatSemiStructured,
	"yml":  FormatSemiStructured,
}

// MIMEFormats maps declared content types to a format.
var MIMEFormats = map[string]Format{
	"image/png":          FormatRasterImage,
	"image/jpeg":         FormatRasterImage,
	"image/gif":          FormatRasterImage,
	"image/bmp":          FormatRasterImage,
	"image/tiff":         FormatRasterImage,
	"image/webp":         FormatRasterImage,
	"application/pdf":    FormatPDF,
	"application/msword": FormatWordProcessing,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   FormatWordProcessing,
	"application/vnd.oasis.opendocument.text":                                   FormatWordProcessing,
	"application/rtf":                                                           FormatWordProcessing,
	"application/vnd.ms-excel":                                                  FormatSpreadsheet,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         FormatSpreadsheet,
	"application/vnd.oasis.opendocument.spreadsheet":                            FormatSpreadsheet,
	"application/vnd.ms-powerpoint":                                             FormatPresentation,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": FormatPresentation,
	"application/vnd.oasis.opendocument.presentation":                           FormatPresentation,
	"text/html":                 FormatMarkup,
	"application/xhtml+xml":     FormatMarkup,
	"text/csv":                  FormatDelimitedText,
	"text/tab-separated-values": FormatDelimitedText,
	"text/plain":                FormatPlainText,
	"text/markdown":             FormatPlainText,
	"application/json":          FormatSemiStructured,
	"application/xml":           FormatSemiStructured,
	"text/xml":                  FormatSemiStructured,
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// NormalizeMIME lowercases and drops parameters (";charset=...").
func NormalizeMIME(mime string) string {
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return strings.ToLower(strings.TrimSpace(mime))
}
