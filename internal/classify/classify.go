// Package classify assigns a canonical format tag to raw bytes.
package classify

import (
	"bytes"
	"path/filepath"
	"unicode/utf8"

	"github.com/joseph-ayodele/docpipeline/constants"
)

// sniffLen bounds how far into the buffer signatures and zip member names are searched.
const sniffLen = 4096

var (
	sigPDF     = []byte("%PDF")
	sigPNG     = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}
	sigJPEG    = []byte{0xFF, 0xD8, 0xFF}
	sigGIF87   = []byte("GIF87a")
	sigGIF89   = []byte("GIF89a")
	sigTIFFLE  = []byte{'I', 'I', 0x2A, 0x00}
	sigTIFFBE  = []byte{'M', 'M', 0x00, 0x2A}
	sigBMP     = []byte("BM")
	sigRIFF    = []byte("RIFF")
	sigWEBP    = []byte("WEBP")
	sigZIP     = []byte{'P', 'K', 0x03, 0x04}
	sigOLE     = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}
	sigRTF     = []byte(`{\rtf`)
	sigUTF8BOM = []byte{0xEF, 0xBB, 0xBF}
)

// Classify inspects data first, then filename extension, then the declared MIME type.
// It never fails: anything unrecognised (including empty input) is FormatUnknown.
func Classify(data []byte, filename, mime string) constants.Format {
	if len(data) == 0 {
		return constants.FormatUnknown
	}
	ext := constants.NormalizeExt(filepath.Ext(filename))

	if f := sniffBinary(data, ext); f != constants.FormatUnknown {
		return f
	}

	// Binary content that matched no signature is never text.
	if !looksText(data) {
		if f, ok := constants.ExtFormats[ext]; ok && !f.IsText() && f != constants.FormatMarkup {
			return f
		}
		return constants.FormatUnknown
	}

	if f := sniffText(data); f != constants.FormatUnknown {
		// A .csv whose first byte is '[' is still csv; trust a text extension over JSON sniffing.
		if byExt, ok := constants.ExtFormats[ext]; ok && byExt.IsText() && f == constants.FormatSemiStructured {
			return byExt
		}
		return f
	}
	if f, ok := constants.ExtFormats[ext]; ok {
		return f
	}
	if f, ok := constants.MIMEFormats[constants.NormalizeMIME(mime)]; ok {
		return f
	}
	return constants.FormatPlainText
}

func sniffBinary(data []byte, ext string) constants.Format {
	switch {
	case bytes.HasPrefix(data, sigPDF):
		return constants.FormatPDF
	case bytes.HasPrefix(data, sigPNG),
		bytes.HasPrefix(data, sigJPEG),
		bytes.HasPrefix(data, sigGIF87), bytes.HasPrefix(data, sigGIF89),
		bytes.HasPrefix(data, sigTIFFLE), bytes.HasPrefix(data, sigTIFFBE):
		return constants.FormatRasterImage
	case len(data) >= 12 && bytes.HasPrefix(data, sigRIFF) && bytes.Equal(data[8:12], sigWEBP):
		return constants.FormatRasterImage
	case bytes.HasPrefix(data, sigBMP) && len(data) >= 14 && ext == "bmp":
		return constants.FormatRasterImage
	case bytes.HasPrefix(data, sigZIP):
		return sniffZip(data, ext)
	case bytes.HasPrefix(data, sigOLE):
		// Legacy Office: the container does not say which application wrote it.
		switch ext {
		case "doc":
			return constants.FormatWordProcessing
		case "xls":
			return constants.FormatSpreadsheet
		case "ppt":
			return constants.FormatPresentation
		}
		return constants.FormatUnknown
	case bytes.HasPrefix(data, sigRTF):
		return constants.FormatWordProcessing
	}
	return constants.FormatUnknown
}

// sniffZip looks for OOXML and ODF member names near the start of the archive.
func sniffZip(data []byte, ext string) constants.Format {
	head := data
	if len(head) > sniffLen {
		head = head[:sniffLen]
	}
	switch {
	case bytes.Contains(head, []byte("word/")):
		return constants.FormatWordProcessing
	case bytes.Contains(head, []byte("xl/")):
		return constants.FormatSpreadsheet
	case bytes.Contains(head, []byte("ppt/")):
		return constants.FormatPresentation
	case bytes.Contains(head, []byte("application/vnd.oasis.opendocument.text")):
		return constants.FormatWordProcessing
	case bytes.Contains(head, []byte("application/vnd.oasis.opendocument.spreadsheet")):
		return constants.FormatSpreadsheet
	case bytes.Contains(head, []byte("application/vnd.oasis.opendocument.presentation")):
		return constants.FormatPresentation
	}
	// [Content_Types].xml may come first and push member names out of range.
	if f, ok := constants.ExtFormats[ext]; ok && f.IsOffice() {
		return f
	}
	return constants.FormatUnknown
}

func sniffText(data []byte) constants.Format {
	head := bytes.TrimPrefix(data, sigUTF8BOM)
	if len(head) > sniffLen {
		head = head[:sniffLen]
	}
	head = bytes.TrimSpace(head)
	lower := bytes.ToLower(head)
	switch {
	case bytes.HasPrefix(lower, []byte("<!doctype html")),
		bytes.HasPrefix(lower, []byte("<html")),
		bytes.HasPrefix(lower, []byte("<?xml")) && bytes.Contains(lower, []byte("<html")):
		return constants.FormatMarkup
	case bytes.HasPrefix(lower, []byte("<?xml")):
		return constants.FormatSemiStructured
	case len(head) > 0 && (head[0] == '{' || head[0] == '['):
		return constants.FormatSemiStructured
	case bytes.Contains(lower, []byte("<body")) || bytes.Contains(lower, []byte("<table")):
		return constants.FormatMarkup
	}
	return constants.FormatUnknown
}

// looksText accepts valid UTF-8 without NUL bytes in the sniffed prefix.
func looksText(data []byte) bool {
	head := data
	if len(head) > sniffLen {
		head = head[:sniffLen]
	}
	if bytes.IndexByte(head, 0) >= 0 {
		return false
	}
	// A multi-byte rune may be cut at the boundary.
	for i := 0; i < 3 && len(head) > 0 && !utf8.Valid(head); i++ {
		head = head[:len(head)-1]
	}
	return utf8.Valid(head)
}
