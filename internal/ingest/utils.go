package ingest

import (
	"path/filepath"
	"strings"

	"github.com/joseph-ayodele/docpipeline/constants"
)

// AllowedExt reports whether files with this extension are picked up from disk.
func AllowedExt(ext string) bool {
	_, ok := constants.ExtFormats[constants.NormalizeExt(ext)]
	return ok
}

// IsHidden checks if a file or directory is hidden (starts with '.').
func IsHidden(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".") && base != "." && base != ".."
}
