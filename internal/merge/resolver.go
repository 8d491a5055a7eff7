// Package merge picks the base text of a document from the backend outputs.
package merge

import (
	"strings"
	"unicode/utf8"

	"github.com/joseph-ayodele/docpipeline/constants"
	"github.com/joseph-ayodele/docpipeline/internal/textsource"
)

// SummaryLength is the rune length of Summary before the ellipsis.
const SummaryLength = 500

// Resolution is the chosen base text.
type Resolution struct {
	Source  constants.Source
	Text    string
	Partial bool
}

// Resolver walks a fixed precedence list. It is the only place that chooses between sources.
type Resolver struct {
	precedence []constants.Source
}

func NewResolver(precedence []constants.Source) *Resolver {
	if len(precedence) == 0 {
		precedence = constants.DefaultPrecedence
	}
	p := make([]constants.Source, len(precedence))
	copy(p, precedence)
	return &Resolver{precedence: p}
}

// Resolve returns the first source in precedence order whose text is not blank.
// ok is false when nothing usable is present ("no text available").
func (r *Resolver) Resolve(outputs map[constants.Source]textsource.Output) (Resolution, bool) {
	for _, src := range r.precedence {
		out, present := outputs[src]
		if !present || strings.TrimSpace(out.Text) == "" {
			continue
		}
		return Resolution{Source: src, Text: out.Text, Partial: out.Partial}, true
	}
	return Resolution{}, false
}

// Summary truncates text to SummaryLength runes, appending "…" when cut.
func Summary(text string) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= SummaryLength {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:SummaryLength])) + "…"
}
