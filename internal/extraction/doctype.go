package extraction

import (
	"regexp"
	"slices"
	"strings"

	"github.com/joseph-ayodele/docpipeline/constants"
)

// DocType is a heuristic guess of what kind of business document the text is.
type DocType struct {
	Label           string           `json:"label"`
	Confidence      float64          `json:"confidence"`
	Rationale       string           `json:"rationale"`
	SuggestedFields []string         `json:"suggested_fields,omitempty"`
	MatchedKeyword  string           `json:"matched_keyword,omitempty"`
	Source          constants.Source `json:"source,omitempty"`
}

type docTypeRule struct {
	keyword    string
	confidence float64
	fields     []string
	label      string
}

// Rules are tried in order; the first keyword found wins.
var docTypeRules = []docTypeRule{
	{"contract", 0.8, []string{"Effective Date", "Parties", "Term", "Signature"}, "Contract"},
	{"master services agreement", 0.9, []string{"Service Scope", "Term", "Termination", "Fees"}, "MSA"},
	{"statement of work", 0.85, []string{"Scope", "Deliverables", "Milestones", "Compensation"}, "SOW"},
	{"invoice", 0.9, []string{"Invoice Number", "Invoice Date", "Total Due", "Payment Terms"}, "Invoice"},
	{"purchase order", 0.75, []string{"PO Number", "Vendor", "Ship To", "Total"}, "Purchase Order"},
}

var (
	billingHints = regexp.MustCompile(`\b(total due|balance due|invoice number)\b`)
	sowHints     = regexp.MustCompile(`\b(scope of work|deliverable)\b`)
)

// ClassifyDocType matches text against the keyword rules, then structural phrases.
// texts maps each source to its text and is used to name the source that carries the match.
// ok is false when nothing matched.
func ClassifyDocType(text string, texts map[constants.Source]string) (DocType, bool) {
	if strings.TrimSpace(text) == "" {
		return DocType{}, false
	}
	lower := strings.ToLower(text)
	for _, r := range docTypeRules {
		if strings.Contains(lower, r.keyword) {
			return DocType{
				Label:           r.label,
				Confidence:      r.confidence,
				Rationale:       "matched keyword '" + r.keyword + "'",
				SuggestedFields: r.fields,
				MatchedKeyword:  r.keyword,
				Source:          primeSource(texts, r.keyword),
			}, true
		}
	}
	if billingHints.MatchString(lower) {
		return DocType{
			Label:           "Invoice",
			Confidence:      0.6,
			Rationale:       "billing phrases",
			SuggestedFields: []string{"Invoice Number", "Invoice Date", "Total Due", "Billing Address"},
			Source:          primeSource(texts, "invoice"),
		}, true
	}
	if sowHints.MatchString(lower) {
		return DocType{
			Label:           "Statement of Work",
			Confidence:      0.55,
			Rationale:       "statement of work terminology",
			SuggestedFields: []string{"Scope", "Deliverables", "Timeline", "Payment"},
			Source:          primeSource(texts, "scope of work"),
		}, true
	}
	return DocType{}, false
}

// primeSource returns the lexically first source whose text contains keyword.
func primeSource(texts map[constants.Source]string, keyword string) constants.Source {
	sources := make([]constants.Source, 0, len(texts))
	for s, t := range texts {
		if strings.Contains(strings.ToLower(t), keyword) {
			sources = append(sources, s)
		}
	}
	if len(sources) == 0 {
		return ""
	}
	slices.Sort(sources)
	return sources[0]
}
