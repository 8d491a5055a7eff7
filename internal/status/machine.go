// Package status owns the document lifecycle: which transitions are legal,
// how each state is labelled for humans, and how transitions are persisted.
package status

import (
	"github.com/joseph-ayodele/docpipeline/constants"
)

// successors lists the forward edges. failed is reachable from every non-terminal state
// and is handled separately.
var successors = map[constants.DocumentStatus][]constants.DocumentStatus{
	constants.StatusSubmitted:      {constants.StatusDownloading},
	constants.StatusDownloading:    {constants.StatusDownloaded},
	constants.StatusDownloaded:     {constants.StatusExtractingText, constants.StatusConverting},
	constants.StatusExtractingText: {constants.StatusMerging},
	constants.StatusConverting:     {constants.StatusOCRProcessing},
	constants.StatusOCRProcessing:  {constants.StatusMerging},
	constants.StatusMerging:        {constants.StatusProcessing, constants.StatusPartial},
	constants.StatusProcessing:     {constants.StatusProcessed, constants.StatusPartial},
}

// All lists every state in forward order.
var All = []constants.DocumentStatus{
	constants.StatusSubmitted,
	constants.StatusDownloading,
	constants.StatusDownloaded,
	constants.StatusExtractingText,
	constants.StatusConverting,
	constants.StatusOCRProcessing,
	constants.StatusMerging,
	constants.StatusProcessing,
	constants.StatusProcessed,
	constants.StatusPartial,
	constants.StatusFailed,
}

// IsTerminal reports states no pipeline run leaves.
func IsTerminal(s constants.DocumentStatus) bool {
	return s == constants.StatusProcessed || s == constants.StatusFailed
}

// IsSettled reports states after which a new run may be started.
func IsSettled(s constants.DocumentStatus) bool {
	return IsTerminal(s) || s == constants.StatusPartial
}

// CanTransition reports whether from -> to is a legal single step.
func CanTransition(from, to constants.DocumentStatus) bool {
	if to == constants.StatusFailed {
		_, known := successors[from]
		return from == constants.StatusPartial || known
	}
	for _, next := range successors[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Predecessors returns every state that may step directly into to.
func Predecessors(to constants.DocumentStatus) []constants.DocumentStatus {
	var out []constants.DocumentStatus
	for _, from := range All {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// Reachable reports whether to can be reached from from by zero or more legal steps.
func Reachable(from, to constants.DocumentStatus) bool {
	seen := map[constants.DocumentStatus]bool{from: true}
	queue := []constants.DocumentStatus{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == to {
			return true
		}
		for _, next := range All {
			if !seen[next] && CanTransition(cur, next) {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

var labels = map[constants.DocumentStatus]string{
	constants.StatusSubmitted:      "Queued for processing",
	constants.StatusDownloading:    "Downloading from storage",
	constants.StatusDownloaded:     "Downloaded",
	constants.StatusExtractingText: "Extracting text",
	constants.StatusConverting:     "Converting to page images",
	constants.StatusOCRProcessing:  "Running OCR",
	constants.StatusMerging:        "Merging text sources",
	constants.StatusProcessing:     "Extracting tables and fields",
	constants.StatusProcessed:      "Processed",
	constants.StatusPartial:        "Processed with missing data",
	constants.StatusFailed:         "Failed",
}

var stageNames = map[string]string{
	constants.StageClassify: "format detection",
	constants.StageDownload: "download",
	constants.StageConvert:  "conversion",
	constants.StageDispatch: "text extraction",
	constants.StageMerge:    "merge",
	constants.StageExtract:  "structured extraction",
	constants.StagePersist:  "saving results",
	constants.StageRecover:  "an interrupted run",
	constants.StageSubmit:   "submission",
}

// Label derives the human readable label of a state. stage is only used for failed.
func Label(s constants.DocumentStatus, stage string) string {
	l, ok := labels[s]
	if !ok {
		return string(s)
	}
	if s == constants.StatusFailed && stage != "" {
		if name, ok := stageNames[stage]; ok {
			return l + " during " + name
		}
		return l + " during " + stage
	}
	return l
}
