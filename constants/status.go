package constants

// DocumentStatus is the lifecycle state stored on documents.status.
type DocumentStatus string

// Stable values (store these exact strings in DB).
const (
	StatusSubmitted      DocumentStatus = "submitted"
	StatusDownloading    DocumentStatus = "downloading"
	StatusDownloaded     DocumentStatus = "downloaded"
	StatusExtractingText DocumentStatus = "extracting_text" // text formats, no conversion
	StatusConverting     DocumentStatus = "converting"
	StatusOCRProcessing  DocumentStatus = "ocr_processing"
	StatusMerging        DocumentStatus = "merging"
	StatusProcessing     DocumentStatus = "processing" // structured extraction
	StatusProcessed      DocumentStatus = "processed"  // terminal
	StatusPartial        DocumentStatus = "partial"    // usable, something was missing
	StatusFailed         DocumentStatus = "failed"     // terminal
)

// Stage names recorded alongside failures and metrics.
const (
	StageClassify = "classify"
	StageDownload = "download"
	StageConvert  = "convert"
	StageDispatch = "dispatch"
	StageMerge    = "merge"
	StageExtract  = "extract"
	StagePersist  = "persist"
	StageRecover  = "recover"
	StageSubmit   = "submit"
)
