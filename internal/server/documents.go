package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/docpipeline/internal/common"
	"github.com/joseph-ayodele/docpipeline/internal/ingest"
)

const multipartMemory = 8 << 20

// handleUpload accepts a multipart "file" field or a raw body named by ?filename=.
// The OCR model comes from the "model_name" form field or ?model=.
func (a *API) handleUpload(w http.ResponseWriter, r *http.Request) {
	if a.MaxUploadBytes > 0 {
		// headroom for multipart framing; the ingestor enforces the exact limit
		r.Body = http.MaxBytesReader(w, r.Body, a.MaxUploadBytes+multipartMemory)
	}

	up, err := readUpload(r)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			err = common.NewAppError("TOO_LARGE", "upload exceeds size limit", common.ErrInvalidInput)
		}
		writeError(w, r, a.logger, err)
		return
	}
	if owner := r.URL.Query().Get("owner"); owner != "" {
		up.OwnerRef = &owner
	}
	if model := r.URL.Query().Get("model"); model != "" {
		up.OCRModel = &model
	}

	res, err := a.Uploader.Ingest(r.Context(), up)
	if err != nil {
		writeError(w, r, a.logger, err)
		return
	}
	code := http.StatusCreated
	if res.Deduplicated {
		code = http.StatusOK
	}
	writeJSON(w, code, res)
}

func readUpload(r *http.Request) (ingest.Upload, error) {
	badInput := func(msg string, cause error) error {
		if cause == nil {
			cause = common.ErrInvalidInput
		} else {
			cause = fmt.Errorf("%w: %w", common.ErrInvalidInput, cause)
		}
		return common.NewAppError("BAD_UPLOAD", msg, cause)
	}

	if isMultipart(r) {
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				return ingest.Upload{}, err
			}
			return ingest.Upload{}, badInput("malformed multipart body", err)
		}
		file, hdr, err := r.FormFile("file")
		if err != nil {
			return ingest.Upload{}, badInput(`missing "file" field`, err)
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			return ingest.Upload{}, err
		}
		up := ingest.Upload{Filename: hdr.Filename, ContentType: declaredType(hdr.Header.Get("Content-Type")), Data: data}
		if model := r.PostFormValue("model_name"); model != "" {
			up.OCRModel = &model
		}
		return up, nil
	}

	name := r.URL.Query().Get("filename")
	if name == "" {
		return ingest.Upload{}, badInput("filename query parameter is required for raw uploads", nil)
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return ingest.Upload{}, err
	}
	return ingest.Upload{Filename: name, ContentType: declaredType(r.Header.Get("Content-Type")), Data: data}, nil
}

// declaredType drops the generic binary type so the ingestor can guess from the extension.
func declaredType(ct string) string {
	if ct == "application/octet-stream" {
		return ""
	}
	return ct
}

func isMultipart(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && strings.HasPrefix(mt, "multipart/")
}

func (a *API) documentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := common.ParseDocumentID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, a.logger, err)
		return uuid.Nil, false
	}
	return id, true
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id, ok := a.documentID(w, r)
	if !ok {
		return
	}
	if err := a.Documents.Submit(r.Context(), id); err != nil {
		writeError(w, r, a.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"document_id": id.String(), "status": "submitted"})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := a.documentID(w, r)
	if !ok {
		return
	}
	snap, err := a.Documents.GetStatus(r.Context(), id)
	if err != nil {
		writeError(w, r, a.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := a.documentID(w, r)
	if !ok {
		return
	}
	events, err := a.Documents.History(r.Context(), id)
	if err != nil {
		writeError(w, r, a.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (a *API) handleResult(w http.ResponseWriter, r *http.Request) {
	id, ok := a.documentID(w, r)
	if !ok {
		return
	}
	res, err := a.Documents.GetResult(r.Context(), id)
	if err != nil {
		writeError(w, r, a.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleExport(w http.ResponseWriter, r *http.Request) {
	id, ok := a.documentID(w, r)
	if !ok {
		return
	}
	data, err := a.Exporter.ExportResultXLSX(r.Context(), id)
	if err != nil {
		writeError(w, r, a.logger, err)
		return
	}
	name := fmt.Sprintf("document_%s_%s.xlsx", id.String()[:8], time.Now().UTC().Format("20060102"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

type ingestDirectoryRequest struct {
	Root       string `json:"root"`
	SkipHidden *bool  `json:"skip_hidden,omitempty"`
}

type ingestDirectoryResponse struct {
	Results []ingest.Result `json:"results"`
	Stats   ingest.DirStats `json:"stats"`
}

func (a *API) handleIngestDirectory(w http.ResponseWriter, r *http.Request) {
	var req ingestDirectoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, a.logger, common.NewAppError("BAD_REQUEST", "invalid JSON body", common.ErrInvalidInput))
		return
	}
	if err := common.NewValidator().Field("root", req.Root, common.Required).Err(); err != nil {
		writeError(w, r, a.logger, err)
		return
	}
	skip := true
	if req.SkipHidden != nil {
		skip = *req.SkipHidden
	}
	results, stats, err := a.Uploader.IngestDirectory(r.Context(), req.Root, skip)
	if err != nil {
		writeError(w, r, a.logger, err)
		return
	}
	if results == nil {
		results = []ingest.Result{}
	}
	writeJSON(w, http.StatusOK, ingestDirectoryResponse{Results: results, Stats: stats})
}
