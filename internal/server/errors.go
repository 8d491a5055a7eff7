package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/joseph-ayodele/docpipeline/internal/common"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError answers with the status mapped from err. Internal errors are logged and hidden.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	code := common.HTTPStatus(err)
	body := errorBody{Error: err.Error(), Code: common.CodeOf(err)}
	if code >= http.StatusInternalServerError {
		common.LoggerFrom(r.Context(), logger).Error("http.error", "path", r.URL.Path, "error", err)
		body.Error = http.StatusText(code)
		var ae *common.AppError
		if errors.As(err, &ae) {
			body.Error = ae.Message
		}
	}
	writeJSON(w, code, body)
}
