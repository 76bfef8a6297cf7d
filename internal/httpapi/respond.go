package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/mindmeld/collabd/internal/apperr"
)

type errorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

// writeError maps err's apperr.Kind to an HTTP status and writes the
// nested {error:{code,message,details?}} body spec §6/§7 document.
func writeError(w http.ResponseWriter, err error) {
	kind := apperr.Classify(err)
	status := apperr.HTTPStatus(kind)

	detail := errorDetail{Code: string(kind), Message: err.Error()}
	if ae, ok := err.(*apperr.Error); ok {
		detail.Message = ae.Message
		detail.Details = ae.Details
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
