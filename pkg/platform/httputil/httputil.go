// Package httputil writes JSON responses and maps domain errors to HTTP status.
package httputil

import (
	"encoding/json"
	"net/http"

	dErrors "docket/pkg/domain-errors"
)

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps err to a status code and writes the error envelope. Internal
// errors never expose their description.
func WriteError(w http.ResponseWriter, err error) {
	de := asDomain(err)
	WriteErrorStatus(w, StatusFor(de.Code), de)
}

// WriteErrorStatus writes the error envelope for err with an explicit status.
func WriteErrorStatus(w http.ResponseWriter, status int, err error) {
	de := asDomain(err)
	resp := errorResponse{Error: string(de.Code)}
	if de.Code != dErrors.CodeInternal {
		resp.ErrorDescription = de.Message
	}
	WriteJSON(w, status, resp)
}

func asDomain(err error) *dErrors.Error {
	if de, ok := dErrors.As(err); ok {
		return de
	}
	return dErrors.New(dErrors.CodeInternal, "internal error")
}

// StatusFor returns the HTTP status used for a domain error code.
func StatusFor(code dErrors.Code) int {
	switch code {
	case dErrors.CodeBadRequest, dErrors.CodeValidation:
		return http.StatusBadRequest
	case dErrors.CodeConflict:
		return http.StatusConflict
	case dErrors.CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
