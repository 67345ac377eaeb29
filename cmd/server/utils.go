package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/lychee-technology/cardbase"
)

// APIResponse is the standard error response format
type APIResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Code    string `json:"code,omitempty"`
}

// statusForKind maps backend error kinds to HTTP statuses.
var statusForKind = map[cardbase.ErrorKind]int{
	cardbase.KindSchemaInvalid:         http.StatusBadRequest,
	cardbase.KindLimitInvalid:          http.StatusBadRequest,
	cardbase.KindSlugTooLong:           http.StatusBadRequest,
	cardbase.KindVersionMissing:        http.StatusBadRequest,
	cardbase.KindIdentifierTypeMissing: http.StatusBadRequest,
	cardbase.KindRegexInvalid:          http.StatusBadRequest,
	cardbase.KindValidation:            http.StatusUnprocessableEntity,
	cardbase.KindAlreadyExists:         http.StatusConflict,
	cardbase.KindQueryTimeout:          http.StatusGatewayTimeout,
	cardbase.KindConnection:            http.StatusServiceUnavailable,
}

// writeJSON writes JSON response to http.ResponseWriter
func writeJSON(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// writeError writes an error response
func writeError(w http.ResponseWriter, statusCode int, message string) error {
	return writeJSON(w, statusCode, APIResponse{
		Success: false,
		Error:   message,
	})
}

// writeBackendError writes err with the status of its kind.
func writeBackendError(w http.ResponseWriter, err error) error {
	status := http.StatusInternalServerError
	resp := APIResponse{Success: false, Error: err.Error()}
	var e *cardbase.Error
	if errors.As(err, &e) {
		if s, ok := statusForKind[e.Kind]; ok {
			status = s
		}
		resp.Kind = string(e.Kind)
		resp.Code = e.Code
	}
	return writeJSON(w, status, resp)
}

// writeSuccess writes a success response
func writeSuccess(w http.ResponseWriter, statusCode int, data any) error {
	return writeJSON(w, statusCode, data)
}

// writeCard writes card, or 404 when it is nil.
func writeCard(w http.ResponseWriter, card *cardbase.Card) error {
	if card == nil {
		return writeError(w, http.StatusNotFound, "card not found")
	}
	return writeSuccess(w, http.StatusOK, card)
}

// readJSONBody reads and decodes JSON from request body
func readJSONBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
