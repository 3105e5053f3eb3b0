// Package response centralizes how handlers write their result back
// onto an http.ResponseWriter.
package response

import (
	"encoding/json"
	"net/http"

	apxerrors "agent/errors"
)

// RespondJSON writes v as a JSON body with the given status code.
func RespondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// RespondMessage writes a plain {"message": ...} JSON body.
func RespondMessage(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, map[string]string{"message": message})
}

// RespondError writes a structured *errors.Error as JSON, using 400
// for validation-shaped codes, 404 for not-found, 409 when no slot can
// be reserved, and 500 otherwise.
func RespondError(w http.ResponseWriter, err *apxerrors.Error) {
	status := http.StatusInternalServerError
	switch err.Code {
	case "not_found":
		status = http.StatusNotFound
	case "reserve_out_of_capacity":
		status = http.StatusConflict
	case "invalid_resolution", "empty_param", "invalid_body", "validation_failed":
		status = http.StatusBadRequest
	case "runtime_unavailable", "run_failed", "stop_failed":
		status = http.StatusInternalServerError
	}
	RespondJSON(w, status, err)
}
