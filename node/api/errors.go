package api

import (
	"encoding/json"
	"net/http"

	"gitlab.com/NebulousLabs/errors"

	"gitlab.com/gridlabs/coordinator/modules"
)

// Error is the wire shape of every error response: a single human-readable
// message, matching the teacher's node/api Error type.
type Error struct {
	Message string `json:"message"`
}

// Error implements the error interface so an Error can be passed around
// internally as well as marshaled to the wire.
func (e Error) Error() string {
	return e.Message
}

// WriteJSON writes v as a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, v interface{}, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// WriteError writes an Error response with the given status code.
func WriteError(w http.ResponseWriter, err Error, code int) {
	WriteJSON(w, err, code)
}

// writeTaxonomyError maps a sentinel error from modules onto the status
// code taxonomy of spec.md section 7, falling back to 500 for anything
// unrecognized.
func writeTaxonomyError(w http.ResponseWriter, log interface{ Printf(string, ...interface{}) }, context string, err error) {
	switch {
	case errors.Contains(err, modules.ErrInvalidUserID),
		errors.Contains(err, modules.ErrInvalidWorkerID),
		errors.Contains(err, modules.ErrInvalidLanguage),
		errors.Contains(err, modules.ErrInvalidTimeout),
		errors.Contains(err, modules.ErrEmptyCode),
		errors.Contains(err, modules.ErrCodeTooLarge):
		WriteError(w, Error{err.Error()}, http.StatusBadRequest)
	case errors.Contains(err, modules.ErrInsufficientBalance):
		WriteError(w, Error{err.Error()}, http.StatusPaymentRequired)
	case errors.Contains(err, modules.ErrInvalidCredential):
		WriteError(w, Error{err.Error()}, http.StatusUnauthorized)
	case errors.Contains(err, modules.ErrJobNotFound),
		errors.Contains(err, modules.ErrWorkerNotFound),
		errors.Contains(err, modules.ErrUserNotFound):
		WriteError(w, Error{err.Error()}, http.StatusNotFound)
	default:
		log.Printf("%s: %v", context, err)
		WriteError(w, Error{"internal error"}, http.StatusInternalServerError)
	}
}
