package modules

import (
	"regexp"

	"github.com/google/uuid"
)

// userIDPattern matches a leading letter followed by letters, digits,
// underscore or hyphen, 1-64 characters total (the leading letter counts
// toward the length).
var userIDPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]{0,63}$`)

// ValidateUserID reports whether id satisfies the user ID grammar from the
// data model: a leading letter, then letters/digits/_/-, length 1-64.
func ValidateUserID(id string) bool {
	return userIDPattern.MatchString(id)
}

// ValidateWorkerID reports whether id parses as a UUID.
func ValidateWorkerID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// NewWorkerID generates a fresh worker UUID.
func NewWorkerID() string {
	return uuid.NewString()
}

// NewJobID generates a fresh job UUID.
func NewJobID() string {
	return uuid.NewString()
}
