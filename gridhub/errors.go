package gridhub

import (
	"errors"
	"fmt"
)

// error taxonomy for the mutation path
// handlers map these to http statuses; broadcast failures never surface here

var ErrDatasetNotFound = errors.New("dataset not found")
var ErrRowNotFound = errors.New("row not found")
var ErrColumnExists = errors.New("column already exists")
var ErrImportTooLarge = errors.New("import too large")

// a request rejected before any storage mutation
type ValidationError struct {
	Message string
}

func NewValidationError(format string, a ...any) *ValidationError {
	return &ValidationError{
		Message: fmt.Sprintf(format, a...),
	}
}

func (self *ValidationError) Error() string {
	return self.Message
}
