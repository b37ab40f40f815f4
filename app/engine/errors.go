package engine

import (
	"fmt"
	"strings"
)

// ValidationError is returned when submitted data is missing or malformed, before any network call
type ValidationError struct {
	Missing []string // required columns missing or empty
	Reason  string
}

func (e *ValidationError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("validation failed, missing required columns: %s", strings.Join(e.Missing, ", "))
	}
	return "validation failed, " + e.Reason
}

// FileUploadError is returned when the file can't be transmitted, no job is registered
type FileUploadError struct {
	File string
	Err  error
}

func (e *FileUploadError) Error() string {
	return fmt.Sprintf("failed to upload %s: %v", e.File, e.Err)
}

func (e *FileUploadError) Unwrap() error { return e.Err }

// ProcessingTriggerError is returned when backend processing can't be started, no job is registered
type ProcessingTriggerError struct {
	FileID string
	Err    error
}

func (e *ProcessingTriggerError) Error() string {
	return fmt.Sprintf("failed to start processing of %s: %v", e.FileID, e.Err)
}

func (e *ProcessingTriggerError) Unwrap() error { return e.Err }
