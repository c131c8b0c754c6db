package services

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

var (
	ErrGalleryNotFound     = errors.New("gallery not found")
	ErrImageNotFound       = errors.New("image not found")
	ErrClusterNotFound     = errors.New("cluster not found")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrAlreadyProcessing   = errors.New("gallery is already being processed")
	ErrImportInProgress    = errors.New("an import is already running for this gallery")
	ErrNoActiveImport      = errors.New("no import is running for this gallery")
	ErrReprocessDisabled   = errors.New("reprocessing is disabled in production")
	ErrDuplicateImage      = errors.New("image already exists in gallery")
	ErrInvalidInput        = errors.New("invalid input")
)

// Pipeline phases, named after the gallery status they run under.
const (
	PhaseDetection  = "processing"
	PhaseClustering = "clustering"
	PhaseMatching   = "matching"
)

// PhaseError aborts a processing run. Results of earlier phases are kept.
type PhaseError struct {
	Phase string
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s phase failed: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// ItemError is a failure confined to one image; the run continues.
type ItemError struct {
	ImageID uint
	Err     error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("image %d: %v", e.ImageID, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

func invalidInput(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
