package core

import (
	"errors"
	"fmt"
)

// Domain errors - centralized error definitions
var (
	// Not found errors
	ErrNotFound           = errors.New("resource not found")
	ErrRunNotFound        = fmt.Errorf("%w: run", ErrNotFound)
	ErrArtifactNotFound   = fmt.Errorf("%w: artifact", ErrNotFound)
	ErrCheckpointNotFound = fmt.Errorf("%w: checkpoint", ErrNotFound)

	// Validation errors
	ErrShapeMismatch    = errors.New("shape mismatch")
	ErrUnknownLabel     = errors.New("label outside taxonomy")
	ErrInsufficientData = errors.New("insufficient data")

	// Determinism errors
	ErrSeedMismatch = errors.New("seed mismatch")
	ErrHashMismatch = errors.New("hash mismatch")
)

// Error constructors with context
func NewNotFoundError(resource string, id string) error {
	return fmt.Errorf("%w: %s with id %s", ErrNotFound, resource, id)
}

func NewShapeError(what string, want, got int) error {
	return fmt.Errorf("%w: %s expected %d, got %d", ErrShapeMismatch, what, want, got)
}

// Error checking helpers
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsDeterminismError(err error) bool {
	return errors.Is(err, ErrSeedMismatch) ||
		errors.Is(err, ErrHashMismatch)
}
