package models

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every pipeline action. Callers wrap these with
// context and test them with errors.Is.
var (
	ErrUnsupportedYear      = errors.New("unsupported year")
	ErrCompositeUnavailable = errors.New("composite unavailable")
	ErrNoTrainingData       = errors.New("no training data")
	ErrInvalidClassifier    = errors.New("invalid classifier")
	ErrGeometryMismatch     = errors.New("geometry mismatch")
	ErrRemoteEngine         = errors.New("remote engine error")
)

// Kind returns the taxonomy name of err, or "internal" when err does not
// belong to the taxonomy
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnsupportedYear):
		return "UnsupportedYear"
	case errors.Is(err, ErrCompositeUnavailable):
		return "CompositeUnavailable"
	case errors.Is(err, ErrNoTrainingData):
		return "NoTrainingData"
	case errors.Is(err, ErrInvalidClassifier):
		return "InvalidClassifier"
	case errors.Is(err, ErrGeometryMismatch):
		return "GeometryMismatch"
	case errors.Is(err, ErrRemoteEngine):
		return "RemoteEngineError"
	}
	return "internal"
}

// YearError records a failure for one year of a multi-year run
type YearError struct {
	Year int
	Err  error
}

func (e YearError) Error() string {
	return fmt.Sprintf("year %d: %v", e.Year, e.Err)
}

func (e YearError) Unwrap() error {
	return e.Err
}
