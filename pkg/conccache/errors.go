package conccache

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrCalcStatus marks a failed or abandoned calculation.
	ErrCalcStatus = errors.New("concordance calculation failed")

	// ErrMissingStatus is returned when a cache entry has no status record.
	ErrMissingStatus = fmt.Errorf("%w: missing calculation status", ErrCalcStatus)

	// ErrUnknownAttribute is returned when a status field name is not recognized.
	ErrUnknownAttribute = errors.New("unknown calc status attribute")

	// ErrInvalidCorpusName is returned for corpus names that are not a single
	// path element.
	ErrInvalidCorpusName = errors.New("invalid corpus name")

	// ErrEmptyQuery is returned for operations requiring at least one query op.
	ErrEmptyQuery = errors.New("empty query")
)

// CalcStatusError describes why a calculation is considered failed.
type CalcStatusError struct {
	Msg string
	// Stalled is true when the failure was inferred from the stall timeout.
	Stalled bool
}

func (e *CalcStatusError) Error() string {
	return e.Msg
}

// Unwrap makes errors.Is(err, ErrCalcStatus) hold.
func (e *CalcStatusError) Unwrap() error {
	return ErrCalcStatus
}
