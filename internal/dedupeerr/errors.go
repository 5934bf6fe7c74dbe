package dedupeerr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation  = errors.New("validation error")
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrSuperseded  = errors.New("superseded")
	ErrTimeout     = errors.New("timeout")
	ErrTransaction = errors.New("transaction failed")
	ErrPartialScan = errors.New("partial scan")
)

// Wrap builds an error message that includes component context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrTransaction
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Validation, NotFound and Conflict are shorthands for the most common markers.
func Validation(component, message string) error {
	return Wrap(ErrValidation, component, "", message, nil)
}

func NotFound(component, message string) error {
	return Wrap(ErrNotFound, component, "", message, nil)
}

func Conflict(component, message string) error {
	return Wrap(ErrConflict, component, "", message, nil)
}

// SupersededError reports a record that an earlier merge already absorbed.
type SupersededError struct {
	RecordID     int64
	SupersededBy int64
}

func (e *SupersededError) Error() string {
	if e.SupersededBy != 0 {
		return fmt.Sprintf("superseded: record %d was merged into record %d; rescan to obtain a detection against the surviving record", e.RecordID, e.SupersededBy)
	}
	return fmt.Sprintf("superseded: record %d is no longer active", e.RecordID)
}

func (e *SupersededError) Is(target error) bool { return target == ErrSuperseded }

// PairError reports a single failed comparison. The scanner logs and skips it.
type PairError struct {
	RecordAID int64
	RecordBID int64
	Method    string
	Err       error
}

func (e *PairError) Error() string {
	return fmt.Sprintf("partial scan: compare %d/%d (%s): %v", e.RecordAID, e.RecordBID, e.Method, e.Err)
}

func (e *PairError) Unwrap() error { return e.Err }

func (e *PairError) Is(target error) bool { return target == ErrPartialScan }

// Kind returns a short classification label for err.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrSuperseded):
		return "superseded"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrTransaction):
		return "transaction"
	case errors.Is(err, ErrPartialScan):
		return "partial_scan"
	default:
		return "internal"
	}
}

// ExitCode maps err to the process exit status used by the CLI.
func ExitCode(err error) int {
	switch Kind(err) {
	case "":
		return 0
	case "validation":
		return 2
	case "not_found":
		return 3
	case "conflict":
		return 4
	case "superseded":
		return 5
	case "timeout":
		return 6
	case "transaction":
		return 7
	default:
		return 1
	}
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "dedupe failure"
	}
	return strings.Join(parts, ": ")
}
