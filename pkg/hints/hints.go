// Package hints labels errors that signal a skipped step rather than a failure.
//
// A hook stage without commands, or hooks disabled altogether, returns an
// error so the caller can tell "ran" from "did not run". Such errors are
// wrapped as hints, and the pass loop drops them with Ignore instead of
// importing every sentinel from the producing package.
package hints

import "errors"

type hintErr struct {
	err error
}

func (h *hintErr) Error() string {
	if h == nil || h.err == nil {
		return "unknown hint"
	}
	return h.err.Error()
}
func (h *hintErr) IsHint() bool  { return true }
func (h *hintErr) Unwrap() error { return h.err }

// New creates a hint from a string.
func New(msg string) error {
	return &hintErr{err: errors.New(msg)}
}

// Wrap takes an existing error and "promotes" it to a hint.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return &hintErr{err: err}
}

// IsHint checks if any error in the chain behaves like a hint.
func IsHint(err error) bool {
	var h interface{ IsHint() bool }
	return errors.As(err, &h) && h.IsHint()
}

// Is checks if the error is a hint AND matches the target error.
func Is(err, target error) bool {
	return IsHint(err) && errors.Is(err, target)
}

// Ignore returns nil for hints and err otherwise.
func Ignore(err error) error {
	if IsHint(err) {
		return nil
	}
	return err
}
