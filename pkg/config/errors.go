package config

import (
	"fmt"
	"strings"
)

// BlockError is one error attributed to a specific source location inside
// one block. Per spec.md's parser error policy, errors accumulate within
// a block rather than aborting the parse at the first mistake.
type BlockError struct {
	File string
	Line int
	Msg  string
}

func (e BlockError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Msg)
}

// ErrorList collects every BlockError seen across an entire parse,
// including nested includes. A non-empty ErrorList is itself a non-nil
// error; ParseFile returns it alongside whatever registry could still be
// built, so callers can report every defect in one pass instead of
// fixing-and-rerunning one error at a time.
type ErrorList struct {
	Errors []BlockError
}

func (e *ErrorList) add(file string, line int, format string, args ...interface{}) {
	e.Errors = append(e.Errors, BlockError{File: file, Line: line, Msg: fmt.Sprintf(format, args...)})
}

func (e *ErrorList) Error() string {
	lines := make([]string, len(e.Errors))
	for i, be := range e.Errors {
		lines[i] = be.Error()
	}
	return strings.Join(lines, "\n")
}

// HasErrors reports whether any error has been recorded.
func (e *ErrorList) HasErrors() bool { return len(e.Errors) > 0 }

// AsError returns e itself as an error if it has content, or nil.
func (e *ErrorList) AsError() error {
	if e.HasErrors() {
		return e
	}
	return nil
}
