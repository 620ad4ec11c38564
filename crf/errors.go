package crf

import "errors"

// Error kinds surfaced by the engine. The CLI maps these onto process exit
// codes.
var (
	// ErrParse reports a malformed input or configuration line.
	ErrParse = errors.New("parse error")

	// ErrNumericBreakdown reports a non-finite partition function or
	// gradient norm; the current optimizer step is aborted.
	ErrNumericBreakdown = errors.New("numeric breakdown")

	// ErrCorruptModel reports a size, magic or string-table mismatch when
	// loading a model file.
	ErrCorruptModel = errors.New("corrupt model file")
)
