package pipeline

import (
	"errors"
)

var (
	// ErrStageOutput means a stage's model output could not be parsed into
	// the expected structure after the re-prompt budget was exhausted.
	ErrStageOutput = errors.New("stage output unparseable")

	// ErrValidationExceeded means the retry cap was reached with an
	// unresolved inconsistency. Non-fatal; the report degrades to
	// low confidence.
	ErrValidationExceeded = errors.New("validation retries exceeded")
)
