package llm

import "errors"

var (
	// ErrModelUnavailable indicates no generation backend is configured or
	// reachable. Callers degrade to a static reply rather than failing the
	// turn.
	ErrModelUnavailable = errors.New("model unavailable")

	// ErrMalformedOutput indicates the model reply could not be parsed into
	// the expected structured shape.
	ErrMalformedOutput = errors.New("malformed structured output")
)
