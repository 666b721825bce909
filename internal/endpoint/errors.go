package endpoint

import (
	"errors"
	"fmt"
)

// ErrCancelled is returned by ProduceUtterance when the session context is
// cancelled before an utterance completes. It ends the processing loop but
// is not a failure.
var ErrCancelled = errors.New("endpoint: session cancelled")

// DegenerateBufferError reports a buffer that cannot be normalized because
// it holds no non-zero sample.
type DegenerateBufferError struct {
	Samples int
}

func (e *DegenerateBufferError) Error() string {
	return fmt.Sprintf("endpoint: degenerate buffer (%d samples, all silent)", e.Samples)
}

// MarkerNotFoundError reports a trim marker that does not fall inside the
// collected buffer. Callers fall back to the untrimmed buffer.
type MarkerNotFoundError struct {
	Marker   string
	Position int
	Length   int
}

func (e *MarkerNotFoundError) Error() string {
	return fmt.Sprintf("endpoint: %s marker at %d outside buffer of %d samples", e.Marker, e.Position, e.Length)
}

// IsDegenerate reports whether err is a DegenerateBufferError.
func IsDegenerate(err error) bool {
	var d *DegenerateBufferError
	return errors.As(err, &d)
}
