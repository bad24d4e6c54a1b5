package anonymizer

import (
	"errors"
	"fmt"
)

// Failure classes. Callers match them with errors.Is.
var (
	// ErrDetection means the entity detector failed; the unit's content
	// must not be emitted as anonymized.
	ErrDetection = errors.New("entity detection failed")

	// ErrUnsupportedContainer means a unit has no text layer this package
	// can map (scanned PDF pages, composite fonts, unknown formats).
	ErrUnsupportedContainer = errors.New("unsupported container")

	// ErrMalformedInput means the bytes could not be parsed as the claimed format.
	ErrMalformedInput = errors.New("malformed input")
)

// Warning records a recovered problem with one unit of a container: a PDF
// page or a DOCX part that was left unmodified.
type Warning struct {
	Unit string
	Err  error
}

func (w Warning) Error() string { return fmt.Sprintf("%s: %v", w.Unit, w.Err) }

func (w Warning) Unwrap() error { return w.Err }
