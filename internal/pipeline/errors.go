package pipeline

import (
	"errors"
	"fmt"

	"github.com/e7canasta/orion-capture-display/internal/display"
	"github.com/e7canasta/orion-capture-display/internal/drm"
)

// Category classifies pipeline errors for the run loop and for telemetry.
type Category int

const (
	// CategoryFatalSetup is a failure before streaming; the run cannot start.
	CategoryFatalSetup Category = iota
	// CategoryBackendDecline means a display backend was not selected.
	CategoryBackendDecline
	// CategoryTransientPresent is a failed post; the next frame may succeed.
	CategoryTransientPresent
	// CategoryTimeout is a bounded wait that expired, such as a page flip.
	CategoryTimeout
	// CategoryUnknown is anything else. The run loop treats it as fatal.
	CategoryUnknown
)

func (c Category) String() string {
	switch c {
	case CategoryFatalSetup:
		return "fatal-setup"
	case CategoryBackendDecline:
		return "backend-decline"
	case CategoryTransientPresent:
		return "transient-present"
	case CategoryTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is a categorized pipeline failure.
type Error struct {
	Category Category
	Op       string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("pipeline %s (%s): %v", e.Op, e.Category, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(c Category, op string, err error) *Error {
	return &Error{Category: c, Op: op, Err: err}
}

// Classify maps err to a category. An *Error keeps its own category;
// other errors are classified by the sentinels they wrap. A flip timeout is
// a Timeout even when it is reported as a presentation failure.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	var pe *Error
	if errors.As(err, &pe) {
		return pe.Category
	}

	switch {
	case errors.Is(err, display.ErrDecline), errors.Is(err, display.ErrNoBackend):
		return CategoryBackendDecline
	case errors.Is(err, drm.ErrFlipTimeout):
		return CategoryTimeout
	case errors.Is(err, display.ErrPresentFailed):
		return CategoryTransientPresent
	default:
		return CategoryUnknown
	}
}

// Recoverable reports whether the run loop continues after err.
func Recoverable(err error) bool {
	switch Classify(err) {
	case CategoryTransientPresent, CategoryTimeout:
		return true
	default:
		return false
	}
}
