package tensor

import "fmt"

// ShapeError reports operands whose dimensions do not fit together: mismatched
// head or sequence sizes, non-divisible head counts, shapes that do not
// broadcast.
type ShapeError struct {
	Op  string
	Msg string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: shape mismatch: %s", e.Op, e.Msg)
}

// NewShapeError returns a *ShapeError for op with a formatted message.
func NewShapeError(op, format string, args ...any) error {
	return &ShapeError{Op: op, Msg: fmt.Sprintf(format, args...)}
}

// IndexError reports an index or position outside [0, Len).
type IndexError struct {
	Op    string
	Index int
	Len   int
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("%s: index %d out of range [0, %d)", e.Op, e.Index, e.Len)
}
