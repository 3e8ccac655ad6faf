package device

import "fmt"

// ShapeError describes an operation that received tensors of incompatible
// dimensions. Kernels panic with a *ShapeError.
type ShapeError struct {
	Op       string
	Expected [2]int
	Actual   [2]int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: dimension mismatch: expected %dx%d, got %dx%d",
		e.Op, e.Expected[0], e.Expected[1], e.Actual[0], e.Actual[1])
}

func shapePanic(op string, er, ec, ar, ac int) {
	panic(&ShapeError{Op: op, Expected: [2]int{er, ec}, Actual: [2]int{ar, ac}})
}

func mustMatch(op string, a, b Tensor) {
	ar, ac := a.Dims()
	br, bc := b.Dims()
	if ar != br || ac != bc {
		shapePanic(op, ar, ac, br, bc)
	}
}

func mustGroup(op string, rows, cols, group int) {
	if group <= 0 || rows%group != 0 {
		shapePanic(op, group, cols, rows, cols)
	}
}
