package basis

import (
	"fmt"
)

// NotFittedError is returned when a transform or report method is
// called on an engine whose Fit has not completed.
type NotFittedError struct {
	Op string
}

func (e NotFittedError) Error() string {
	return fmt.Sprintf("%s called before Fit", e.Op)
}

// DimensionError is returned when an input block's feature count
// disagrees with the feature dimension of the run.
type DimensionError struct {
	Expected int
	Got      int
}

func (e DimensionError) Error() string {
	return fmt.Sprintf("feature count mismatch: expected %d columns but got %d", e.Expected, e.Got)
}

// ValidationError is returned for invalid construction or fit inputs,
// such as an empty partition list or a negative component count.
type ValidationError struct {
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid input: %s", e.Reason)
}
