package cardqueue

import "github.com/policy-lab/polis/internal/domain"

// StackCard is one card of the rendered stack.
type StackCard struct {
	Statement domain.Statement `json:"statement"`
	Index     int              `json:"index"`
	// Rotation in degrees.
	Rotation float64 `json:"rotation"`
}

var rotations = [...]float64{-0.25, 0.25, -0.65, 0.65, -1.0}

// Rotation is the fixed tilt for the card at index. Anything past the table leans 1 degree.
func Rotation(index int) float64 {
	if index >= 0 && index < len(rotations) {
		return rotations[index]
	}
	return 1.0
}
