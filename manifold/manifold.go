// Package manifold provides retraction pairs for states living on smooth
// manifolds. A retraction pair maps tangent space vectors onto the manifold
// and back, which is all a manifold filter needs to know about its state
// space. States are stored as plain vectors in an embedding space: unit
// quaternions embed rotations, stacked quaternion, velocity and position
// vectors embed extended poses.
package manifold

// Side selects on which side of the state a group retraction composes
// the tangent space perturbation.
type Side int

const (
	// Right composes the perturbation on the right of the state
	Right Side = iota
	// Left composes the perturbation on the left of the state
	Left
)

// eps bounds rotation angles below which series expansions
// replace the closed form rotation formulas
const eps = 1e-8
