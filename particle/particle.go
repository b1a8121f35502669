package particle

import (
	"github.com/pipigenius/ukfm"
	"gonum.org/v1/gonum/mat"
)

// Particle is a particle filter
type Particle interface {
	// ukfm.Filter is dynamical system filter
	ukfm.Filter
	// Weights returns particle weights
	Weights() mat.Vector
}
