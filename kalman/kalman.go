package kalman

import (
	"github.com/pipigenius/ukfm"
	"gonum.org/v1/gonum/mat"
)

// Kalman is a Kalman filter on a manifold
type Kalman interface {
	// ukfm.Filter is a manifold state filter
	ukfm.Filter
	// Gain returns Kalman filter gain
	Gain() mat.Matrix
}
