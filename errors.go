package ukfm

import "errors"

var (
	// ErrNumericalInstability is returned when a filter covariance stops
	// being usable: its Cholesky factorization fails or the innovation
	// covariance can not be inverted. Filters fail fast instead of
	// patching up covariances, so the error surfaces on the operation
	// which detected it and the filter state is left unchanged.
	ErrNumericalInstability = errors.New("numerical instability")

	// ErrConfiguration is returned when filter construction or one of its
	// inputs does not add up: mismatched model, manifold, noise or
	// measurement dimensions and invalid tuning parameters.
	ErrConfiguration = errors.New("invalid configuration")
)
