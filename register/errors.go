package register

import "errors"

var (
	// ErrInvalidConfiguration is returned when a parameter is out of range.
	// It is reported before any work is done.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrDegenerateInput is returned when the geometry cannot determine a
	// rigid transform: too few points, collinear points or an
	// ill-conditioned system.
	ErrDegenerateInput = errors.New("degenerate input")

	// ErrNilCloud is returned when a required point cloud is missing.
	ErrNilCloud = errors.New("nil point cloud")
)
