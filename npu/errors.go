package npu

import "errors"

var (
	// ErrNotInitialized is returned when a call requires the NPU shared
	// library but InitializeEnvironment has not been called (or failed).
	ErrNotInitialized = errors.New("NPU library not initialized")

	// ErrOwnershipMismatch is returned when an operation combines tensors
	// that were created by different factories. It is detected host-side,
	// before anything crosses the foreign boundary.
	ErrOwnershipMismatch = errors.New("tensors must be created by the same factory")

	// ErrUnsupportedDtype is returned when the backend reports a type code
	// that has no host-side mapping.
	ErrUnsupportedDtype = errors.New("unsupported dtype")

	// ErrUnknownOperation is returned when an operation name has no entry in
	// the supported-operation registry.
	ErrUnknownOperation = errors.New("unknown operation")
)
