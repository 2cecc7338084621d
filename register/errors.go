package register

import "errors"

var (
	// ErrUnimplemented is returned by operations a fragment type does not support.
	ErrUnimplemented = errors.New("register: not implemented")
	// ErrDimension is returned when a vector or list does not match the engine layout.
	ErrDimension = errors.New("register: dimension mismatch")
)
