package repository

import "errors"

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a status update violates the
// allowed lifecycle edges
var ErrInvalidTransition = errors.New("invalid status transition")
