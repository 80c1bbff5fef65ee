package repository

import "errors"

// ErrNotFound is returned when the requested row does not exist. Callers
// branch on it to distinguish absence from infrastructure failure.
var ErrNotFound = errors.New("repository: not found")
