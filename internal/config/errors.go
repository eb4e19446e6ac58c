package config

import "errors"

// ErrNotFound is returned when a requested resource does not exist in the store.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert collides with a unique column.
var ErrDuplicate = errors.New("already exists")
