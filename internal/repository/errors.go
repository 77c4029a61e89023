package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrConflict indicates a write was based on a stale version of the record.
var ErrConflict = errors.New("repository: version conflict")
