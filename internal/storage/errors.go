package storage

import "errors"

// ErrNotFound is returned when no credential is stored for the profile.
var ErrNotFound = errors.New("storage: not found")
