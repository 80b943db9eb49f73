package store

import "errors"

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")
