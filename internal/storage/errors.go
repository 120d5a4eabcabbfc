package storage

import "errors"

var (
	// ErrDuplicate is returned when attempting to create a resource that already exists.
	ErrDuplicate = errors.New("resource already exists")

	// ErrNotFound is returned when a resource is not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidKey is returned when a metric key is missing its ping or identity.
	ErrInvalidKey = errors.New("metric key needs a ping and an identity")
)
