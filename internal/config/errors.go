package config

import "errors"

var (
	// ErrMissingApplicationID is returned when no application id is configured.
	ErrMissingApplicationID = errors.New("application id is required")

	// ErrInvalidEndpoint is returned when the upload endpoint is not an absolute http(s) URL.
	ErrInvalidEndpoint = errors.New("invalid server endpoint")

	// ErrDataPathNotWritable is returned when the data directory cannot be created or written.
	ErrDataPathNotWritable = errors.New("data path is not writable")
)
