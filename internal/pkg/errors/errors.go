package errors

import "errors"

var (
	// ErrNotFound is a generic sentinel for missing resources.
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument is a generic sentinel for invalid input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNoEmail marks a source record with no usable email. Such records
	// are dropped and counted, never given a synthetic identity.
	ErrNoEmail = errors.New("record has no usable email")
	// ErrMalformedRecord marks a source record that failed normalization.
	// The record is skipped and counted; the run continues.
	ErrMalformedRecord = errors.New("malformed source record")
	// ErrMissingCredentials is fatal at adapter startup.
	ErrMissingCredentials = errors.New("missing source credentials")
)
