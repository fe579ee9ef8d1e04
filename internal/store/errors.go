package store

import "errors"

var (
	// ErrAlreadyExists is returned by Create when a page with the same name
	// already lives in the target partition.
	ErrAlreadyExists = errors.New("page already exists")
	// ErrInvalidType is returned for an unknown page type.
	ErrInvalidType = errors.New("invalid page type")
	// ErrInvalidName is returned for names that cannot be used as link targets.
	ErrInvalidName = errors.New("invalid page name")
)
