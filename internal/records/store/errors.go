package store

import "docket/pkg/platform/sentinel"

var (
	// ErrNotFound is returned when no record (or no attachment) matches.
	ErrNotFound = sentinel.ErrNotFound
	// ErrDuplicateID is returned by Create when the id is already taken.
	ErrDuplicateID = sentinel.ErrAlreadyUsed
)
