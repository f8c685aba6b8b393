package apperr

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrAlreadyExists      = errors.New("already exists")
	ErrDuplicateKey       = errors.New("duplicate identity key")
	ErrReassignmentNeeded = errors.New("primary file reassignment needed")
	ErrSyncInProgress     = errors.New("sync already in progress")
)
