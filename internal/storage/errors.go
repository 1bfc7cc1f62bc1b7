package storage

import "errors"

var (
	ErrStorageUnavailable = errors.New("storage: state directory unavailable")
	ErrNotInitialized     = errors.New("storage: not initialized")
	ErrNotFound           = errors.New("storage: state not found")
	ErrWriteFailed        = errors.New("storage: write failed")
	ErrReadFailed         = errors.New("storage: read failed")
	ErrInvalidID          = errors.New("storage: invalid state id")
	ErrQuotaExceeded      = errors.New("storage: quota exceeded")
)
