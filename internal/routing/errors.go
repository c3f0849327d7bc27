package routing

import "errors"

// 校验类错误：在持久化之前拒绝，直接报告给调用方，不重试。
var (
	ErrEmptyText          = errors.New("message cannot be empty")
	ErrTextTooLong        = errors.New("message too long")
	ErrInvalidSender      = errors.New("invalid sender")
	ErrInvalidDestination = errors.New("invalid destination")
)

// ValidationError wraps a rejection that happened before persistence.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

// StorageError wraps a persistence failure. Nothing was delivered.
type StorageError struct {
	Err error
}

func (e *StorageError) Error() string { return "storage: " + e.Err.Error() }
func (e *StorageError) Unwrap() error { return e.Err }

func invalid(err error) error { return &ValidationError{Err: err} }

// IsValidation reports whether err was a pre-persistence rejection.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsStorage reports whether err was a persistence failure.
func IsStorage(err error) bool {
	var s *StorageError
	return errors.As(err, &s)
}
