package service

import (
	"errors"

	"relaychat/internal/routing"
)

// 业务层错误统一包装为 routing 的错误类型，handler 据此映射 HTTP 状态码：
// ValidationError → 400，StorageError → 500。
var (
	ErrInvalidRequester = errors.New("invalid requester")
	ErrInvalidPage      = errors.New("invalid page")
)

func invalid(err error) error { return &routing.ValidationError{Err: err} }
