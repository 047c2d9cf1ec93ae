package model

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind 错误类别
type Kind string

const (
	KindMissingInput Kind = "missing_input"
	KindPreprocess   Kind = "preprocess"
	KindInference    Kind = "inference"
	KindExport       Kind = "export"
	KindResource     Kind = "resource"
)

// MsgNoImage 缺少 image 字段时返回给调用方的固定消息
const MsgNoImage = "No image file provided"

// Error 带类别的流水线错误
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError 为 err 标记类别，err 已是 *Error 时保持原样
func NewError(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf 以格式化消息创建带类别的错误
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf 返回错误链中第一个 *Error 的类别，未标记时返回空串
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// HTTPStatus 将错误映射为 HTTP 状态码，只有缺少输入是 400
func HTTPStatus(err error) int {
	if KindOf(err) == KindMissingInput {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
