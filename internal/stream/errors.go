// 本文件用于定义流式问答的错误分类
package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind 错误类型，调用方据此给出不同提示
type ErrorKind string

const (
	KindTransport        ErrorKind = "transport"
	KindTimeout          ErrorKind = "timeout"
	KindAuth             ErrorKind = "auth"
	KindRemote           ErrorKind = "remote"
	KindRetriesExhausted ErrorKind = "retries_exhausted"
	KindInvalidState     ErrorKind = "invalid_state"
)

var (
	ErrRetriesExhausted  = errors.New("重试次数已用尽")
	ErrInvalidTransition = errors.New("非法的状态迁移")
	ErrNoRequest         = errors.New("没有可重试的请求")
	ErrEmptyRequest      = errors.New("提问内容与出生信息不能同时为空")
	ErrMalformedStatus   = errors.New("轮询状态无法解析")
	ErrIdleTimeout       = errors.New("等待数据超时")
)

// authErrorCodes 远端表示令牌无效或过期的业务码
var authErrorCodes = map[int]bool{
	4100:      true,
	4101:      true,
	700012006: true,
}

// IsAuthCode 判断远端业务码是否为鉴权失败
func IsAuthCode(code int) bool {
	return authErrorCodes[code]
}

// StreamError 流式问答的错误
type StreamError struct {
	Kind       ErrorKind
	Op         string
	StatusCode int
	Code       int
	Err        error
}

func (e *StreamError) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Code != 0 {
		msg += fmt.Sprintf(" (code=%d)", e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// Retryable 传输、超时和远端错误可以重试
func (e *StreamError) Retryable() bool {
	switch e.Kind {
	case KindTransport, KindTimeout, KindRemote:
		return true
	}
	return false
}

// NewError 构造带分类的错误
func NewError(kind ErrorKind, op string, err error) *StreamError {
	return &StreamError{Kind: kind, Op: op, Err: err}
}

// KindOf 取出错误分类，非 StreamError 视为传输错误
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var se *StreamError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindTransport
}

// IsTimeout 是否超时错误
func IsTimeout(err error) bool {
	return err != nil && KindOf(err) == KindTimeout
}

// IsAuth 是否鉴权错误
func IsAuth(err error) bool {
	return err != nil && KindOf(err) == KindAuth
}

// IsRetryable 是否值得重试
func IsRetryable(err error) bool {
	var se *StreamError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return err != nil
}

// classifyError 把底层错误归类为 StreamError
func classifyError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StreamError
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &StreamError{Kind: KindTimeout, Op: op, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &StreamError{Kind: KindTimeout, Op: op, Err: err}
	}
	return &StreamError{Kind: KindTransport, Op: op, Err: err}
}
