package watch

import (
	"errors"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// ErrorClass 决定 reflector 在 list/watch 失败后走哪条恢复路径。
type ErrorClass int

const (
	// Transient 退避后从当前 resourceVersion 重新 watch。
	Transient ErrorClass = iota
	// Expired 数据源已无法从当前 resourceVersion 恢复，需要全量 re-list。
	Expired
	// Permanent 终止 reflector，不再重试。
	Permanent
)

func (c ErrorClass) String() string {
	switch c {
	case Transient:
		return "Transient"
	case Expired:
		return "Expired"
	case Permanent:
		return "Permanent"
	default:
		return fmt.Sprintf("ErrorClass(%d)", int(c))
	}
}

// TransportError 是带有显式分类的传输层错误。
type TransportError struct {
	Class ErrorClass
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport error: %v", e.Class, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func NewTransientError(err error) error {
	return &TransportError{Class: Transient, Err: err}
}

func NewExpiredError(err error) error {
	return &TransportError{Class: Expired, Err: err}
}

func NewPermanentError(err error) error {
	return &TransportError{Class: Permanent, Err: err}
}

// DecodeError 表示 watch 流中出现了无法解码的事件，按 Transient 处理。
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode watch event: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ErrWatchClosed 表示对端正常关闭了 watch 流。
var ErrWatchClosed = errors.New("watch stream closed")

// Classify 把任意 list/watch 错误映射到三种恢复路径之一。
// 无法识别的错误按 Transient 处理：无限重试好过悄悄停止同步。
func Classify(err error) ErrorClass {
	if err == nil {
		return Transient
	}

	var te *TransportError
	if errors.As(err, &te) {
		return te.Class
	}
	var de *DecodeError
	if errors.As(err, &de) {
		return Transient
	}

	switch {
	case apierrors.IsResourceExpired(err), apierrors.IsGone(err):
		return Expired
	case apierrors.IsUnauthorized(err),
		apierrors.IsForbidden(err),
		apierrors.IsNotFound(err),
		apierrors.IsBadRequest(err),
		apierrors.IsMethodNotSupported(err),
		apierrors.IsInvalid(err):
		return Permanent
	case apierrors.IsTimeout(err),
		apierrors.IsServerTimeout(err),
		apierrors.IsTooManyRequests(err),
		apierrors.IsServiceUnavailable(err),
		apierrors.IsInternalError(err):
		return Transient
	}

	// 其余错误（连接断开、超时等）都可以重试
	return Transient
}
