package rest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	k8smetav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// response 是用于解码所有 API 调用的通用响应体结构。
type response struct {
	Status      int                    `json:"status"`
	Message     string                 `json:"message"`
	Reason      k8smetav1.StatusReason `json:"reason"`
	Data        json.RawMessage        `json:"data"` // 使用 json.RawMessage 来延迟解码 data 部分
	FieldErrors string                 `json:"fieldErrors"`
}

// newStatusError 把失败的响应转换成 apimachinery 的 StatusError，
// 调用方因此可以直接使用 apierrors.IsNotFound 之类的判断，reflector 也靠它对错误分类。
func newStatusError(code int, resp *response) error {
	message := resp.Message
	if resp.FieldErrors != "" {
		message = fmt.Sprintf("%s (field: %s)", message, resp.FieldErrors)
	}
	if message == "" {
		message = http.StatusText(code)
	}
	reason := resp.Reason
	if reason == "" {
		reason = reasonForCode(code)
	}
	status := k8smetav1.Status{
		Status:  k8smetav1.StatusFailure,
		Code:    int32(code),
		Reason:  reason,
		Message: message,
	}
	if resp.FieldErrors != "" {
		status.Details = &k8smetav1.StatusDetails{}
		for _, fe := range strings.Split(resp.FieldErrors, "; ") {
			field, msg, _ := strings.Cut(fe, ": ")
			status.Details.Causes = append(status.Details.Causes, k8smetav1.StatusCause{
				Type:    k8smetav1.CauseTypeFieldValueInvalid,
				Field:   field,
				Message: msg,
			})
		}
	}
	return &apierrors.StatusError{ErrStatus: status}
}

// reasonForCode 用于服务端没有给出 reason 的情况，比如中间的代理直接返回的错误。
func reasonForCode(code int) k8smetav1.StatusReason {
	switch code {
	case http.StatusBadRequest:
		return k8smetav1.StatusReasonBadRequest
	case http.StatusUnauthorized:
		return k8smetav1.StatusReasonUnauthorized
	case http.StatusForbidden:
		return k8smetav1.StatusReasonForbidden
	case http.StatusNotFound:
		return k8smetav1.StatusReasonNotFound
	case http.StatusMethodNotAllowed:
		return k8smetav1.StatusReasonMethodNotAllowed
	case http.StatusConflict:
		return k8smetav1.StatusReasonConflict
	case http.StatusGone:
		return k8smetav1.StatusReasonExpired
	case http.StatusUnprocessableEntity:
		return k8smetav1.StatusReasonInvalid
	case http.StatusTooManyRequests:
		return k8smetav1.StatusReasonTooManyRequests
	case http.StatusInternalServerError:
		return k8smetav1.StatusReasonInternalError
	case http.StatusServiceUnavailable:
		return k8smetav1.StatusReasonServiceUnavailable
	case http.StatusGatewayTimeout:
		return k8smetav1.StatusReasonTimeout
	default:
		return k8smetav1.StatusReasonUnknown
	}
}
