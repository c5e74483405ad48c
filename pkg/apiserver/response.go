package apiserver

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/render"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	k8smetav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/fx147/ecsm-mirror/pkg/watch"
)

// Response 是所有非 watch 接口的响应信封。
// Status 与 HTTP 状态码一致，失败时 Reason 给出 apimachinery 的 StatusReason。
type Response struct {
	Status      int                    `json:"status"`
	Message     string                 `json:"message,omitempty"`
	Reason      k8smetav1.StatusReason `json:"reason,omitempty"`
	Data        interface{}            `json:"data,omitempty"`
	FieldErrors string                 `json:"fieldErrors,omitempty"`
}

func (e *Response) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.Status)
	return nil
}

func okResponse(code int, data interface{}) render.Renderer {
	return &Response{Status: code, Message: "success", Data: data}
}

// errorResponse 把错误转换成响应信封。不是 StatusError 的错误按 500 处理。
func errorResponse(err error) render.Renderer {
	st := toStatus(err, apierrors.NewInternalError)
	resp := &Response{
		Status:  int(st.Code),
		Message: st.Message,
		Reason:  st.Reason,
	}
	if resp.Status == 0 {
		resp.Status = http.StatusInternalServerError
	}
	if st.Details != nil {
		var causes []string
		for _, c := range st.Details.Causes {
			causes = append(causes, fmt.Sprintf("%s: %s", c.Field, c.Message))
		}
		resp.FieldErrors = strings.Join(causes, "; ")
	}
	return resp
}

// toStatus 取出 err 中的 apimachinery Status；没有时用 fallback 包装。
func toStatus(err error, fallback func(error) *apierrors.StatusError) k8smetav1.Status {
	var status apierrors.APIStatus
	if errors.As(err, &status) {
		return status.Status()
	}
	return fallback(err).Status()
}

// eventStatus 是 watch 流中 ERROR 事件携带的 Status。
// 客户端靠 Reason 还原错误分类，所以这里按 watch.Classify 的结果选择 Reason。
func eventStatus(err error) *k8smetav1.Status {
	if err == nil {
		err = errors.New("unknown watch error")
	}
	st := toStatus(err, func(err error) *apierrors.StatusError {
		switch watch.Classify(err) {
		case watch.Expired:
			return apierrors.NewResourceExpired(err.Error())
		case watch.Permanent:
			return apierrors.NewBadRequest(err.Error())
		default:
			return apierrors.NewServiceUnavailable(err.Error())
		}
	})
	return &st
}

func parseListOptions(q url.Values) (watch.ListOptions, error) {
	opts := watch.ListOptions{
		LabelSelector:   q.Get("labelSelector"),
		FieldSelector:   q.Get("fieldSelector"),
		ResourceVersion: q.Get("resourceVersion"),
	}
	if v := q.Get("timeoutSeconds"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return opts, apierrors.NewBadRequest(fmt.Sprintf("invalid timeoutSeconds %q", v))
		}
		opts.TimeoutSeconds = n
	}
	if v := q.Get("allowBookmarks"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return opts, apierrors.NewBadRequest(fmt.Sprintf("invalid allowBookmarks %q", v))
		}
		opts.AllowBookmarks = b
	}
	return opts, nil
}
