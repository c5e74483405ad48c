package apiserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/render"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/klog/v2"

	metav1 "github.com/fx147/ecsm-mirror/pkg/apis/meta/v1"
	"github.com/fx147/ecsm-mirror/pkg/watch"
)

// serveWatch 把 registry 的 watch 流以每行一个 JSON 事件的形式写给客户端。
// 流因超时或服务端关闭而结束时直接结束响应，客户端读到 EOF 后自行恢复。
func (s *Server) serveWatch(w http.ResponseWriter, r *http.Request, kind, namespace string, opts watch.ListOptions) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		render.Render(w, r, errorResponse(apierrors.NewInternalError(errors.New("streaming unsupported"))))
		return
	}

	wi, err := s.Registry.Watch(r.Context(), kind, namespace, opts)
	if err != nil {
		render.Render(w, r, errorResponse(err))
		return
	}
	defer wi.Stop()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Transfer-Encoding", "chunked")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	klog.V(3).InfoS("Watch stream opened", "kind", kind, "namespace", namespace, "resourceVersion", opts.ResourceVersion)
	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-wi.ResultChan():
			if !ok {
				klog.V(3).InfoS("Watch stream closed", "kind", kind, "namespace", namespace)
				return
			}
			frame, err := s.encodeEvent(ev)
			if err != nil {
				klog.ErrorS(err, "Failed to encode watch event", "kind", kind, "event", ev.String())
				return
			}
			if err := enc.Encode(frame); err != nil {
				klog.V(3).InfoS("Watch client went away", "kind", kind, "err", err)
				return
			}
			flusher.Flush()
			if ev.Type == watch.Error {
				return
			}
		}
	}
}

func (s *Server) encodeEvent(ev watch.Event) (*metav1.WatchEvent, error) {
	out := &metav1.WatchEvent{
		Type:            string(ev.Type),
		ResourceVersion: ev.Marker(),
	}
	if ev.Object != nil {
		raw, err := s.codec.Encode(ev.Object)
		if err != nil {
			return nil, err
		}
		out.Object = raw
	}
	if ev.Type == watch.Error {
		out.Status = eventStatus(ev.Err)
	}
	return out, nil
}
