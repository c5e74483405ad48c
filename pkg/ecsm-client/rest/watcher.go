package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/klog/v2"

	metav1 "github.com/fx147/ecsm-mirror/pkg/apis/meta/v1"
	"github.com/fx147/ecsm-mirror/pkg/codec"
	"github.com/fx147/ecsm-mirror/pkg/watch"
)

// streamWatcher 解码 API server 返回的 watch 流，每行一个 metav1.WatchEvent。
type streamWatcher struct {
	ctx   context.Context
	body  io.ReadCloser
	codec *codec.Codec

	result   chan watch.Event
	stopCh   chan struct{}
	stopOnce sync.Once
}

var _ watch.Interface = &streamWatcher{}

func newStreamWatcher(ctx context.Context, body io.ReadCloser, c *codec.Codec) *streamWatcher {
	w := &streamWatcher{
		ctx:    ctx,
		body:   body,
		codec:  c,
		result: make(chan watch.Event),
		stopCh: make(chan struct{}),
	}
	go w.receive()
	return w
}

// Stop 关闭连接。正在阻塞的读会立即返回。
func (w *streamWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.body.Close()
	})
}

func (w *streamWatcher) ResultChan() <-chan watch.Event {
	return w.result
}

func (w *streamWatcher) stopping() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return w.ctx.Err() != nil
	}
}

func (w *streamWatcher) receive() {
	defer close(w.result)
	defer w.Stop()

	dec := json.NewDecoder(w.body)
	for {
		var frame metav1.WatchEvent
		if err := dec.Decode(&frame); err != nil {
			if w.stopping() {
				return
			}
			if errors.Is(err, io.EOF) {
				// 服务端正常结束了这次 watch
				klog.V(4).Info("Watch stream ended by server")
				return
			}
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				err = &watch.DecodeError{Err: err}
			}
			w.send(watch.Event{Type: watch.Error, Err: err})
			return
		}

		ev, err := w.decode(frame)
		if err != nil {
			// 单个事件无法解码时流的位置已经不可信，报告后结束这次 watch
			w.send(watch.Event{Type: watch.Error, Err: &watch.DecodeError{Err: err}})
			return
		}
		if !w.send(ev) {
			return
		}
		if ev.Type == watch.Error {
			return
		}
	}
}

func (w *streamWatcher) decode(frame metav1.WatchEvent) (watch.Event, error) {
	typ := watch.EventType(frame.Type)
	switch typ {
	case watch.Error:
		if frame.Status == nil {
			return watch.Event{}, fmt.Errorf("error event without status")
		}
		return watch.Event{Type: typ, Err: &apierrors.StatusError{ErrStatus: *frame.Status}}, nil
	case watch.Bookmark:
		if frame.ResourceVersion == "" {
			return watch.Event{}, fmt.Errorf("bookmark without resourceVersion")
		}
		return watch.Event{Type: typ, ResourceVersion: frame.ResourceVersion}, nil
	case watch.Added, watch.Modified, watch.Deleted:
		obj, err := w.codec.Decode(frame.Object)
		if err != nil {
			return watch.Event{}, err
		}
		return watch.Event{Type: typ, Object: obj, ResourceVersion: frame.ResourceVersion}, nil
	default:
		return watch.Event{}, fmt.Errorf("unknown event type %q", frame.Type)
	}
}

func (w *streamWatcher) send(ev watch.Event) bool {
	select {
	case w.result <- ev:
		return true
	case <-w.stopCh:
		return false
	case <-w.ctx.Done():
		return false
	}
}
