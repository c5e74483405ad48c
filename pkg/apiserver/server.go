// Package apiserver 通过 HTTP 暴露 registry：list、watch 以及对象的增删改查。
package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/klog/v2"

	metav1 "github.com/fx147/ecsm-mirror/pkg/apis/meta/v1"
	"github.com/fx147/ecsm-mirror/pkg/codec"
	"github.com/fx147/ecsm-mirror/pkg/metrics"
	"github.com/fx147/ecsm-mirror/pkg/registry"
)

// maxBodyBytes 限制单个请求体的大小
const maxBodyBytes = 4 << 20

type Options struct {
	Codec *codec.Codec
	// Token 非空时，/api 下的请求必须携带 "Authorization: Bearer <Token>"
	Token string
	// Metrics 非空时在 /metrics 暴露
	Metrics *prometheus.Registry
}

type Server struct {
	Registry registry.Interface
	Router   *chi.Mux

	codec   *codec.Codec
	token   string
	metrics *prometheus.Registry
}

func NewServer(reg registry.Interface, opts Options) *Server {
	if opts.Codec == nil {
		opts.Codec = codec.Default
	}
	s := &Server{
		Registry: reg,
		Router:   chi.NewRouter(),
		codec:    opts.Codec,
		token:    opts.Token,
		metrics:  opts.Metrics,
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.Router.Use(middleware.RequestID)
	s.Router.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: klogPrinter{}, NoColor: true}))
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(render.SetContentType(render.ContentTypeJSON))
	s.Router.Use(s.prometheusMiddleware)

	s.Router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	if s.metrics != nil {
		s.Router.Handle("/metrics", metrics.Handler(s.metrics))
	}

	s.Router.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		// e.g. /api/v1/ECSMService
		r.Route("/api/v1/{kind}", func(r chi.Router) {
			r.Get("/", s.handleList)
			r.Post("/", s.handleCreate)

			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", s.handleGet)
				r.Put("/", s.handleUpdate)
				r.Delete("/", s.handleDelete)
			})
		})
	})
}

// Run 在 addr 上提供服务，直到 ctx 结束。
// ctx 也是所有请求的父 context，结束时正在进行的 watch 流会随之关闭。
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		klog.Infof("API server listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	q := r.URL.Query()
	opts, err := parseListOptions(q)
	if err != nil {
		render.Render(w, r, errorResponse(err))
		return
	}
	if q.Get("watch") == "true" || q.Get("watch") == "1" {
		s.serveWatch(w, r, kind, q.Get("namespace"), opts)
		return
	}

	list, err := s.Registry.List(r.Context(), kind, q.Get("namespace"), opts)
	if err != nil {
		render.Render(w, r, errorResponse(err))
		return
	}
	out := metav1.ObjectList{
		ListMeta: metav1.ListMeta{ResourceVersion: list.ResourceVersion},
		Items:    make([]json.RawMessage, 0, len(list.Items)),
	}
	for _, obj := range list.Items {
		raw, err := s.codec.Encode(obj)
		if err != nil {
			render.Render(w, r, errorResponse(err))
			return
		}
		out.Items = append(out.Items, raw)
	}
	render.Render(w, r, okResponse(http.StatusOK, out))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	obj, err := s.Registry.Get(r.Context(), chi.URLParam(r, "kind"), r.URL.Query().Get("namespace"), chi.URLParam(r, "name"))
	if err != nil {
		render.Render(w, r, errorResponse(err))
		return
	}
	render.Render(w, r, okResponse(http.StatusOK, obj))
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	obj, err := s.decodeBody(w, r, "")
	if err != nil {
		render.Render(w, r, errorResponse(err))
		return
	}
	created, err := s.Registry.Create(r.Context(), obj)
	if err != nil {
		render.Render(w, r, errorResponse(err))
		return
	}
	render.Render(w, r, okResponse(http.StatusCreated, created))
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	obj, err := s.decodeBody(w, r, chi.URLParam(r, "name"))
	if err != nil {
		render.Render(w, r, errorResponse(err))
		return
	}
	updated, err := s.Registry.Update(r.Context(), obj)
	if err != nil {
		render.Render(w, r, errorResponse(err))
		return
	}
	render.Render(w, r, okResponse(http.StatusOK, updated))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	obj, err := s.Registry.Delete(r.Context(), chi.URLParam(r, "kind"), r.URL.Query().Get("namespace"), chi.URLParam(r, "name"))
	if err != nil {
		render.Render(w, r, errorResponse(err))
		return
	}
	render.Render(w, r, okResponse(http.StatusOK, obj))
}

// decodeBody 解码请求体，并检查它与 URL 中的 kind、name 和 namespace 一致。
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, name string) (metav1.Object, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, apierrors.NewBadRequest(fmt.Sprintf("failed to read body: %v", err))
	}
	obj, err := s.codec.Decode(data)
	if err != nil {
		return nil, apierrors.NewBadRequest(err.Error())
	}

	kind := chi.URLParam(r, "kind")
	if got := obj.GetObjectKind().GroupVersionKind().Kind; got != kind {
		return nil, apierrors.NewBadRequest(fmt.Sprintf("object kind %q does not match %q in the URL", got, kind))
	}
	meta := obj.GetObjectMeta()
	if name != "" && meta.Name != name {
		return nil, apierrors.NewBadRequest(fmt.Sprintf("object name %q does not match %q in the URL", meta.Name, name))
	}
	if ns := r.URL.Query().Get("namespace"); ns != "" {
		switch meta.Namespace {
		case "":
			meta.Namespace = ns
		case ns:
		default:
			return nil, apierrors.NewBadRequest(fmt.Sprintf("object namespace %q does not match %q in the URL", meta.Namespace, ns))
		}
	}
	return obj, nil
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token != s.token {
			render.Render(w, r, errorResponse(apierrors.NewUnauthorized("a valid bearer token is required")))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) prometheusMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		// 用路由模板作为 path，避免对象名带来的高基数
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, fmt.Sprintf("%d", ww.Status())).Inc()
		if r.URL.Query().Get("watch") == "" {
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		}
	})
}

// klogPrinter 把 chi 的请求日志转给 klog。
type klogPrinter struct{}

func (klogPrinter) Print(v ...interface{}) {
	klog.V(4).Info(v...)
}
