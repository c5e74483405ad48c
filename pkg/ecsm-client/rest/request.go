// file: pkg/ecsm-client/rest/request.go

package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"

	"k8s.io/klog/v2"

	"github.com/fx147/ecsm-mirror/pkg/watch"
)

// Request 允许以链式方式构建请求。
type Request struct {
	c          *RESTClient
	verb       string
	resource   string
	resourceID string
	body       interface{}
	err        error
	params     url.Values
}

func NewRequest(c *RESTClient) *Request {
	return &Request{
		c: c,
	}
}

// Verb 指定 HTTP 方法 (e.g., "GET", "POST")。
func (r *Request) Verb(verb string) *Request {
	r.verb = verb
	return r
}

// Resource 指定要操作的资源，也就是对象的 kind (e.g., "ECSMService")。
func (r *Request) Resource(resource string) *Request {
	if r.err != nil {
		return r
	}
	r.resource = resource
	return r
}

// Namespace 限定请求的 namespace，为空表示不限定。
func (r *Request) Namespace(namespace string) *Request {
	if r.err != nil || namespace == "" {
		return r
	}
	return r.Param("namespace", namespace)
}

// Name 指定要操作的资源的具体名称。
func (r *Request) Name(name string) *Request {
	if r.err != nil {
		return r
	}
	if len(name) == 0 {
		r.err = fmt.Errorf("resource name may not be empty")
		return r
	}
	if len(r.resourceID) != 0 {
		r.err = fmt.Errorf("resource name already set to %q, cannot change to %q", r.resourceID, name)
		return r
	}
	r.resourceID = name
	return r
}

// Body 设置请求体。传入的 obj 会被序列化为 JSON。
func (r *Request) Body(obj interface{}) *Request {
	if r.err != nil {
		return r
	}
	r.body = obj
	return r
}

// Param 向请求添加一个 URL Query 参数。
func (r *Request) Param(key, value string) *Request {
	if r.err != nil {
		return r
	}
	if r.params == nil {
		r.params = make(url.Values)
	}
	r.params.Set(key, value)
	return r
}

// ListOptions 把 list/watch 参数编码成 query。
func (r *Request) ListOptions(opts watch.ListOptions) *Request {
	if opts.LabelSelector != "" {
		r.Param("labelSelector", opts.LabelSelector)
	}
	if opts.FieldSelector != "" {
		r.Param("fieldSelector", opts.FieldSelector)
	}
	if opts.ResourceVersion != "" {
		r.Param("resourceVersion", opts.ResourceVersion)
	}
	if opts.TimeoutSeconds > 0 {
		r.Param("timeoutSeconds", fmt.Sprintf("%d", opts.TimeoutSeconds))
	}
	if opts.AllowBookmarks {
		r.Param("allowBookmarks", "true")
	}
	return r
}

// URL 返回请求的完整地址。
func (r *Request) URL() *url.URL {
	p := path.Join(r.c.apiPath, r.c.apiVersion, r.resource)
	if r.resourceID != "" {
		p = path.Join(p, r.resourceID)
	}
	fullURL := r.c.baseURL.ResolveReference(&url.URL{Path: p})
	if len(r.params) > 0 {
		fullURL.RawQuery = r.params.Encode()
	}
	return fullURL
}

// send 构建并发出 HTTP 请求，调用方负责关闭响应体。
func (r *Request) send(ctx context.Context) (*http.Response, error) {
	if r.err != nil {
		return nil, r.err
	}

	var bodyReader io.Reader
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		bodyReader = bytes.NewBuffer(data)
	}

	req, err := http.NewRequestWithContext(ctx, r.verb, r.URL().String(), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if r.c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.c.bearerToken)
	}

	klog.V(4).InfoS("Executing request", "method", req.Method, "url", req.URL)
	resp, err := r.c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// Do 执行请求并返回一个 Result 对象。响应体在返回前被完整读取。
func (r *Request) Do(ctx context.Context) *Result {
	if r.c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.c.timeout)
		defer cancel()
	}

	resp, err := r.send(ctx)
	if err != nil {
		return &Result{err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Result{err: fmt.Errorf("failed to read response body: %w", err)}
	}
	return &Result{
		body:       body,
		statusCode: resp.StatusCode,
	}
}

// Watch 以 watch=true 发出请求，返回解码响应流的 watch.Interface。
// 服务端拒绝 watch 时返回的错误是 apierrors.StatusError，例如 410 对应 ResourceExpired。
func (r *Request) Watch(ctx context.Context) (watch.Interface, error) {
	r.Param("watch", "true")
	resp, err := r.send(ctx)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		result := &Result{body: body, statusCode: resp.StatusCode}
		if _, err := result.transformAndGetRawData(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("unexpected status %d for watch", resp.StatusCode)
	}
	return newStreamWatcher(ctx, resp.Body, r.c.codec), nil
}

// Result 封装了请求的结果。
type Result struct {
	body       []byte
	statusCode int
	err        error
}

// StatusCode 返回 HTTP 状态码，请求没有发出时为 0。
func (r *Result) StatusCode() int {
	return r.statusCode
}

// transformAndGetRawData 解码通用的响应信封，检查 API 错误，如果成功，则返回原始的 data 字段。
func (r *Result) transformAndGetRawData() (json.RawMessage, error) {
	bodyBytes, err := r.Raw()
	if err != nil {
		return nil, err
	}
	success := r.statusCode >= 200 && r.statusCode < 300

	// 如果 body 为空，直接按状态码判断
	if len(bodyBytes) == 0 {
		if success {
			return nil, nil
		}
		return nil, newStatusError(r.statusCode, &response{})
	}

	var apiResp response
	if err := json.Unmarshal(bodyBytes, &apiResp); err != nil {
		if !success {
			// 不是我们的信封，多半来自中间的代理
			return nil, newStatusError(r.statusCode, &response{Message: string(bodyBytes)})
		}
		return nil, fmt.Errorf("failed to decode generic response: %w (raw response: %q)", err, string(bodyBytes))
	}

	if !success {
		return nil, newStatusError(r.statusCode, &apiResp)
	}
	return apiResp.Data, nil
}

// Into 解码响应体的 data 部分到传入的 obj 对象中。
func (r *Result) Into(obj interface{}) error {
	rawData, err := r.transformAndGetRawData()
	if err != nil {
		return err
	}

	// 如果请求成功，但没有 data 或者调用者不关心，则直接返回
	if obj == nil || len(rawData) == 0 || string(rawData) == "null" {
		return nil
	}

	if err := json.Unmarshal(rawData, obj); err != nil {
		return fmt.Errorf("failed to unmarshal data into object: %w", err)
	}
	return nil
}

// Data 返回成功响应中原始的 data 字段。
func (r *Result) Data() (json.RawMessage, error) {
	return r.transformAndGetRawData()
}

// Error 返回请求的错误，成功时为 nil。
func (r *Result) Error() error {
	_, err := r.transformAndGetRawData()
	return err
}

// Raw 返回原始的响应体 []byte。
func (r *Result) Raw() ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.body, nil
}
