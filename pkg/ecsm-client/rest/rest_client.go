package rest

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fx147/ecsm-mirror/pkg/codec"
)

const (
	defaultAPIVersion = "v1"
	defaultAPIPath    = "api"
)

type Interface interface {
	Verb(verb string) *Request
	Get() *Request
	Put() *Request
	Post() *Request
	Delete() *Request
	APIVersion() string
}

var _ Interface = &RESTClient{}

// Config 描述如何连接 mirror 的 API server。
type Config struct {
	// Host 是服务地址，例如 "http://127.0.0.1:8080"。没有 scheme 时默认 http。
	Host string
	// BearerToken 非空时放在每个请求的 Authorization 头里
	BearerToken string
	// Timeout 限制单个非 watch 请求的时长，0 表示不限制
	Timeout time.Duration
	// HTTPClient 为 nil 时使用 http.DefaultClient。
	// 不要在它上面设置 Timeout，否则 watch 长连接会被切断。
	HTTPClient *http.Client
	Codec      *codec.Codec
}

// RESTClient 是与 mirror API Server 交互的客户端。
type RESTClient struct {
	baseURL     *url.URL
	httpClient  *http.Client
	codec       *codec.Codec
	bearerToken string
	timeout     time.Duration
	apiVersion  string
	apiPath     string
}

// NewRESTClient 创建一个新的客户端实例。
func NewRESTClient(cfg Config) (*RESTClient, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("host must be set")
	}
	host := cfg.Host
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	baseURL, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base url: %w", err)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Codec == nil {
		cfg.Codec = codec.Default
	}

	return &RESTClient{
		baseURL:     baseURL,
		httpClient:  cfg.HTTPClient,
		codec:       cfg.Codec,
		bearerToken: cfg.BearerToken,
		timeout:     cfg.Timeout,
		apiVersion:  defaultAPIVersion,
		apiPath:     defaultAPIPath,
	}, nil
}

func (c *RESTClient) Verb(verb string) *Request {
	return NewRequest(c).Verb(verb)
}

// Post begins a POST request. Short for c.Verb("POST").
func (c *RESTClient) Post() *Request {
	return c.Verb("POST")
}

// Put begins a PUT request. Short for c.Verb("PUT").
func (c *RESTClient) Put() *Request {
	return c.Verb("PUT")
}

// Get begins a GET request. Short for c.Verb("GET").
func (c *RESTClient) Get() *Request {
	return c.Verb("GET")
}

// Delete begins a DELETE request. Short for c.Verb("DELETE").
func (c *RESTClient) Delete() *Request {
	return c.Verb("DELETE")
}

// APIVersion returns the APIVersion this RESTClient is expected to use.
func (c *RESTClient) APIVersion() string {
	return fmt.Sprintf("%s/%s", c.apiPath, c.apiVersion)
}

// Codec 返回客户端解码对象使用的 codec。
func (c *RESTClient) Codec() *codec.Codec {
	return c.codec
}
