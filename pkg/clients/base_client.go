package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/propagation"

	"agentmesh/pkg/observability"
	"agentmesh/pkg/resilience"
)

// maxBodySize 响应体上限
const maxBodySize = 4 << 20

// StatusError 非 2xx 响应
type StatusError struct {
	Service    string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	body := string(e.Body)
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Service, e.StatusCode, body)
}

// Temporary 网关类错误可重试
func (e *StatusError) Temporary() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// BaseClientConfig 基础客户端配置
type BaseClientConfig struct {
	ServiceName string
	BaseURL     string
	Timeout     time.Duration
	MaxRetries  int
	RetryDelay  time.Duration
	UserAgent   string
	HTTPClient  *http.Client
}

// BaseClient 带熔断和重试的 JSON HTTP 客户端
type BaseClient struct {
	serviceName string
	baseURL     string
	userAgent   string
	httpClient  *http.Client
	breaker     *gobreaker.CircuitBreaker
	policy      resilience.RetryPolicy
}

// NewBaseClient 创建基础客户端
func NewBaseClient(config BaseClientConfig) *BaseClient {
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = 100 * time.Millisecond
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}

	c := &BaseClient{
		serviceName: config.ServiceName,
		baseURL:     strings.TrimRight(config.BaseURL, "/"),
		userAgent:   config.UserAgent,
		httpClient:  httpClient,
	}
	c.breaker = c.createCircuitBreaker()
	c.policy = resilience.RetryPolicy{
		MaxRetries:        config.MaxRetries,
		InitialDelay:      config.RetryDelay,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2,
		Jitter:            0.1,
		Retryable:         shouldRetry,
	}
	return c
}

// createCircuitBreaker 创建熔断器
func (c *BaseClient) createCircuitBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        c.serviceName,
		MaxRequests: 3,                // 半开状态下最大请求数
		Interval:    10 * time.Second, // 统计周期
		Timeout:     30 * time.Second, // 熔断器开启后等待时间
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// 失败率 >= 60% 且请求数 >= 5 时触发熔断
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		// 业务错误（4xx、500）不计入熔断
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var statusErr *StatusError
			return errors.As(err, &statusErr) && statusErr.StatusCode <= http.StatusInternalServerError
		},
	})
}

// Response 原始响应
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Do 发送请求；非 2xx 返回 *StatusError，网络错误和网关错误自动重试
func (c *BaseClient) Do(ctx context.Context, method, path string, body any, header http.Header) (*Response, error) {
	var reqBody []byte
	if body != nil {
		var err error
		reqBody, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
	}

	target := c.resolve(path)
	return resilience.Do(ctx, c.policy, func(ctx context.Context) (*Response, error) {
		out, err := c.breaker.Execute(func() (interface{}, error) {
			return c.doHTTPCall(ctx, method, target, reqBody, header)
		})
		if err != nil {
			return nil, err
		}
		return out.(*Response), nil
	})
}

// GetJSON 发送 GET 请求并解码 JSON
func (c *BaseClient) GetJSON(ctx context.Context, path string, query url.Values, header http.Header, result any) error {
	if len(query) > 0 {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		path += sep + query.Encode()
	}
	resp, err := c.Do(ctx, http.MethodGet, path, nil, header)
	if err != nil {
		return err
	}
	return decode(resp, result)
}

// PostJSON 发送 POST 请求并解码 JSON
func (c *BaseClient) PostJSON(ctx context.Context, path string, body any, header http.Header, result any) error {
	resp, err := c.Do(ctx, http.MethodPost, path, body, header)
	if err != nil {
		return err
	}
	return decode(resp, result)
}

func (c *BaseClient) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

// doHTTPCall 执行实际的HTTP调用
func (c *BaseClient) doHTTPCall(ctx context.Context, method, target string, reqBody []byte, header http.Header) (*Response, error) {
	var bodyReader io.Reader
	if reqBody != nil {
		bodyReader = bytes.NewReader(reqBody)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if reqBody != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}
	observability.InjectHTTPHeaders(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: do request: %w", c.serviceName, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", c.serviceName, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Service: c.serviceName, StatusCode: resp.StatusCode, Body: respBody}
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: respBody}, nil
}

// shouldRetry 判断错误是否应该重试
func shouldRetry(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	// 熔断器开启时不重试
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}
	// 其他为网络错误
	return true
}

func decode(resp *Response, result any) error {
	if result == nil || len(resp.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, result); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
