package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// ServiceAccountProvider 使用服务账号密钥获取绑定受众的 ID 令牌
type ServiceAccountProvider struct {
	keyJSON    []byte
	httpClient *http.Client
	now        func() time.Time
}

// NewServiceAccountProvider 创建服务账号提供者
func NewServiceAccountProvider(keyJSON []byte) (*ServiceAccountProvider, error) {
	if _, err := google.JWTConfigFromJSON(keyJSON); err != nil {
		return nil, fmt.Errorf("%w: parse service account key: %v", ErrAuthFailed, err)
	}
	return &ServiceAccountProvider{
		keyJSON: keyJSON,
		now:     time.Now,
	}, nil
}

// NewServiceAccountProviderFromFile 从密钥文件创建服务账号提供者
func NewServiceAccountProviderFromFile(path string) (*ServiceAccountProvider, error) {
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read service account key: %v", ErrAuthFailed, err)
	}
	return NewServiceAccountProvider(keyJSON)
}

// WithHTTPClient 指定令牌端点使用的 HTTP 客户端
func (p *ServiceAccountProvider) WithHTTPClient(c *http.Client) *ServiceAccountProvider {
	p.httpClient = c
	return p
}

// Mode 提供者类型
func (p *ServiceAccountProvider) Mode() Mode { return ModeServiceAccount }

// Token 每次调用都向令牌端点换取新的 ID 令牌
func (p *ServiceAccountProvider) Token(ctx context.Context, audience string) (*Token, error) {
	if audience == "" {
		return nil, fmt.Errorf("%w: audience is required for service account tokens", ErrAuthFailed)
	}

	cfg, err := google.JWTConfigFromJSON(p.keyJSON)
	if err != nil {
		return nil, fmt.Errorf("%w: parse service account key: %v", ErrAuthFailed, err)
	}
	cfg.PrivateClaims = map[string]interface{}{"target_audience": audience}
	cfg.UseIDToken = true

	if p.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	}

	tok, err := cfg.TokenSource(ctx).Token()
	if err != nil {
		return nil, classifyTokenError(ctx, err)
	}
	return newToken(tok.AccessToken, audience, p.now())
}

// classifyTokenError 区分凭证错误与传输错误
func classifyTokenError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("fetch identity token: %w", ctx.Err())
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.ErrorCode == "invalid_grant" || strings.Contains(string(retrieveErr.Body), "invalid_grant") {
			return fmt.Errorf("%w: %v", ErrAuthExpired, err)
		}
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= 500 {
			return fmt.Errorf("fetch identity token: %w", err)
		}
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	// 网络错误，与凭证错误区分，可由调用方重试
	return fmt.Errorf("fetch identity token: %w", err)
}
