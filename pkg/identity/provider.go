package identity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"agentmesh/pkg/monitoring"
)

var (
	// ErrAuthExpired 凭证过期，需要重新登录
	ErrAuthExpired = errors.New("identity credential expired, re-authentication required")
	// ErrAuthFailed 无法获取凭证（未登录、配置错误、被拒绝）
	ErrAuthFailed = errors.New("identity credential unavailable")
)

// Token 短期身份令牌，每次出站调用重新获取，不缓存
type Token struct {
	Value    string
	Audience string
	Expiry   time.Time
}

// Bearer 返回 Authorization 头的值，空令牌返回空串
func (t *Token) Bearer() string {
	if t == nil || t.Value == "" {
		return ""
	}
	return "Bearer " + t.Value
}

// Provider 身份令牌提供者
type Provider interface {
	// Token 获取面向 audience 的身份令牌
	Token(ctx context.Context, audience string) (*Token, error)
	// Mode 提供者类型
	Mode() Mode
}

// Mode 凭证获取方式
type Mode string

const (
	ModeCLI            Mode = "cli"
	ModeServiceAccount Mode = "service_account"
	ModeNone           Mode = "none"
)

// Config 身份配置
type Config struct {
	Mode Mode `mapstructure:"mode"`
	// Command CLI 模式执行的命令
	Command []string `mapstructure:"command"`
	// BindAudience CLI 模式下将受众作为 --audiences 传给凭证助手，需配合服务账号模拟
	BindAudience bool `mapstructure:"bind_audience"`
	// CredentialsFile 服务账号密钥文件，为空时读取 GOOGLE_APPLICATION_CREDENTIALS
	CredentialsFile string `mapstructure:"credentials_file"`
	// Timeout 单次获取超时
	Timeout time.Duration `mapstructure:"timeout"`
}

// New 根据配置创建提供者，并附带指标统计
func New(cfg Config, logger *zap.Logger) (Provider, error) {
	var (
		p   Provider
		err error
	)

	switch cfg.Mode {
	case ModeCLI, "":
		cli := NewCLIProvider(cfg.Command, cfg.Timeout)
		cli.bindAudience = cfg.BindAudience
		p = cli
	case ModeServiceAccount:
		path := cfg.CredentialsFile
		if path == "" {
			path = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
		}
		if path == "" {
			return nil, fmt.Errorf("%w: service_account mode requires credentials_file or GOOGLE_APPLICATION_CREDENTIALS", ErrAuthFailed)
		}
		p, err = NewServiceAccountProviderFromFile(path)
		if err != nil {
			return nil, err
		}
	case ModeNone:
		logger.Warn("identity provider disabled, outbound calls carry no credential")
		p = NoopProvider{}
	default:
		return nil, fmt.Errorf("unsupported identity mode: %s", cfg.Mode)
	}

	return Instrument(p, logger), nil
}

// Instrument 为提供者增加指标和日志
func Instrument(p Provider, logger *zap.Logger) Provider {
	return &instrumented{next: p, logger: logger}
}

type instrumented struct {
	next   Provider
	logger *zap.Logger
}

func (i *instrumented) Mode() Mode { return i.next.Mode() }

func (i *instrumented) Token(ctx context.Context, audience string) (*Token, error) {
	tok, err := i.next.Token(ctx, audience)

	outcome := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrAuthExpired):
		outcome = "auth_expired"
	case errors.Is(err, ErrAuthFailed):
		outcome = "auth_failed"
	default:
		outcome = "error"
	}
	monitoring.IdentityTokenFetchTotal.WithLabelValues(string(i.next.Mode()), outcome).Inc()

	if err != nil {
		i.logger.Warn("identity token fetch failed",
			zap.String("mode", string(i.next.Mode())),
			zap.String("audience", audience),
			zap.Error(err),
		)
		return nil, err
	}
	return tok, nil
}

// NoopProvider 不携带凭证，仅用于本地开发
type NoopProvider struct{}

// Token 返回空令牌
func (NoopProvider) Token(ctx context.Context, audience string) (*Token, error) {
	return &Token{Audience: audience}, nil
}

// Mode 提供者类型
func (NoopProvider) Mode() Mode { return ModeNone }
