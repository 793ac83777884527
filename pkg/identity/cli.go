package identity

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultCLICommand 本地凭证助手命令
var DefaultCLICommand = []string{"gcloud", "auth", "print-identity-token"}

// 需要重新登录时凭证助手输出的提示
var reauthMarkers = []string{
	"reauthentication",
	"re-authenticate",
	"gcloud auth login",
	"invalid_grant",
	"token has been expired or revoked",
}

type commandRunner func(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// CLIProvider 通过本地凭证助手获取开发者身份令牌
//
// 默认不绑定受众：用户账号令牌的 aud 是凭证助手的客户端ID，audience 仅记录在返回的 Token 中。
// bindAudience 时追加 --audiences，凭证助手需以服务账号模拟方式运行。
type CLIProvider struct {
	command      []string
	timeout      time.Duration
	bindAudience bool
	run          commandRunner
	now          func() time.Time
}

// NewCLIProvider 创建 CLI 提供者，command 为空时使用 DefaultCLICommand
func NewCLIProvider(command []string, timeout time.Duration) *CLIProvider {
	if len(command) == 0 {
		command = DefaultCLICommand
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &CLIProvider{
		command: command,
		timeout: timeout,
		run:     execRunner,
		now:     time.Now,
	}
}

// Mode 提供者类型
func (p *CLIProvider) Mode() Mode { return ModeCLI }

// Token 执行凭证助手获取令牌
func (p *CLIProvider) Token(ctx context.Context, audience string) (*Token, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	args := append([]string(nil), p.command[1:]...)
	if p.bindAudience && audience != "" {
		args = append(args, "--audiences="+audience)
	}

	stdout, stderr, err := p.run(ctx, p.command[0], args...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("credential helper: %w", ctx.Err())
		}
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%w: credential helper %q not installed", ErrAuthFailed, p.command[0])
		}
		msg := strings.TrimSpace(string(stderr))
		if needsReauth(msg) {
			return nil, fmt.Errorf("%w: %s", ErrAuthExpired, msg)
		}
		return nil, fmt.Errorf("%w: credential helper failed: %v: %s", ErrAuthFailed, err, msg)
	}

	raw := strings.TrimSpace(string(stdout))
	if raw == "" {
		return nil, fmt.Errorf("%w: credential helper returned an empty token", ErrAuthFailed)
	}
	return newToken(raw, audience, p.now())
}

func needsReauth(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, marker := range reauthMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
