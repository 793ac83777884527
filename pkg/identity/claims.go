package identity

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims 身份令牌中关心的声明
type Claims struct {
	Audience []string
	Subject  string
	Email    string
	Expiry   time.Time
}

type idTokenClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// ParseClaims 解析令牌声明但不验证签名，签名由接收方网关校验
func ParseClaims(raw string) (*Claims, error) {
	var claims idTokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return nil, fmt.Errorf("%w: malformed identity token: %v", ErrAuthFailed, err)
	}

	out := &Claims{
		Audience: claims.Audience,
		Subject:  claims.Subject,
		Email:    claims.Email,
	}
	if claims.ExpiresAt != nil {
		out.Expiry = claims.ExpiresAt.Time
	}
	return out, nil
}

// Expired 是否已过期，未声明过期时间视为未过期
func (c *Claims) Expired(now time.Time) bool {
	return !c.Expiry.IsZero() && !now.Before(c.Expiry)
}

// HasAudience 是否包含任一受众
func (c *Claims) HasAudience(allowed ...string) bool {
	for _, aud := range c.Audience {
		for _, want := range allowed {
			if aud == want {
				return true
			}
		}
	}
	return false
}

// newToken 根据原始令牌构造 Token，已过期的令牌返回 ErrAuthExpired
func newToken(raw, audience string, now time.Time) (*Token, error) {
	claims, err := ParseClaims(raw)
	if err != nil {
		return nil, err
	}
	if claims.Expired(now) {
		return nil, fmt.Errorf("%w: token expired at %s", ErrAuthExpired, claims.Expiry.Format(time.RFC3339))
	}
	return &Token{
		Value:    raw,
		Audience: audience,
		Expiry:   claims.Expiry,
	}, nil
}
