package middleware

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "agentmesh/pkg/errors"
	"agentmesh/pkg/identity"
)

// ClaimsContextKey 身份声明在 gin.Context 中的键
const ClaimsContextKey = "identity_claims"

// IdentityAuthConfig 入站身份令牌校验配置
type IdentityAuthConfig struct {
	// Audiences 允许的受众（通常是服务自身的URL），为空时不校验受众
	Audiences []string
	// AllowedClientIDs 额外接受的 OAuth 客户端ID受众，用于本地凭证助手签发的开发者令牌
	AllowedClientIDs []string
	// Disabled 关闭校验，仅用于本地开发
	Disabled bool
	Now      func() time.Time
}

// IdentityAuth 校验 Bearer 身份令牌的格式、有效期和受众
//
// 签名由平台入口网关校验，这里只解析声明。
func IdentityAuth(cfg IdentityAuthConfig, logger *zap.Logger) gin.HandlerFunc {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return func(c *gin.Context) {
		if cfg.Disabled {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			AbortWithError(c, apperrors.AuthFailed("authorization header required"))
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
			AbortWithError(c, apperrors.AuthFailed("invalid authorization header format"))
			return
		}

		claims, err := identity.ParseClaims(strings.TrimSpace(parts[1]))
		if err != nil {
			AbortWithError(c, apperrors.AuthFailed("malformed identity token"))
			return
		}
		if claims.Expired(now()) {
			AbortWithError(c, apperrors.AuthExpired("identity token expired, re-authenticate and retry"))
			return
		}
		if len(cfg.Audiences) > 0 && !claims.HasAudience(cfg.Audiences...) && !claims.HasAudience(cfg.AllowedClientIDs...) {
			logger.Warn("identity token audience rejected",
				zap.Strings("aud", claims.Audience),
				zap.String("subject", claims.Subject),
			)
			AbortWithError(c, apperrors.AuthFailed("identity token audience not accepted"))
			return
		}

		c.Set(ClaimsContextKey, claims)
		c.Next()
	}
}

// GetClaims 获取已校验的身份声明
func GetClaims(c *gin.Context) (*identity.Claims, bool) {
	v, exists := c.Get(ClaimsContextKey)
	if !exists {
		return nil, false
	}
	claims, ok := v.(*identity.Claims)
	return claims, ok
}
