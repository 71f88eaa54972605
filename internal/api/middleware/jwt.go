package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// ContextSubject 是上下文中保存调用方标识的 key。
	ContextSubject = "subject"
	// ContextRole 是上下文中保存调用方角色的 key。
	ContextRole = "role"
)

type customClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// IssueToken 签发 HS256 令牌，供运维脚本或管理后台调用同步接口。
//
// 参数:
//
//	secret: 签名密钥
//	subject: 调用方标识（如管理员用户名）
//	role: 角色，为空时为 admin
//	ttl: 有效期，不大于 0 表示不过期
//
// 返回值:
//
//	string: 签名后的令牌
//	error: 签名失败返回错误
func IssueToken(secret, subject, role string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is empty")
	}
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("token subject is empty")
	}
	now := time.Now()
	claims := customClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Role: role,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// AuthMiddleware 校验 JWT 并将调用方标识与角色写入上下文。
func AuthMiddleware(jwtSecret string) gin.HandlerFunc {
	secret := []byte(jwtSecret)
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abort(c, "missing authorization")
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			abort(c, "invalid authorization header")
			return
		}

		tokenStr := strings.TrimSpace(parts[1])
		claims := &customClaims{}
		token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
			return secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			abort(c, "invalid token")
			return
		}

		if strings.TrimSpace(claims.Subject) == "" {
			abort(c, "invalid token subject")
			return
		}

		c.Set(ContextSubject, claims.Subject)
		role := strings.TrimSpace(strings.ToLower(claims.Role))
		if role == "" {
			role = "admin"
		}
		c.Set(ContextRole, role)
		c.Next()
	}
}

func abort(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": msg})
}
