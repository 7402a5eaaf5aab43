package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/Manasess896/driver-for-hire/internal/pkg/token"

	"github.com/gin-gonic/gin"
)

// AuthMiddleware 校验 JWT 并将用户邮箱写入上下文。
// 令牌来自 Authorization: Bearer 头；过期与无效返回不同的错误信息，
// 客户端据此决定是刷新令牌还是重新登录。
func AuthMiddleware(tokens *token.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"message": "missing authorization"})
			c.Abort()
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.JSON(http.StatusUnauthorized, gin.H{"message": "invalid authorization header"})
			c.Abort()
			return
		}

		email, err := tokens.Validate(parts[1])
		if err != nil {
			switch {
			case errors.Is(err, token.ErrExpired):
				c.JSON(http.StatusUnauthorized, gin.H{"message": "token expired"})
			case errors.Is(err, token.ErrMissing):
				c.JSON(http.StatusUnauthorized, gin.H{"message": "missing authorization"})
			default:
				c.JSON(http.StatusUnauthorized, gin.H{"message": "invalid token"})
			}
			c.Abort()
			return
		}

		c.Set("email", email)
		c.Next()
	}
}
