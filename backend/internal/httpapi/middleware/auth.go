package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"editorSync/backend/internal/presence"
)

const hintsKey = "presenceHints"

// Claims 是访问令牌中与在线名单相关的字段，sub 作为参与者 id
type Claims struct {
	Username string `json:"username"`
	Name     string `json:"name,omitempty"`
	Initials string `json:"initials,omitempty"`
	Color    string `json:"color,omitempty"`
	Type     string `json:"typ"`
	jwt.RegisteredClaims
}

func (c *Claims) Hints() presence.Hints {
	name := c.Name
	if strings.TrimSpace(name) == "" {
		name = c.Username
	}
	return presence.Hints{Name: name, UserID: c.Subject, Initials: c.Initials, Color: c.Color}
}

// JWTAuth 校验 Authorization 头或 ?token= 中的 HS256 令牌，并把身份提示写入 gin.Context。
// secret 为空时不做任何校验；required 为 false 时允许没有令牌的匿名连接，但无效令牌总是被拒绝。
func JWTAuth(secret string, required bool, log *logrus.Entry) gin.HandlerFunc {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "auth")
	key := []byte(secret)

	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		tokenString := extractBearer(c.Request.Header.Get("Authorization"))
		if tokenString == "" {
			// 兼容 WebSocket：浏览器无法自定义 Header，允许从 query ?token= 中获取
			tokenString = strings.TrimSpace(c.Query("token"))
		}
		if tokenString == "" {
			if required {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"code":    "UNAUTHENTICATED",
					"message": "Authorization header is missing or invalid",
				})
				return
			}
			c.Next()
			return
		}

		claims, err := ParseToken(tokenString, key)
		if err != nil {
			log.WithError(err).Debug("token rejected")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "invalid token",
			})
			return
		}
		if claims.Type != "" && claims.Type != "access" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "access token required",
			})
			return
		}
		c.Set(hintsKey, claims.Hints())
		c.Next()
	}
}

// ParseToken 只接受 HMAC 签名的令牌
func ParseToken(tokenString string, key []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, jwt.ErrTokenInvalidClaims
}

// HintsFrom 返回 JWTAuth 写入的身份提示
func HintsFrom(c *gin.Context) (presence.Hints, bool) {
	v, ok := c.Get(hintsKey)
	if !ok {
		return presence.Hints{}, false
	}
	h, ok := v.(presence.Hints)
	return h, ok
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	// 处理 "Bearer" 前缀（大小写不敏感）
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
