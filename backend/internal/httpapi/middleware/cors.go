package middleware

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"editorSync/backend/config"
)

// CORS 与 websocket upgrader 使用同一份来源白名单
func CORS(policy config.Policy) gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc: policy.OriginAllowed,
		AllowMethods:    []string{"GET", "PUT", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:   []string{"Content-Length"},
		// token 放在 Authorization 头里，不依赖 Cookie
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	})
}
