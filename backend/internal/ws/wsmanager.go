package ws

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"editorSync/backend/config"
	"editorSync/backend/internal/httpapi/middleware"
	"editorSync/backend/internal/presence"
)

type Manager struct {
	gw       *Gateway
	upgrader websocket.Upgrader
	log      *logrus.Entry
}

func NewManager(gw *Gateway, policy config.Policy, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		gw: gw,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return policy.OriginAllowed(r.Header.Get("Origin"))
			},
		},
		log: log.WithField("component", "ws"),
	}
}

// HandshakeHints 合并握手查询参数与鉴权得到的身份，后者优先
func HandshakeHints(c *gin.Context) presence.Hints {
	query := make(map[string]any, 4)
	for _, k := range []string{"name", "userId", "initials", "color"} {
		if v, ok := c.GetQuery(k); ok {
			query[k] = v
		}
	}
	hints := presence.HintsFromMap(query)
	if fromAuth, ok := middleware.HintsFrom(c); ok {
		hints = hints.Merge(fromAuth)
	}
	return hints
}

func (m *Manager) WebSocketConnect(c *gin.Context) {
	hints := HandshakeHints(c)

	wsConn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.log.WithError(err).WithField("origin", c.Request.Header.Get("Origin")).Warn("websocket upgrade failed")
		return
	}

	conn := NewConn(wsConn, m.gw, m.log)
	m.gw.Connect(c.Request.Context(), conn, hints)
	// 阻塞至连接关闭
	conn.Serve(c.Request.Context())
}
