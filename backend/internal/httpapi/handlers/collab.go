package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"editorSync/backend/config"
	"editorSync/backend/internal/collab"
	"editorSync/backend/internal/metrics"
	"editorSync/backend/internal/presence"
	"editorSync/backend/internal/store"
)

// RosterReader 读取跨实例的在线名单（Redis 镜像）
type RosterReader interface {
	Roster(ctx context.Context) ([]presence.Participant, error)
}

type SnapshotHistory interface {
	History(ctx context.Context, documentID string, limit int) ([]store.DocumentSnapshot, error)
}

type Deps struct {
	Policy    config.Policy
	Registry  *collab.Registry
	Tracker   *presence.Tracker
	Roster    RosterReader
	Snapshots SnapshotHistory
	Metrics   *metrics.Recorder
	// Broadcast 把服务端合并出的更新推送给房间
	Broadcast func(docID string, update []byte)
	Peers     func() int
	Logger    *logrus.Entry
}

type Handler struct {
	d   Deps
	log *logrus.Entry
}

func New(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Handler{d: d, log: d.Logger.WithField("component", "http")}
}

// Register 挂载 /collab 下的 HTTP 接口。health 与 metrics 公开，
// 其余接口（在线名单、覆盖文档内容、快照历史）先经过 auth。
func (h *Handler) Register(r gin.IRouter, auth ...gin.HandlerFunc) {
	r.GET("/health", h.Health)
	r.GET("/metrics", h.Metrics)

	p := r.Group("", auth...)
	{
		p.GET("/presence", h.Presence)
		p.PUT("/documents/content", h.ReplaceContent)
		p.GET("/documents/snapshots", h.Snapshots)
	}
}

func (h *Handler) Health(c *gin.Context) {
	body := gin.H{
		"status":     "ok",
		"instanceId": collab.InstanceID(),
		"gateway":    h.d.Policy.Summary(),
		"sessions":   h.d.Registry.Stats(),
	}
	if h.d.Peers != nil {
		body["connections"] = h.d.Peers()
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handler) Metrics(c *gin.Context) {
	if !h.d.Metrics.Enabled() {
		c.JSON(http.StatusNotFound, gin.H{"code": "METRICS_DISABLED", "message": "metrics are disabled"})
		return
	}
	c.JSON(http.StatusOK, h.d.Metrics.Snapshot())
}

// Presence 优先返回跨实例名单，Redis 不可用时退回本实例名单
func (h *Handler) Presence(c *gin.Context) {
	if h.d.Roster != nil {
		roster, err := h.d.Roster.Roster(c.Request.Context())
		if err == nil {
			if roster == nil {
				roster = []presence.Participant{}
			}
			c.JSON(http.StatusOK, gin.H{"source": "cluster", "participants": roster})
			return
		}
		h.log.WithError(err).Warn("cluster roster unavailable, using local roster")
	}
	c.JSON(http.StatusOK, gin.H{"source": "local", "participants": h.d.Tracker.Roster()})
}

type replaceContentRequest struct {
	DocumentID string  `json:"documentId" binding:"required"`
	Content    *string `json:"content" binding:"required"`
}

// ReplaceContent 把外部写入的文件内容合并进在线文档，并把差量广播给房间
func (h *Handler) ReplaceContent(c *gin.Context) {
	var req replaceContentRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.DocumentID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": "documentId and content are required"})
		return
	}
	update, err := h.d.Registry.ReplaceContent(c.Request.Context(), req.DocumentID, *req.Content)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"code": "UNAVAILABLE", "message": err.Error()})
			return
		}
		h.log.WithError(err).WithField("doc", req.DocumentID).Error("reconcile failed")
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "reconcile failed"})
		return
	}
	if update != nil && h.d.Broadcast != nil {
		h.d.Broadcast(req.DocumentID, update)
	}
	c.JSON(http.StatusOK, gin.H{"documentId": req.DocumentID, "changed": update != nil})
}

func (h *Handler) Snapshots(c *gin.Context) {
	if h.d.Snapshots == nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "SNAPSHOTS_DISABLED", "message": "snapshot history is disabled"})
		return
	}
	docID := strings.TrimSpace(c.Query("documentId"))
	if docID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": "documentId is required"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	snaps, err := h.d.Snapshots.History(c.Request.Context(), docID, limit)
	if err != nil {
		h.log.WithError(err).WithField("doc", docID).Error("load snapshot history failed")
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "load history failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"documentId": docID, "snapshots": snaps})
}
