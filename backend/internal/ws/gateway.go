package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"editorSync/backend/internal/collab"
	"editorSync/backend/internal/metrics"
	"editorSync/backend/internal/presence"
)

const defaultFlushTimeout = 30 * time.Second

// Gateway 处理每个连接的协议事件：把传输层事件接到会话注册表与在线名单上
type Gateway struct {
	hub      *Hub
	registry *collab.Registry
	tracker  *presence.Tracker
	metrics  *metrics.Recorder
	log      *logrus.Entry

	flushTimeout time.Duration
	// flushes 跟踪进行中的 flush，关闭时 Drain 等待它们结束
	flushes sync.WaitGroup
	now     func() time.Time
}

type GatewayOptions struct {
	Metrics      *metrics.Recorder
	Logger       *logrus.Entry
	FlushTimeout time.Duration
}

func NewGateway(hub *Hub, registry *collab.Registry, tracker *presence.Tracker, opt GatewayOptions) *Gateway {
	if opt.Logger == nil {
		opt.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if opt.FlushTimeout <= 0 {
		opt.FlushTimeout = defaultFlushTimeout
	}
	g := &Gateway{
		hub:          hub,
		registry:     registry,
		tracker:      tracker,
		metrics:      opt.Metrics,
		log:          opt.Logger.WithField("component", "gateway"),
		flushTimeout: opt.FlushTimeout,
		now:          time.Now,
	}
	tracker.SetBroadcaster(hub)
	return g
}

func (g *Gateway) Hub() *Hub { return g.hub }

// Connect 注册连接并登记参与者，随后向所有连接广播名单
func (g *Gateway) Connect(ctx context.Context, p Peer, hints presence.Hints) presence.Participant {
	g.hub.Register(p)
	g.metrics.Gauge(metrics.ConnectionsActive, int64(g.hub.PeerCount()))
	participant := g.tracker.OnConnect(ctx, p.ID(), hints)
	g.log.WithFields(logrus.Fields{"conn": p.ID(), "name": participant.Name}).Info("client connected")
	return participant
}

// Disconnect 对连接所在的每个房间执行 leave，注销连接并更新名单，最后并发 flush 变空的房间
func (g *Gateway) Disconnect(ctx context.Context, p Peer) {
	connID := p.ID()
	var emptied []string
	for _, docID := range g.hub.Rooms(connID) {
		if g.leave(docID, connID) {
			emptied = append(emptied, docID)
		}
	}

	g.hub.Unregister(connID)
	g.metrics.Gauge(metrics.ConnectionsActive, int64(g.hub.PeerCount()))
	g.tracker.OnDisconnect(ctx, connID)
	g.log.WithFields(logrus.Fields{"conn": connID, "flushing": len(emptied)}).Info("client disconnected")

	var eg errgroup.Group
	for _, docID := range emptied {
		docID := docID
		eg.Go(func() error { return g.flushTracked(docID) })
	}
	// flush 失败已在 flush 中记录
	_ = eg.Wait()
}

// Drain 等待进行中的 flush 完成或 ctx 结束
func (g *Gateway) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.flushes.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleMessage 解析并分发一帧。任何错误都只记录日志，单条消息的 panic 也不会结束读循环。
func (g *Gateway) HandleMessage(ctx context.Context, p Peer, frame []byte) {
	defer func() {
		if r := recover(); r != nil {
			g.log.WithFields(logrus.Fields{"conn": p.ID(), "panic": r}).
				Errorf("handler panic recovered\n%s", debug.Stack())
		}
	}()

	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil || env.Event == "" {
		g.reject(p, "", fmt.Errorf("bad envelope: %v", err))
		return
	}

	switch env.Event {
	case EventJoin:
		g.handleJoin(ctx, p, env.Data)
	case EventUpdate:
		g.handleUpdate(ctx, p, env.Data)
	case EventLeave:
		g.handleLeave(p, env.Data)
	case EventAwarenessUpdate:
		g.handleAwarenessUpdate(p, env.Data)
	case EventAwarenessQuery:
		g.handleAwarenessQuery(p, env.Data)
	default:
		g.log.WithFields(logrus.Fields{"conn": p.ID(), "event": env.Event}).Debug("ignoring unknown event")
	}
}

func (g *Gateway) reject(p Peer, event string, err error) {
	g.metrics.Inc(metrics.MessagesDropped)
	g.log.WithFields(logrus.Fields{"conn": p.ID(), "event": event}).WithError(err).Warn("dropping malformed message")
}

func (g *Gateway) handleJoin(ctx context.Context, p Peer, raw json.RawMessage) {
	msg, err := parseJoin(raw)
	if err != nil {
		g.reject(p, EventJoin, err)
		return
	}
	log := g.log.WithFields(logrus.Fields{"conn": p.ID(), "doc": msg.DocumentID})

	s, err := g.registry.GetOrCreateSession(ctx, msg.DocumentID)
	if err != nil {
		log.WithError(err).Warn("join failed")
		return
	}
	doc := s.Document()
	update, catchUp, err := doc.SyncSince(msg.StateVector)
	if err != nil {
		log.WithError(err).Debug("unusable state vector, sending full state")
		update, catchUp, err = doc.SyncSince(nil)
		if err != nil {
			log.WithError(err).Warn("join failed")
			return
		}
	}
	if len(update) > 0 {
		p.Send(EventSync, syncMessage{DocumentID: msg.DocumentID, Update: update})
	}

	// 同步成功后才登记成员
	g.hub.Join(msg.DocumentID, p)
	s.AddMember(p.ID())

	// 补发在首次同步与登记成员之间到达的更新
	if extra := catchUp(); len(extra) > 0 {
		p.Send(EventSync, syncMessage{DocumentID: msg.DocumentID, Update: extra})
	}
	if s.HydrationFailed() {
		p.Send(EventWarning, warningMessage{DocumentID: msg.DocumentID, Reason: warningHydrationFailed})
	}
	p.Send(EventPresenceUpdate, g.tracker.Roster())
	log.WithField("members", s.MemberCount()).Info("joined document")
}

func (g *Gateway) handleUpdate(ctx context.Context, p Peer, raw json.RawMessage) {
	msg, err := parseUpdate(raw)
	if err != nil {
		g.reject(p, EventUpdate, err)
		return
	}
	if err := g.registry.ApplyRemoteUpdate(ctx, msg.DocumentID, msg.Update); err != nil {
		g.reject(p, EventUpdate, err)
		return
	}
	ts := g.now().UnixMilli()
	dropped := g.hub.BroadcastRoom(msg.DocumentID, p.ID(), EventUpdate, updateBroadcast{
		DocumentID:      msg.DocumentID,
		Update:          msg.Update,
		Actor:           p.ID(),
		ClientTimestamp: msg.ClientTimestamp,
		ServerTimestamp: ts,
	})
	if dropped > 0 {
		g.metrics.Add(metrics.MessagesDropped, int64(dropped))
	}
	p.Send(EventUpdateAck, updateAck{DocumentID: msg.DocumentID, ServerTimestamp: ts})
}

func (g *Gateway) handleLeave(p Peer, raw json.RawMessage) {
	docID, err := parseDocumentRef(raw)
	if err != nil {
		g.reject(p, EventLeave, err)
		return
	}
	// 最后一个成员离开时立即写入，不等防抖
	if g.leave(docID, p.ID()) {
		_ = g.flushTracked(docID)
	}
}

// leave 解除双向成员关系，返回房间是否因此变空
func (g *Gateway) leave(docID, connID string) bool {
	wasMember, remaining := g.hub.Leave(docID, connID)
	if s, ok := g.registry.Lookup(docID); ok {
		s.RemoveMember(connID)
	}
	return wasMember && remaining == 0
}

func (g *Gateway) flushTracked(docID string) error {
	g.flushes.Add(1)
	defer g.flushes.Done()
	return g.flush(docID)
}

func (g *Gateway) flush(docID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), g.flushTimeout)
	defer cancel()
	if err := g.registry.Flush(ctx, docID); err != nil {
		g.log.WithField("doc", docID).WithError(err).Error("flush on empty room failed")
		return err
	}
	return nil
}

func (g *Gateway) handleAwarenessUpdate(p Peer, raw json.RawMessage) {
	msg, err := parseAwarenessUpdate(raw)
	if err != nil {
		g.reject(p, EventAwarenessUpdate, err)
		return
	}
	ts := float64(g.now().UnixMilli())
	if msg.Timestamp != nil {
		ts = *msg.Timestamp
	}
	g.hub.BroadcastRoom(msg.DocumentID, p.ID(), EventAwarenessUpdate, awarenessBroadcast{
		DocumentID: msg.DocumentID,
		Update:     msg.Update,
		Actor:      p.ID(),
		Timestamp:  ts,
	})
}

func (g *Gateway) handleAwarenessQuery(p Peer, raw json.RawMessage) {
	docID, err := parseDocumentRef(raw)
	if err != nil {
		g.reject(p, EventAwarenessQuery, err)
		return
	}
	g.hub.BroadcastRoom(docID, p.ID(), EventAwarenessQuery, awarenessQuery{DocumentID: docID})
}

// BroadcastExternal 把服务端产生的更新（例如外部写入的合并结果）发给房间内所有连接
func (g *Gateway) BroadcastExternal(docID string, update []byte) {
	g.hub.BroadcastRoom(docID, "", EventUpdate, updateBroadcast{
		DocumentID:      docID,
		Update:          update,
		Actor:           "server",
		ServerTimestamp: g.now().UnixMilli(),
	})
}
