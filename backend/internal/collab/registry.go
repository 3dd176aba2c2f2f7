package collab

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	diffpatch "github.com/sergi/go-diff/diffmatchpatch"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"editorSync/backend/internal/crdt"
	"editorSync/backend/internal/metrics"
	"editorSync/backend/internal/ot/delta"
)

const (
	DefaultPersistDebounce = 750 * time.Millisecond
	defaultHydrateTimeout  = 30 * time.Second
	defaultPersistTimeout  = 30 * time.Second
	defaultPublishTimeout  = 200 * time.Millisecond
)

// FileStore 是持久化后端。LoadFile 在文件不存在时返回错误。
type FileStore interface {
	LoadFile(ctx context.Context, workspaceID, filePath string) (string, error)
	SaveFile(ctx context.Context, workspaceID, filePath, content string) error
}

// SnapshotRecorder 在每次 flush 成功后记录一份历史快照
type SnapshotRecorder interface {
	RecordSnapshot(ctx context.Context, documentID string, content string) error
}

type Options struct {
	Store           FileStore
	PersistDebounce time.Duration
	NewDocument     NewDocumentFunc
	Events          EventSink
	Snapshots       SnapshotRecorder
	Metrics         *metrics.Recorder
	Logger          *logrus.Entry
	HydrateTimeout  time.Duration
	PersistTimeout  time.Duration
}

// Registry 持有 documentId → Session 的映射
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	sf       singleflight.Group

	store          FileStore
	debounce       time.Duration
	newDoc         NewDocumentFunc
	events         EventSink
	snapshots      SnapshotRecorder
	metrics        *metrics.Recorder
	log            *logrus.Entry
	hydrateTimeout time.Duration
	persistTimeout time.Duration
}

func NewRegistry(opt Options) *Registry {
	if opt.NewDocument == nil {
		opt.NewDocument = NewCRDTDocument
	}
	if opt.PersistDebounce < 0 {
		opt.PersistDebounce = DefaultPersistDebounce
	}
	if opt.HydrateTimeout <= 0 {
		opt.HydrateTimeout = defaultHydrateTimeout
	}
	if opt.PersistTimeout <= 0 {
		opt.PersistTimeout = defaultPersistTimeout
	}
	if opt.Logger == nil {
		opt.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Registry{
		sessions:       make(map[string]*Session),
		store:          opt.Store,
		debounce:       opt.PersistDebounce,
		newDoc:         opt.NewDocument,
		events:         opt.Events,
		snapshots:      opt.Snapshots,
		metrics:        opt.Metrics,
		log:            opt.Logger.WithField("component", "registry"),
		hydrateTimeout: opt.HydrateTimeout,
		persistTimeout: opt.PersistTimeout,
	}
}

// Lookup 返回已存在的会话，不创建也不等待水合
func (r *Registry) Lookup(documentID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[documentID]
	return s, ok
}

// GetOrCreateSession 返回水合完成的会话。新会话先注册再水合，
// 并发调用方共享同一次水合。唯一可能返回的错误是 ctx 在等待期间结束。
func (r *Registry) GetOrCreateSession(ctx context.Context, documentID string) (*Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[documentID]
	if !ok {
		s = newSession(documentID, r.newDoc())
		r.sessions[documentID] = s
		s.doc.Observe(func(c Change) { r.onChange(s, c) })
	}
	active := len(r.sessions)
	r.mu.Unlock()
	if !ok {
		r.metrics.Inc(metrics.SessionsCreated)
		r.metrics.Gauge(metrics.SessionsActive, int64(active))
	}

	ch := r.sf.DoChan(documentID, func() (interface{}, error) {
		if s.beginHydration() {
			r.hydrate(s)
		}
		<-s.hydrated
		return nil, nil
	})
	select {
	case <-ch:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Registry) hydrate(s *Session) {
	start := time.Now()
	log := r.log.WithField("doc", s.id)

	if !s.persistent || r.store == nil {
		if !s.persistent {
			log.Warn("document id is not persistence-eligible, session is memory-only")
		}
		s.finishHydration(HydrationComplete)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.hydrateTimeout)
	defer cancel()

	content, err := r.store.LoadFile(ctx, s.identity.WorkspaceID, s.identity.FilePath)
	if err != nil {
		log.WithError(err).Warn("hydration failed, starting empty")
		r.metrics.Inc(metrics.HydrateFailed)
		s.finishHydration(HydrationFailed)
		return
	}
	if content != "" {
		if _, err := s.doc.ApplyDelta(OriginHydrate, delta.Delta{delta.Insert(content)}); err != nil && !r.textResynced(err, s.id) {
			log.WithError(err).Warn("hydration insert failed, starting empty")
			r.metrics.Inc(metrics.HydrateFailed)
			s.finishHydration(HydrationFailed)
			return
		}
	}
	s.finishHydration(HydrationComplete)
	r.metrics.Since(metrics.HydrateTime, start)
	log.WithField("bytes", len(content)).Info("document hydrated")

	evt := newDocEvent(EventDocumentHydrated, s.id)
	evt.Origin = OriginHydrate
	evt.Length = len(content)
	r.publish(evt)
}

// onChange 把非水合来源的变更作为 UPDATE_APPLIED 事件发布
func (r *Registry) onChange(s *Session, c Change) {
	if c.Origin == OriginHydrate {
		return
	}
	evt := newDocEvent(EventUpdateApplied, s.id)
	evt.Origin = c.Origin
	evt.Ops = c.Ops
	r.publish(evt)
}

func (r *Registry) publish(evt DocEvent) {
	if r.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultPublishTimeout)
	defer cancel()
	if err := r.events.Publish(ctx, evt); err != nil {
		r.metrics.Inc(metrics.EventsPublishFailed)
		r.log.WithError(err).WithField("doc", evt.DocID).Debug("document event dropped")
	}
}

// ApplyRemoteUpdate 把客户端更新应用到文档并安排一次延迟持久化。
// 更新格式错误时返回错误，文档保持不变。
func (r *Registry) ApplyRemoteUpdate(ctx context.Context, documentID string, update []byte) error {
	s, err := r.GetOrCreateSession(ctx, documentID)
	if err != nil {
		return err
	}
	if err := s.doc.ApplyUpdate(update, OriginRemote); err != nil && !r.textResynced(err, documentID) {
		r.metrics.Inc(metrics.UpdatesRejected)
		return fmt.Errorf("apply update to %s: %w", documentID, err)
	}
	r.metrics.Inc(metrics.UpdatesApplied)
	r.SchedulePersist(documentID)
	return nil
}

// textResynced 记录文本缓冲区被重建的情况，此时变更本身已经生效
func (r *Registry) textResynced(err error, documentID string) bool {
	if !errors.Is(err, crdt.ErrTextResync) {
		return false
	}
	r.metrics.Inc(metrics.TextResync)
	r.log.WithError(err).WithField("doc", documentID).Error("document text rebuilt from items")
	return true
}

// SchedulePersist 取消并替换挂起的定时器；只有最后一次安排会真正写入
func (r *Registry) SchedulePersist(documentID string) {
	s, ok := r.Lookup(documentID)
	if !ok || !s.persistent || r.store == nil {
		return
	}
	s.replaceTimer(r.debounce, func(gen uint64) {
		if !s.claimTimer(gen) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.persistTimeout)
		defer cancel()
		// 错误已在 persist 中记录，下一次编辑会再次尝试
		_ = r.persist(ctx, s, false)
	})
}

// Flush 等待水合结束，取消挂起的定时器并同步写入。
// 会话不存在或不可持久化时直接返回 nil。
func (r *Registry) Flush(ctx context.Context, documentID string) error {
	s, ok := r.Lookup(documentID)
	if !ok || !s.persistent || r.store == nil {
		return nil
	}
	select {
	case <-s.hydrated:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.cancelTimer()
	if err := r.persist(ctx, s, true); err != nil {
		r.metrics.Inc(metrics.PersistFlushFailed)
		return err
	}
	return nil
}

func (r *Registry) persist(ctx context.Context, s *Session, flush bool) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	start := time.Now()
	log := r.log.WithFields(logrus.Fields{"doc": s.id, "flush": flush})
	content := s.doc.Text()

	if err := r.store.SaveFile(ctx, s.identity.WorkspaceID, s.identity.FilePath, content); err != nil {
		log.WithError(err).Error("persist failed")
		r.metrics.Inc(metrics.PersistFailed)
		evt := newDocEvent(EventPersistFailed, s.id)
		evt.Error = err.Error()
		r.publish(evt)
		return err
	}
	r.metrics.Inc(metrics.PersistSaved)
	r.metrics.Since(metrics.PersistTime, start)
	log.WithField("bytes", len(content)).Debug("document persisted")

	if flush && r.snapshots != nil {
		if err := r.snapshots.RecordSnapshot(ctx, s.id, content); err != nil {
			log.WithError(err).Warn("record snapshot failed")
		}
	}

	evt := newDocEvent(EventDocumentPersisted, s.id)
	evt.Length = len(content)
	r.publish(evt)
	return nil
}

// ReplaceContent 把外部写入的新内容合并进在线文档：对比当前文本与 content，
// 以最小的插入/删除事务应用，返回需要广播给房间的更新（无变化时为 nil）。
func (r *Registry) ReplaceContent(ctx context.Context, documentID, content string) ([]byte, error) {
	s, err := r.GetOrCreateSession(ctx, documentID)
	if err != nil {
		return nil, err
	}
	change := diffToDelta(s.doc.Text(), content)
	if len(change) == 0 {
		return nil, nil
	}
	update, err := s.doc.ApplyDelta(OriginExternal, change)
	if err != nil && !r.textResynced(err, documentID) {
		return nil, fmt.Errorf("reconcile %s: %w", documentID, err)
	}
	r.SchedulePersist(documentID)
	return update, nil
}

func diffToDelta(from, to string) delta.Delta {
	dmp := diffpatch.New()
	diffs := dmp.DiffMain(from, to, false)
	var d delta.Delta
	for _, df := range diffs {
		n := utf8.RuneCountInString(df.Text)
		switch df.Type {
		case diffpatch.DiffEqual:
			d = append(d, delta.Retain(n))
		case diffpatch.DiffDelete:
			d = append(d, delta.Delete(n))
		case diffpatch.DiffInsert:
			d = append(d, delta.Insert(df.Text))
		}
	}
	d = d.Compact()
	// 末尾的 retain 没有意义
	for len(d) > 0 && d[len(d)-1].Kind == delta.KindRetain {
		d = d[:len(d)-1]
	}
	return d
}

// Close 同步写入所有可持久化会话，用于进程退出前
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id, s := range r.sessions {
		if s.persistent {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		if err := r.Flush(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

type Stats struct {
	Sessions       int            `json:"sessions"`
	ByStatus       map[string]int `json:"byStatus"`
	PendingPersist int            `json:"pendingPersist"`
	Members        int            `json:"members"`
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	st := Stats{Sessions: len(sessions), ByStatus: map[string]int{}}
	for _, s := range sessions {
		st.ByStatus[s.Status().String()]++
		if s.hasPendingPersist() {
			st.PendingPersist++
		}
		st.Members += s.MemberCount()
	}
	return st
}
