package collab

import (
	"sync"
	"time"
)

type HydrationStatus int

const (
	HydrationNotStarted HydrationStatus = iota
	HydrationInProgress
	HydrationComplete
	HydrationFailed
)

func (s HydrationStatus) String() string {
	switch s {
	case HydrationNotStarted:
		return "not-started"
	case HydrationInProgress:
		return "in-progress"
	case HydrationComplete:
		return "complete"
	case HydrationFailed:
		return "failed"
	}
	return "unknown"
}

// Session 是一个文档在内存中的实例。房间清空后不会被移除，重新加入时复用。
type Session struct {
	id         string
	identity   Identity
	persistent bool
	doc        Document

	mu       sync.Mutex
	status   HydrationStatus
	hydrated chan struct{} // 水合结束（成功或失败）时关闭
	timer    *time.Timer
	timerGen uint64 // 每次替换或取消定时器时递增，旧定时器触发后据此作废
	members  map[string]struct{}

	// persistMu 串行化同一文档的写入（定时写与 flush 不交错）
	persistMu sync.Mutex
}

func newSession(id string, doc Document) *Session {
	identity, ok := ParseIdentity(id)
	return &Session{
		id:         id,
		identity:   identity,
		persistent: ok,
		doc:        doc,
		hydrated:   make(chan struct{}),
		members:    make(map[string]struct{}),
	}
}

func (s *Session) ID() string         { return s.id }
func (s *Session) Document() Document { return s.doc }

// Identity 返回解析后的身份；第二个返回值为 false 表示该文档只存在于内存
func (s *Session) Identity() (Identity, bool) { return s.identity, s.persistent }

func (s *Session) Status() HydrationStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) HydrationFailed() bool { return s.Status() == HydrationFailed }

// beginHydration 只有第一次调用返回 true
func (s *Session) beginHydration() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != HydrationNotStarted {
		return false
	}
	s.status = HydrationInProgress
	return true
}

func (s *Session) finishHydration(status HydrationStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	close(s.hydrated)
}

func (s *Session) AddMember(connID string) {
	s.mu.Lock()
	s.members[connID] = struct{}{}
	s.mu.Unlock()
}

// RemoveMember 返回移除后剩余的成员数
func (s *Session) RemoveMember(connID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, connID)
	return len(s.members)
}

func (s *Session) MemberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.members)
}

// replaceTimer 取消旧定时器并登记新的，fire 收到新定时器的代数
func (s *Session) replaceTimer(d time.Duration, fire func(gen uint64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timerGen++
	gen := s.timerGen
	s.timer = time.AfterFunc(d, func() { fire(gen) })
}

// claimTimer 在定时器触发时调用：代数仍是最新时清空句柄并返回 true
func (s *Session) claimTimer(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.timerGen || s.timer == nil {
		return false
	}
	s.timer = nil
	return true
}

// cancelTimer 取消挂起的定时器，返回是否确实有一个被取消
func (s *Session) cancelTimer() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timerGen++
	if s.timer == nil {
		return false
	}
	s.timer.Stop()
	s.timer = nil
	return true
}

func (s *Session) hasPendingPersist() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}
