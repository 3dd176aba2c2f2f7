// Package presence 维护按连接划分的在线参与者，并向所有连接广播全局名单。
// 名单与文档房间无关。
package presence

import (
	"context"
	"strings"
	"sync"
	"unicode"

	"github.com/sirupsen/logrus"
)

const (
	EventPresenceUpdate = "presence:update"

	DefaultName     = "Guest"
	DefaultColor    = "#6366F1"
	InitialsUnknown = "NN"
)

type Participant struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Initials string `json:"initials"`
	Color    string `json:"color"`
}

// Hints 是连接握手时携带的身份信息，空白值视为未提供
type Hints struct {
	Name     string
	UserID   string
	Initials string
	Color    string
}

// Broadcaster 向所有连接发送事件
type Broadcaster interface {
	BroadcastAll(event string, data any)
}

// Mirror 把名单同步到外部缓存（例如 Redis），失败只记录日志
type Mirror interface {
	Put(ctx context.Context, connID string, p Participant) error
	Remove(ctx context.Context, connID string) error
}

type Tracker struct {
	mu           sync.Mutex
	order        []string
	participants map[string]Participant

	out    Broadcaster
	mirror Mirror
	log    *logrus.Entry
}

func NewTracker(mirror Mirror, log *logrus.Entry) *Tracker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Tracker{
		participants: make(map[string]Participant),
		mirror:       mirror,
		log:          log.WithField("component", "presence"),
	}
}

// SetBroadcaster 在网关创建后注入
func (t *Tracker) SetBroadcaster(b Broadcaster) {
	t.mu.Lock()
	t.out = b
	t.mu.Unlock()
}

func (t *Tracker) OnConnect(ctx context.Context, connID string, hints Hints) Participant {
	p := Participant{
		ID:       firstNonBlank(hints.UserID, connID),
		Name:     firstNonBlank(hints.Name, DefaultName),
		Initials: firstNonBlank(hints.Initials, DeriveInitials(hints.Name)),
		Color:    firstNonBlank(hints.Color, DefaultColor),
	}

	t.mu.Lock()
	if _, exists := t.participants[connID]; !exists {
		t.order = append(t.order, connID)
	}
	t.participants[connID] = p
	t.mu.Unlock()

	if t.mirror != nil {
		if err := t.mirror.Put(ctx, connID, p); err != nil {
			t.log.WithError(err).WithField("conn", connID).Warn("presence mirror put failed")
		}
	}
	t.BroadcastPresence()
	return p
}

func (t *Tracker) OnDisconnect(ctx context.Context, connID string) {
	t.mu.Lock()
	_, ok := t.participants[connID]
	if ok {
		delete(t.participants, connID)
		for i, id := range t.order {
			if id == connID {
				t.order = append(t.order[:i], t.order[i+1:]...)
				break
			}
		}
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	if t.mirror != nil {
		if err := t.mirror.Remove(ctx, connID); err != nil {
			t.log.WithError(err).WithField("conn", connID).Warn("presence mirror remove failed")
		}
	}
	t.BroadcastPresence()
}

// Roster 按连接顺序返回当前参与者
func (t *Tracker) Roster() []Participant {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Participant, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.participants[id])
	}
	return out
}

// Entries 返回 connID → Participant 的拷贝
func (t *Tracker) Entries() map[string]Participant {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Participant, len(t.participants))
	for id, p := range t.participants {
		out[id] = p
	}
	return out
}

func (t *Tracker) Lookup(connID string) (Participant, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.participants[connID]
	return p, ok
}

func (t *Tracker) BroadcastPresence() {
	t.mu.Lock()
	out := t.out
	t.mu.Unlock()
	if out == nil {
		return
	}
	roster := t.Roster()
	t.log.WithField("participants", len(roster)).Debug("broadcast presence")
	out.BroadcastAll(EventPresenceUpdate, roster)
}

// DeriveInitials：多个词取首词与末词的首字母；单个词取前两个字符（只有一个字符时补 N）；
// 空白名字返回 NN。结果大写。
func DeriveInitials(name string) string {
	parts := strings.Fields(name)
	if len(parts) == 0 {
		return InitialsUnknown
	}
	var out []rune
	if len(parts) > 1 {
		out = []rune{firstRune(parts[0]), firstRune(parts[len(parts)-1])}
	} else {
		r := []rune(parts[0])
		if len(r) >= 2 {
			out = r[:2]
		} else {
			out = []rune{r[0], 'N'}
		}
	}
	for i, r := range out {
		out[i] = unicode.ToUpper(r)
	}
	return string(out)
}

func firstRune(s string) rune {
	for _, r := range s {
		return r
	}
	return 'N'
}

func firstNonBlank(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

// HintsFromMap 从任意来源（握手参数、JWT claims）中提取字符串提示，非字符串与空白值忽略
func HintsFromMap(m map[string]any) Hints {
	return Hints{
		Name:     ensureString(m["name"]),
		UserID:   ensureString(m["userId"]),
		Initials: ensureString(m["initials"]),
		Color:    ensureString(m["color"]),
	}
}

func ensureString(v any) string {
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return ""
	}
	return s
}

// Merge 用 other 中非空的字段覆盖 h
func (h Hints) Merge(other Hints) Hints {
	h.Name = firstNonBlank(other.Name, h.Name)
	h.UserID = firstNonBlank(other.UserID, h.UserID)
	h.Initials = firstNonBlank(other.Initials, h.Initials)
	h.Color = firstNonBlank(other.Color, h.Color)
	return h
}
