// Package metrics 封装 go-metrics，提供计数器、计时器与仪表。
// 关闭时 New 返回 nil，nil *Recorder 的所有方法都是空操作。
package metrics

import (
	"time"

	gometrics "github.com/rcrowley/go-metrics"
)

const (
	SessionsCreated     = "sessions.created"
	SessionsActive      = "sessions.active"
	HydrateFailed       = "hydrate.failed"
	HydrateTime         = "hydrate.time"
	UpdatesApplied      = "updates.applied"
	UpdatesRejected     = "updates.rejected"
	PersistSaved        = "persist.saved"
	PersistFailed       = "persist.failed"
	PersistFlushFailed  = "persist.flush.failed"
	PersistTime         = "persist.time"
	ConnectionsActive   = "connections.active"
	MessagesDropped     = "messages.dropped"
	EventsPublishFailed = "events.publish.failed"
	TextResync          = "crdt.text.resync"
)

type Recorder struct {
	reg gometrics.Registry
}

func New(enabled bool) *Recorder {
	if !enabled {
		return nil
	}
	return &Recorder{reg: gometrics.NewRegistry()}
}

func (r *Recorder) Enabled() bool { return r != nil }

func (r *Recorder) Inc(name string) { r.Add(name, 1) }

func (r *Recorder) Add(name string, n int64) {
	if r == nil {
		return
	}
	gometrics.GetOrRegisterCounter(name, r.reg).Inc(n)
}

func (r *Recorder) Gauge(name string, v int64) {
	if r == nil {
		return
	}
	gometrics.GetOrRegisterGauge(name, r.reg).Update(v)
}

// Since 记录从 start 到现在的耗时
func (r *Recorder) Since(name string, start time.Time) {
	if r == nil {
		return
	}
	gometrics.GetOrRegisterTimer(name, r.reg).UpdateSince(start)
}

func (r *Recorder) Count(name string) int64 {
	if r == nil {
		return 0
	}
	if c, ok := r.reg.Get(name).(gometrics.Counter); ok {
		return c.Count()
	}
	return 0
}

// Snapshot 返回所有指标的当前值，供 HTTP 接口输出
func (r *Recorder) Snapshot() map[string]map[string]interface{} {
	if r == nil {
		return map[string]map[string]interface{}{}
	}
	return r.reg.GetAll()
}
