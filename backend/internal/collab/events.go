package collab

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"editorSync/backend/internal/ot/delta"
)

const (
	EventDocumentHydrated  = "DOCUMENT_HYDRATED"
	EventUpdateApplied     = "UPDATE_APPLIED"
	EventDocumentPersisted = "DOCUMENT_PERSISTED"
	EventPersistFailed     = "PERSIST_FAILED"
)

// instanceID 区分同一 topic 上不同的服务实例
var instanceID = uuid.NewString()

func InstanceID() string { return instanceID }

type DocEvent struct {
	EventType  string        `json:"eventType"`
	EventID    string        `json:"eventId"` // ULID，按时间有序
	InstanceID string        `json:"instanceId"`
	DocID      string        `json:"docId"`
	Origin     string        `json:"origin,omitempty"`
	Ops        []delta.Delta `json:"ops,omitempty"`
	Length     int           `json:"length,omitempty"` // 持久化时的文本长度（字节）
	Error      string        `json:"error,omitempty"`
	OccurredAt time.Time     `json:"occurredAt"`
}

func newDocEvent(eventType, docID string) DocEvent {
	now := time.Now()
	return DocEvent{
		EventType:  eventType,
		EventID:    ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		InstanceID: instanceID,
		DocID:      docID,
		OccurredAt: now,
	}
}

// EventSink 接收文档事件。Publish 不应长时间阻塞调用方。
type EventSink interface {
	Publish(ctx context.Context, evt DocEvent) error
}
