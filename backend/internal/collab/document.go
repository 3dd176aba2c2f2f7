package collab

import (
	"crypto/rand"
	"encoding/binary"

	"editorSync/backend/internal/crdt"
	"editorSync/backend/internal/ot/delta"
)

const (
	OriginHydrate  = "collab:hydrate"
	OriginRemote   = "collab:remote"
	OriginExternal = "collab:external"
)

// Change 是文档的一次变更通知
type Change struct {
	Origin string
	Update []byte
	Ops    []delta.Delta
}

// Document 是会话持有的可合并文档。实现必须保证任意顺序、重复地应用同一组更新后收敛。
type Document interface {
	Text() string
	ApplyUpdate(update []byte, origin string) error
	EncodeStateVector() []byte
	// EncodeStateAsUpdate 返回持有 stateVector 的一方缺少的部分，stateVector 为空时返回全量
	EncodeStateAsUpdate(stateVector []byte) ([]byte, error)
	// SyncSince 同 EncodeStateAsUpdate，额外返回 catchUp：调用它得到此刻之后新到达的变更
	SyncSince(stateVector []byte) (update []byte, catchUp func() []byte, err error)
	// ApplyDelta 把针对当前文本的 delta 作为本地事务应用，返回编码后的更新
	ApplyDelta(origin string, change delta.Delta) ([]byte, error)
	Observe(fn func(Change)) (cancel func())
}

// NewDocumentFunc 创建空文档
type NewDocumentFunc func() Document

// NewCRDTDocument 以随机 client id 创建基于 crdt 包的文档
func NewCRDTDocument() Document {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return &crdtDocument{Doc: crdt.NewDoc(binary.LittleEndian.Uint64(b[:]))}
}

type crdtDocument struct {
	*crdt.Doc
}

func (d *crdtDocument) SyncSince(stateVector []byte) ([]byte, func() []byte, error) {
	update, cp, err := d.Doc.SyncSince(stateVector)
	if err != nil {
		return nil, nil, err
	}
	return update, func() []byte { return d.Doc.UpdateSince(cp) }, nil
}

func (d *crdtDocument) Observe(fn func(Change)) func() {
	return d.Doc.Observe(func(ev crdt.Event) {
		fn(Change{Origin: ev.Origin, Update: ev.Update, Ops: ev.Changes})
	})
}
