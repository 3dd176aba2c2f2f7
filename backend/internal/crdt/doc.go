// Package crdt 实现会话层使用的可合并文本文档。
//
// 每个字符是一个带 (Client, Clock) 标识与 Lamport 时间戳的条目，按 RGA 规则
// 插入到其左侧参照字符（origin）之后；删除只打墓碑。任意顺序、任意重复地应用
// 同一组更新，所有副本都会收敛到相同的文本。
//
// 状态向量记录每个副本已连续收到的 Clock 数，用于计算“对方还没有的部分”。
// 依赖尚未到达的插入按所缺的依赖挂起，依赖集成后再继续。
package crdt

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"editorSync/backend/internal/ot/delta"
	"editorSync/backend/internal/textbuf"
)

var (
	ErrOutOfRange = errors.New("crdt: position out of range")
	// ErrTextResync 表示文本缓冲区与条目不一致，已按条目重建。文档本身的更新已经生效。
	ErrTextResync = errors.New("crdt: text buffer rebuilt from items")
)

type item struct {
	id        ID
	lamport   uint64
	hasOrigin bool
	origin    ID
	char      rune
	deleted   bool
	blk       *block
}

func (it *item) wire() wireItem {
	return wireItem{id: it.id, lamport: it.lamport, hasOrigin: it.hasOrigin, origin: it.origin, char: it.char}
}

// Event 在每次事务（本地编辑或远端更新）改变文档后触发
type Event struct {
	Origin  string
	Update  []byte
	Changes []delta.Delta
}

// Checkpoint 记录某一时刻文档已包含的插入与删除，用于计算之后新增的增量
type Checkpoint struct {
	sv      map[uint64]uint64
	deletes int
}

type Doc struct {
	mu       sync.Mutex
	clientID uint64
	lamport  uint64

	blocks  []*block
	visible int
	cursor  cursor
	index   map[ID]*item
	sv      map[uint64]uint64
	deleted map[ID]struct{}
	delLog  []ID
	// waiting 按缺少的依赖（前一个 clock 或 origin）挂起尚不能集成的插入
	waiting map[ID][]wireItem

	text *textbuf.PieceTable

	obsMu     sync.Mutex
	observers map[int]func(Event)
	nextObs   int
}

func NewDoc(clientID uint64) *Doc {
	return &Doc{
		clientID:  clientID,
		index:     make(map[ID]*item),
		sv:        make(map[uint64]uint64),
		deleted:   make(map[ID]struct{}),
		waiting:   make(map[ID][]wireItem),
		text:      textbuf.NewPieceTable(""),
		observers: make(map[int]func(Event)),
	}
}

func (d *Doc) ClientID() uint64 { return d.clientID }

func (d *Doc) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.text.String()
}

func (d *Doc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.visible
}

// Observe 注册变更回调，返回取消函数。回调在文档锁释放后执行。
func (d *Doc) Observe(fn func(Event)) func() {
	d.obsMu.Lock()
	id := d.nextObs
	d.nextObs++
	d.observers[id] = fn
	d.obsMu.Unlock()
	return func() {
		d.obsMu.Lock()
		delete(d.observers, id)
		d.obsMu.Unlock()
	}
}

func (d *Doc) emit(ev Event) {
	d.obsMu.Lock()
	ids := make([]int, 0, len(d.observers))
	for id := range d.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, d.observers[id])
	}
	d.obsMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// ApplyUpdate 应用一个二进制更新。更新先完整解码，解码失败时文档保持不变。
// 返回 ErrTextResync 时更新已经生效。
func (d *Doc) ApplyUpdate(b []byte, origin string) error {
	u, err := decodeUpdate(b)
	if err != nil {
		return err
	}
	if u.empty() {
		return nil
	}

	d.mu.Lock()
	var cs changeSet
	for _, w := range u.inserts {
		d.enqueue(w, &cs)
	}
	for _, id := range u.deletes {
		d.deleteID(id, &cs)
	}
	changes := cs.deltas()
	err = d.syncText(changes)
	d.mu.Unlock()

	if len(changes) > 0 {
		d.emit(Event{Origin: origin, Update: b, Changes: changes})
	}
	return err
}

// EncodeStateVector 返回本副本的状态向量
func (d *Doc) EncodeStateVector() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return encodeStateVector(d.sv)
}

// EncodeStateAsUpdate 返回持有 stateVector 的副本所缺少的更新；stateVector 为空时返回全量状态。
// 没有可发送内容时返回 nil。
func (d *Doc) EncodeStateAsUpdate(stateVector []byte) ([]byte, error) {
	remote, err := decodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return encodeUpdate(d.diff(remote, 0)), nil
}

// SyncSince 与 EncodeStateAsUpdate 相同，同时原子地返回当前检查点，
// 调用方之后可用 UpdateSince 补发在此之后到达的变更。
func (d *Doc) SyncSince(stateVector []byte) ([]byte, Checkpoint, error) {
	remote, err := decodeStateVector(stateVector)
	if err != nil {
		return nil, Checkpoint{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return encodeUpdate(d.diff(remote, 0)), d.checkpointLocked(), nil
}

func (d *Doc) Checkpoint() Checkpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.checkpointLocked()
}

func (d *Doc) checkpointLocked() Checkpoint {
	sv := make(map[uint64]uint64, len(d.sv))
	for c, n := range d.sv {
		sv[c] = n
	}
	return Checkpoint{sv: sv, deletes: len(d.delLog)}
}

// UpdateSince 返回检查点之后新增的插入与删除，没有变化时返回 nil
func (d *Doc) UpdateSince(cp Checkpoint) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cp.sv == nil {
		cp.sv = map[uint64]uint64{}
	}
	return encodeUpdate(d.diff(cp.sv, cp.deletes))
}

// diff 收集 remote 状态向量之后的插入（按 client、clock 排序），以及 delLog[fromDelete:] 的删除
func (d *Doc) diff(remote map[uint64]uint64, fromDelete int) *update {
	u := &update{}
	for _, blk := range d.blocks {
		for _, it := range blk.items {
			if it.id.Clock >= remote[it.id.Client] {
				u.inserts = append(u.inserts, it.wire())
			}
		}
	}
	sort.Slice(u.inserts, func(i, j int) bool {
		a, b := u.inserts[i].id, u.inserts[j].id
		if a.Client != b.Client {
			return a.Client < b.Client
		}
		return a.Clock < b.Clock
	})
	if fromDelete < len(d.delLog) {
		u.deletes = append(u.deletes, d.delLog[fromDelete:]...)
	}
	return u
}

// syncText 把变更应用到文本缓冲区。缓冲区与条目不一致时按条目重建并返回 ErrTextResync。
func (d *Doc) syncText(changes []delta.Delta) error {
	var err error
	for _, ch := range changes {
		if err = d.text.Apply(ch); err != nil {
			break
		}
	}
	if err == nil && d.text.Len() == d.visible {
		return nil
	}
	if err == nil {
		err = fmt.Errorf("length %d, want %d", d.text.Len(), d.visible)
	}
	d.text = textbuf.NewPieceTable(d.visibleText())
	return fmt.Errorf("%w: %v", ErrTextResync, err)
}

// Txn 在一次事务内收集本地编辑，事务结束后编码为单个更新
type Txn struct {
	d       *Doc
	u       update
	changes changeSet
}

// Insert 在可见位置 pos（按 rune 计）插入文本。
// 本地插入的 Lamport 时间戳大于文档中已有的全部字符，按 RGA 规则总是紧跟在 origin 之后，
// 因此整段文本作为一个连续块放入。
func (tx *Txn) Insert(pos int, text string) error {
	d := tx.d
	if pos < 0 || pos > d.visible {
		return ErrOutOfRange
	}
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	d.cursor = cursor{}

	b, i := 0, 0
	var prev *item
	if pos > 0 {
		b, i = d.visibleIndex(pos - 1)
		prev = d.blocks[b].items[i]
		i++
	}
	its := make([]*item, len(runes))
	for k, r := range runes {
		d.lamport++
		it := &item{id: ID{Client: d.clientID, Clock: d.sv[d.clientID]}, lamport: d.lamport, char: r}
		if prev != nil {
			it.hasOrigin, it.origin = true, prev.id
		}
		d.sv[d.clientID]++
		d.index[it.id] = it
		its[k] = it
		prev = it
		tx.u.inserts = append(tx.u.inserts, it.wire())
	}
	d.insertAt(b, i, its)
	tx.changes.insert(pos, runes)
	return nil
}

// Delete 从可见位置 pos 开始删除 n 个字符
func (tx *Txn) Delete(pos, n int) error {
	d := tx.d
	if pos < 0 || n < 0 || pos+n > d.visible {
		return ErrOutOfRange
	}
	if n == 0 {
		return nil
	}
	d.cursor = cursor{}

	b, i := d.visibleIndex(pos)
	for left := n; left > 0; b, i = d.next(b, i) {
		it := d.blocks[b].items[i]
		if it.deleted {
			continue
		}
		d.tombstone(it)
		d.deleted[it.id] = struct{}{}
		d.delLog = append(d.delLog, it.id)
		tx.u.deletes = append(tx.u.deletes, it.id)
		left--
	}
	tx.changes.delete(pos, n)
	return nil
}

func (tx *Txn) Len() int { return tx.d.visible }

// Transact 在文档锁内执行 fn，并把其中的全部编辑编码为一个更新返回。
// fn 返回错误时，之前已成功的编辑仍然保留并被编码。
func (d *Doc) Transact(origin string, fn func(tx *Txn) error) ([]byte, error) {
	d.mu.Lock()
	tx := &Txn{d: d}
	err := fn(tx)
	changes := tx.changes.deltas()
	if terr := d.syncText(changes); terr != nil {
		err = errors.Join(err, terr)
	}
	d.mu.Unlock()

	b := encodeUpdate(&tx.u)
	if len(changes) > 0 {
		d.emit(Event{Origin: origin, Update: b, Changes: changes})
	}
	return b, err
}

// ApplyDelta 把基于当前可见文本的 delta 作为一次本地事务应用
func (d *Doc) ApplyDelta(origin string, change delta.Delta) ([]byte, error) {
	return d.Transact(origin, func(tx *Txn) error {
		pos := 0
		for _, op := range change {
			switch op.Kind {
			case delta.KindRetain:
				pos += op.Count
			case delta.KindInsert:
				before := tx.Len()
				if err := tx.Insert(pos, op.Text); err != nil {
					return err
				}
				pos += tx.Len() - before
			case delta.KindDelete:
				if err := tx.Delete(pos, op.Count); err != nil {
					return err
				}
			default:
				return fmt.Errorf("crdt: unknown op kind %q", op.Kind)
			}
		}
		return nil
	})
}

// missingDep 返回 w 集成前还缺少的依赖
func (d *Doc) missingDep(w wireItem) (ID, bool) {
	if c := w.id.Clock; c > d.sv[w.id.Client] {
		return ID{Client: w.id.Client, Clock: c - 1}, true
	}
	if w.hasOrigin {
		if _, ok := d.index[w.origin]; !ok {
			return w.origin, true
		}
	}
	return ID{}, false
}

// enqueue 集成 w；依赖未到达时挂起，等依赖集成后再继续
func (d *Doc) enqueue(w wireItem, cs *changeSet) {
	stack := []wireItem{w}
	for len(stack) > 0 {
		w := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if w.id.Clock < d.sv[w.id.Client] {
			// 重复的插入
			continue
		}
		if dep, missing := d.missingDep(w); missing {
			d.waiting[dep] = append(d.waiting[dep], w)
			continue
		}
		d.integrate(w, cs)
		if ready, ok := d.waiting[w.id]; ok {
			delete(d.waiting, w.id)
			stack = append(stack, ready...)
		}
	}
}

// integrate 按 RGA 规则放置一个依赖已满足的插入
func (d *Doc) integrate(w wireItem, cs *changeSet) {
	b, i, vis := 0, 0, 0
	if w.hasOrigin {
		o := d.index[w.origin]
		if c := d.cursor; c.it == o {
			b, i, vis = c.b, c.i, c.vis
		} else {
			b, i = d.locate(o)
			vis = d.visibleBefore(b, i)
		}
		if !o.deleted {
			vis++
		}
		b, i = d.next(b, i)
	}
	// 跳过同一参照点之后时间戳更大的并发插入（以及它们的后代）
	for b < len(d.blocks) {
		x := d.blocks[b].items[i]
		if !laterThan(x, w) {
			break
		}
		if !x.deleted {
			vis++
		}
		b, i = d.next(b, i)
	}

	it := &item{id: w.id, lamport: w.lamport, hasOrigin: w.hasOrigin, origin: w.origin, char: w.char}
	if _, dead := d.deleted[w.id]; dead {
		it.deleted = true
	}
	b, i = d.insertAt(b, i, []*item{it})
	d.cursor = cursor{it: it, b: b, i: i, vis: vis}
	d.index[it.id] = it
	d.sv[w.id.Client] = w.id.Clock + 1
	if w.lamport > d.lamport {
		d.lamport = w.lamport
	}
	if !it.deleted {
		cs.insert(vis, []rune{it.char})
	}
}

// deleteID 记录删除；目标已集成且可见时写入 cs
func (d *Doc) deleteID(id ID, cs *changeSet) {
	if _, seen := d.deleted[id]; seen {
		return
	}
	d.deleted[id] = struct{}{}
	d.delLog = append(d.delLog, id)
	it, ok := d.index[id]
	if !ok || it.deleted {
		return
	}
	d.cursor = cursor{}
	b, i := d.locate(it)
	vis := d.visibleBefore(b, i)
	d.tombstone(it)
	cs.delete(vis, 1)
}

func laterThan(a *item, w wireItem) bool {
	if a.lamport != w.lamport {
		return a.lamport > w.lamport
	}
	return a.id.Client > w.id.Client
}
