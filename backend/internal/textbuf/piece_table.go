package textbuf

import (
	"strings"

	"editorSync/backend/internal/ot/delta"
)

type bufferKind int

const (
	//iota：在 const (...) 里从 0 开始自动递增，这里 bufOriginal = 0, bufAdd = 1
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	buf    bufferKind
	offset int
	length int
}

type PieceTable struct {
	original []rune
	add      []rune
	pieces   []piece
	size     int
}

var _ Buffer = (*PieceTable)(nil)

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	pt := &PieceTable{original: r, size: len(r)}
	if len(r) > 0 {
		pt.pieces = []piece{{buf: bufOriginal, offset: 0, length: len(r)}}
	}
	return pt
}

func (pt *PieceTable) Len() int { return pt.size }

func (pt *PieceTable) String() string {
	var sb strings.Builder
	sb.Grow(pt.size)
	for _, p := range pt.pieces {
		src := pt.original
		if p.buf == bufAdd {
			src = pt.add
		}
		for _, r := range src[p.offset : p.offset+p.length] {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// Apply 依次执行 delta 中的操作，pos 为当前逻辑光标：
// retain 前移光标；insert 在光标处插入；delete 从光标处删除。
// 任何越界操作都会返回 ErrOutOfRange，此时缓冲区可能已部分修改。
func (pt *PieceTable) Apply(d delta.Delta) error {
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			if pos+op.Count > pt.size {
				return ErrOutOfRange
			}
			pos += op.Count
		case delta.KindInsert:
			n := pt.insert(pos, []rune(op.Text))
			pos += n
		case delta.KindDelete:
			if pos+op.Count > pt.size {
				return ErrOutOfRange
			}
			pt.delete(pos, op.Count)
		}
	}
	return nil
}

func (pt *PieceTable) insert(pos int, text []rune) int {
	if len(text) == 0 {
		return 0
	}
	start := len(pt.add)
	pt.add = append(pt.add, text...)
	np := piece{buf: bufAdd, offset: start, length: len(text)}
	pt.size += len(text)

	idx, offset := pt.locate(pos)
	if idx == len(pt.pieces) {
		// 连续输入时直接延长最后一个 add piece，避免 piece 数量随字符数增长
		if n := len(pt.pieces); n > 0 {
			last := &pt.pieces[n-1]
			if last.buf == bufAdd && last.offset+last.length == start {
				last.length += len(text)
				return len(text)
			}
		}
		pt.pieces = append(pt.pieces, np)
		return len(text)
	}
	if offset == 0 && idx > 0 {
		prev := &pt.pieces[idx-1]
		if prev.buf == bufAdd && prev.offset+prev.length == start {
			prev.length += len(text)
			return len(text)
		}
	}

	cur := pt.pieces[idx]
	out := make([]piece, 0, len(pt.pieces)+2)
	out = append(out, pt.pieces[:idx]...)
	if offset > 0 {
		out = append(out, piece{buf: cur.buf, offset: cur.offset, length: offset})
	}
	out = append(out, np)
	out = append(out, piece{buf: cur.buf, offset: cur.offset + offset, length: cur.length - offset})
	out = append(out, pt.pieces[idx+1:]...)
	pt.pieces = out
	return len(text)
}

func (pt *PieceTable) delete(pos, count int) {
	remain := count
	for remain > 0 {
		idx, offset := pt.locate(pos)
		if idx >= len(pt.pieces) {
			return
		}
		cur := pt.pieces[idx]
		take := cur.length - offset
		if take > remain {
			take = remain
		}
		repl := make([]piece, 0, 2)
		if offset > 0 {
			repl = append(repl, piece{buf: cur.buf, offset: cur.offset, length: offset})
		}
		if rest := cur.length - offset - take; rest > 0 {
			repl = append(repl, piece{buf: cur.buf, offset: cur.offset + offset + take, length: rest})
		}
		out := make([]piece, 0, len(pt.pieces)+1)
		out = append(out, pt.pieces[:idx]...)
		out = append(out, repl...)
		out = append(out, pt.pieces[idx+1:]...)
		pt.pieces = out
		pt.size -= take
		remain -= take
	}
}

// 根据逻辑位置 pos，找到对应的 piece 下标 idx 和在该 piece 内的偏移 offset
func (pt *PieceTable) locate(pos int) (idx int, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}
