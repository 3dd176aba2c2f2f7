package crdt

import "editorSync/backend/internal/ot/delta"

// 条目按文档顺序分块存放，每块记录自身的可见字符数。
// 定位与统计只需遍历块，再在单个块内扫描。
const (
	blockSize    = 128 // 拆分后每块的长度
	maxBlockSize = 4 * blockSize
)

type block struct {
	items   []*item
	visible int
}

// cursor 缓存最近一次远端集成的字符位置。
// 同一客户端连续输入的字符以前一个字符为 origin，命中缓存时不必重新定位。
type cursor struct {
	it   *item
	b, i int
	vis  int // items 中位于它之前的可见字符数
}

// chunk 把连续的条目切成若干新块；块持有自己的底层数组
func chunk(its []*item) []*block {
	out := make([]*block, 0, len(its)/blockSize+1)
	for len(its) > 0 {
		n := min(blockSize, len(its))
		blk := &block{items: append(make([]*item, 0, maxBlockSize), its[:n]...)}
		for _, it := range blk.items {
			it.blk = blk
			if !it.deleted {
				blk.visible++
			}
		}
		out = append(out, blk)
		its = its[n:]
	}
	return out
}

// insertAt 把 its 插到 (b, i) 处，b == len(blocks) 表示文档末尾。
// 返回 its[0] 插入后的位置。
func (d *Doc) insertAt(b, i int, its []*item) (int, int) {
	for _, it := range its {
		if !it.deleted {
			d.visible++
		}
	}
	if len(d.blocks) == 0 {
		d.blocks = chunk(its)
		return 0, 0
	}
	if b == len(d.blocks) {
		b = len(d.blocks) - 1
		i = len(d.blocks[b].items)
	}

	blk := d.blocks[b]
	if n := len(blk.items); n+len(its) <= maxBlockSize {
		blk.items = append(blk.items, its...)
		copy(blk.items[i+len(its):], blk.items[i:n])
		copy(blk.items[i:], its)
		for _, it := range its {
			it.blk = blk
			if !it.deleted {
				blk.visible++
			}
		}
		return b, i
	}

	merged := make([]*item, 0, len(blk.items)+len(its))
	merged = append(merged, blk.items[:i]...)
	merged = append(merged, its...)
	merged = append(merged, blk.items[i:]...)
	nb := chunk(merged)
	out := make([]*block, 0, len(d.blocks)+len(nb)-1)
	out = append(out, d.blocks[:b]...)
	out = append(out, nb...)
	out = append(out, d.blocks[b+1:]...)
	d.blocks = out
	return b + i/blockSize, i % blockSize
}

// tombstone 把可见条目标记为删除
func (d *Doc) tombstone(it *item) {
	it.deleted = true
	it.blk.visible--
	d.visible--
}

func (d *Doc) next(b, i int) (int, int) {
	if i+1 < len(d.blocks[b].items) {
		return b, i + 1
	}
	return b + 1, 0
}

func (d *Doc) locate(it *item) (int, int) {
	for b, blk := range d.blocks {
		if blk != it.blk {
			continue
		}
		for i, x := range blk.items {
			if x == it {
				return b, i
			}
		}
	}
	return -1, -1
}

// visibleBefore 统计 (b, i) 之前的可见字符数
func (d *Doc) visibleBefore(b, i int) int {
	n := 0
	for _, blk := range d.blocks[:b] {
		n += blk.visible
	}
	if b < len(d.blocks) {
		for _, it := range d.blocks[b].items[:i] {
			if !it.deleted {
				n++
			}
		}
	}
	return n
}

// visibleIndex 返回第 n 个（从 0 开始）可见字符的位置
func (d *Doc) visibleIndex(n int) (int, int) {
	for b, blk := range d.blocks {
		if n >= blk.visible {
			n -= blk.visible
			continue
		}
		for i, it := range blk.items {
			if it.deleted {
				continue
			}
			if n == 0 {
				return b, i
			}
			n--
		}
	}
	return -1, -1
}

func (d *Doc) visibleText() string {
	out := make([]rune, 0, d.visible)
	for _, blk := range d.blocks {
		for _, it := range blk.items {
			if !it.deleted {
				out = append(out, it.char)
			}
		}
	}
	return string(out)
}

// changeSet 收集一次事务对可见文本的修改，相邻的插入或删除合并为一条 delta
type changeSet struct {
	out  []delta.Delta
	kind delta.Kind // 尚未写入 out 的一条，空表示没有
	pos  int
	ins  []rune
	del  int
}

func (c *changeSet) insert(pos int, text []rune) {
	if c.kind == delta.KindInsert && pos == c.pos+len(c.ins) {
		c.ins = append(c.ins, text...)
		return
	}
	c.flush()
	c.kind, c.pos = delta.KindInsert, pos
	c.ins = append(c.ins, text...)
}

func (c *changeSet) delete(pos, n int) {
	if c.kind == delta.KindDelete {
		switch {
		case pos == c.pos:
			c.del += n
			return
		case pos+n == c.pos:
			// 向前连续删除（退格）
			c.pos = pos
			c.del += n
			return
		}
	}
	c.flush()
	c.kind, c.pos, c.del = delta.KindDelete, pos, n
}

func (c *changeSet) flush() {
	switch c.kind {
	case delta.KindInsert:
		c.out = append(c.out, delta.At(c.pos, delta.Insert(string(c.ins))))
		c.ins = c.ins[:0]
	case delta.KindDelete:
		c.out = append(c.out, delta.At(c.pos, delta.Delete(c.del)))
		c.del = 0
	}
	c.kind = ""
}

func (c *changeSet) deltas() []delta.Delta {
	c.flush()
	return c.out
}
