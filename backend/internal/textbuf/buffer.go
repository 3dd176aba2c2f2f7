// Package textbuf 保存文档的“可见文本”视图。
// CRDT 每集成一次插入或删除，都会把对应的 delta 应用到缓冲区，
// 因此读取全文（持久化、健康检查）不需要遍历墓碑。
package textbuf

import (
	"errors"

	"editorSync/backend/internal/ot/delta"
)

var ErrOutOfRange = errors.New("textbuf: delta exceeds buffer length")

// Buffer 抽象文档内容缓冲区接口
type Buffer interface {
	Len() int
	Apply(d delta.Delta) error
	String() string
}

/*
结构示例

初始文档内容 `"Hello world"`：

- original buffer 内容：`"Hello world"`
- add buffer 为空
- piece 表：[ (orig, offset=0, length=11) ]

在位置 5 插入 `" collaborative"`：
- add buffer 末尾追加 `" collaborative"`
- piece 表从一条拆成三条：

[
  (orig, offset=0, length=5),       // "Hello"
  (add,  offset=0, length=14),      // " collaborative"
  (orig, offset=5, length=6),       // " world"
]
*/
