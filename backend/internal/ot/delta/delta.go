package delta

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

type Op struct {
	Kind  Kind   `json:"kind"`            // "retain" / "insert" / "delete"
	Count int    `json:"count,omitempty"` // retain/delete 的长度（按 rune 计）
	Text  string `json:"text,omitempty"`  // insert 的文本
}

// Delta 描述一次对可见文本的修改：
// "ops":[{"kind":"retain","count":5},{"kind":"insert","text":"Hello"}]
type Delta []Op

func Retain(n int) Op       { return Op{Kind: KindRetain, Count: n} }
func Insert(text string) Op { return Op{Kind: KindInsert, Text: text} }
func Delete(n int) Op       { return Op{Kind: KindDelete, Count: n} }

// At 构造“在 pos 位置执行 op”的 delta，pos 为 0 时省略 retain
func At(pos int, op Op) Delta {
	if pos <= 0 {
		return Delta{op}
	}
	return Delta{Retain(pos), op}
}

// Compact 合并相邻的同类操作，并丢弃空操作
func (d Delta) Compact() Delta {
	out := make(Delta, 0, len(d))
	for _, op := range d {
		if op.Kind != KindInsert && op.Count <= 0 {
			continue
		}
		if op.Kind == KindInsert && op.Text == "" {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Kind == op.Kind {
			if op.Kind == KindInsert {
				out[n-1].Text += op.Text
			} else {
				out[n-1].Count += op.Count
			}
			continue
		}
		out = append(out, op)
	}
	return out
}
