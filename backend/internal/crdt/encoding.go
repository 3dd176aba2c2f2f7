package crdt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"unicode/utf8"
)

const updateVersion = 1

var (
	ErrMalformedUpdate      = errors.New("crdt: malformed update")
	ErrMalformedStateVector = errors.New("crdt: malformed state vector")
)

// ID 唯一标识一个字符：Client 为创建它的副本，Clock 为该副本内的递增序号
type ID struct {
	Client uint64
	Clock  uint64
}

type wireItem struct {
	id        ID
	lamport   uint64
	hasOrigin bool
	origin    ID
	char      rune
}

type update struct {
	inserts []wireItem
	deletes []ID
}

func (u *update) empty() bool { return len(u.inserts) == 0 && len(u.deletes) == 0 }

// 二进制格式（全部为 uvarint，除版本号与 origin 标志位外）：
//
//	version | nInserts | {client clock lamport flag [oClient oClock] rune}* | nDeletes | {client clock}*
func encodeUpdate(u *update) []byte {
	if u.empty() {
		return nil
	}
	buf := make([]byte, 0, 1+len(u.inserts)*12+len(u.deletes)*6)
	buf = append(buf, updateVersion)
	buf = binary.AppendUvarint(buf, uint64(len(u.inserts)))
	for _, it := range u.inserts {
		buf = binary.AppendUvarint(buf, it.id.Client)
		buf = binary.AppendUvarint(buf, it.id.Clock)
		buf = binary.AppendUvarint(buf, it.lamport)
		if it.hasOrigin {
			buf = append(buf, 1)
			buf = binary.AppendUvarint(buf, it.origin.Client)
			buf = binary.AppendUvarint(buf, it.origin.Clock)
		} else {
			buf = append(buf, 0)
		}
		buf = binary.AppendUvarint(buf, uint64(it.char))
	}
	buf = binary.AppendUvarint(buf, uint64(len(u.deletes)))
	for _, id := range u.deletes {
		buf = binary.AppendUvarint(buf, id.Client)
		buf = binary.AppendUvarint(buf, id.Clock)
	}
	return buf
}

type reader struct {
	b   []byte
	err error
}

func (r *reader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.b)
	if n <= 0 {
		r.err = ErrMalformedUpdate
		return 0
	}
	r.b = r.b[n:]
	return v
}

func (r *reader) readByte() byte {
	if r.err != nil {
		return 0
	}
	if len(r.b) == 0 {
		r.err = ErrMalformedUpdate
		return 0
	}
	c := r.b[0]
	r.b = r.b[1:]
	return c
}

// count 读取元素个数，并用剩余字节数做上限，防止恶意长度导致超大分配
func (r *reader) count(minSize int) int {
	n := r.uvarint()
	if r.err == nil && n > uint64(len(r.b)/minSize) {
		r.err = ErrMalformedUpdate
		return 0
	}
	return int(n)
}

func decodeUpdate(b []byte) (*update, error) {
	if len(b) == 0 {
		return &update{}, nil
	}
	r := &reader{b: b}
	if v := r.readByte(); v != updateVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedUpdate, v)
	}
	u := &update{}
	n := r.count(5)
	u.inserts = make([]wireItem, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		var it wireItem
		it.id.Client = r.uvarint()
		it.id.Clock = r.uvarint()
		it.lamport = r.uvarint()
		switch r.readByte() {
		case 0:
		case 1:
			it.hasOrigin = true
			it.origin.Client = r.uvarint()
			it.origin.Clock = r.uvarint()
		default:
			r.err = ErrMalformedUpdate
		}
		c := r.uvarint()
		if c > utf8.MaxRune || !utf8.ValidRune(rune(c)) {
			r.err = ErrMalformedUpdate
		}
		it.char = rune(c)
		u.inserts = append(u.inserts, it)
	}
	m := r.count(2)
	u.deletes = make([]ID, 0, m)
	for i := 0; i < m && r.err == nil; i++ {
		u.deletes = append(u.deletes, ID{Client: r.uvarint(), Clock: r.uvarint()})
	}
	if r.err != nil {
		return nil, r.err
	}
	if len(r.b) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedUpdate, len(r.b))
	}
	return u, nil
}

func encodeStateVector(sv map[uint64]uint64) []byte {
	clients := make([]uint64, 0, len(sv))
	for c := range sv {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	buf := binary.AppendUvarint(nil, uint64(len(clients)))
	for _, c := range clients {
		buf = binary.AppendUvarint(buf, c)
		buf = binary.AppendUvarint(buf, sv[c])
	}
	return buf
}

func decodeStateVector(b []byte) (map[uint64]uint64, error) {
	sv := make(map[uint64]uint64)
	if len(b) == 0 {
		return sv, nil
	}
	r := &reader{b: b}
	n := r.count(2)
	for i := 0; i < n && r.err == nil; i++ {
		c := r.uvarint()
		sv[c] = r.uvarint()
	}
	if r.err != nil || len(r.b) != 0 {
		return nil, ErrMalformedStateVector
	}
	return sv, nil
}
