package crdt

import (
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"editorSync/backend/internal/ot/delta"
	"editorSync/backend/internal/textbuf"
)

func mustTransact(t *testing.T, d *Doc, fn func(tx *Txn) error) []byte {
	t.Helper()
	u, err := d.Transact("test", fn)
	if err != nil {
		t.Fatalf("transact: %v", err)
	}
	return u
}

func insert(t *testing.T, d *Doc, pos int, s string) []byte {
	return mustTransact(t, d, func(tx *Txn) error { return tx.Insert(pos, s) })
}

func remove(t *testing.T, d *Doc, pos, n int) []byte {
	return mustTransact(t, d, func(tx *Txn) error { return tx.Delete(pos, n) })
}

func TestDoc_LocalEdits(t *testing.T) {
	d := NewDoc(1)
	insert(t, d, 0, "Hello world")
	insert(t, d, 5, ",")
	remove(t, d, 6, 1)
	if got := d.Text(); got != "Hello,world" {
		t.Fatalf("expected %q, got %q", "Hello,world", got)
	}
	if d.Len() != 11 {
		t.Fatalf("expected len 11, got %d", d.Len())
	}
}

func TestDoc_OutOfRange(t *testing.T) {
	d := NewDoc(1)
	insert(t, d, 0, "abc")
	if _, err := d.Transact("x", func(tx *Txn) error { return tx.Insert(4, "z") }); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
	if _, err := d.Transact("x", func(tx *Txn) error { return tx.Delete(2, 2) }); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
	if d.Text() != "abc" {
		t.Fatalf("document changed after failed edit: %q", d.Text())
	}
}

func TestDoc_FullStateRoundTrip(t *testing.T) {
	a := NewDoc(1)
	insert(t, a, 0, "héllo 世界")
	remove(t, a, 0, 1)

	full, err := a.EncodeStateAsUpdate(nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b := NewDoc(2)
	if err := b.ApplyUpdate(full, "remote"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if a.Text() != b.Text() {
		t.Fatalf("texts differ: %q vs %q", a.Text(), b.Text())
	}
}

func TestDoc_EmptyDocEncodesNil(t *testing.T) {
	d := NewDoc(1)
	u, err := d.EncodeStateAsUpdate(nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if u != nil {
		t.Fatalf("expected nil update for empty doc, got %v", u)
	}
	if err := d.ApplyUpdate(nil, "remote"); err != nil {
		t.Fatalf("empty update should be a no-op: %v", err)
	}
}

func TestDoc_DeltaByStateVector(t *testing.T) {
	a := NewDoc(1)
	b := NewDoc(2)
	if err := b.ApplyUpdate(insert(t, a, 0, "abc"), "remote"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	sv := b.EncodeStateVector()

	insert(t, a, 3, "def")
	diff, err := a.EncodeStateAsUpdate(sv)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	full, _ := a.EncodeStateAsUpdate(nil)
	if len(diff) >= len(full) {
		t.Fatalf("expected diff (%d bytes) smaller than full state (%d bytes)", len(diff), len(full))
	}
	if err := b.ApplyUpdate(diff, "remote"); err != nil {
		t.Fatalf("apply diff: %v", err)
	}
	if b.Text() != "abcdef" {
		t.Fatalf("expected abcdef, got %q", b.Text())
	}

	// 已同步的一方不再需要插入
	again, _ := a.EncodeStateAsUpdate(b.EncodeStateVector())
	if again != nil {
		u, _ := decodeUpdate(again)
		if len(u.inserts) != 0 {
			t.Fatalf("expected no inserts after sync, got %d", len(u.inserts))
		}
	}
}

func TestDoc_Idempotent(t *testing.T) {
	a := NewDoc(1)
	u1 := insert(t, a, 0, "xyz")
	u2 := remove(t, a, 1, 1)

	b := NewDoc(2)
	for i := 0; i < 3; i++ {
		if err := b.ApplyUpdate(u1, "remote"); err != nil {
			t.Fatalf("apply u1: %v", err)
		}
		if err := b.ApplyUpdate(u2, "remote"); err != nil {
			t.Fatalf("apply u2: %v", err)
		}
	}
	if b.Text() != "xz" {
		t.Fatalf("expected xz, got %q", b.Text())
	}
}

func TestDoc_MalformedUpdateLeavesDocUnchanged(t *testing.T) {
	d := NewDoc(1)
	insert(t, d, 0, "keep")
	before := d.EncodeStateVector()

	cases := [][]byte{
		{0x01, 0x02},
		{0x07, 0x00, 0x00},
		{0x01, 0x00, 0x00, 0xff},
	}
	for _, c := range cases {
		if err := d.ApplyUpdate(c, "remote"); !errors.Is(err, ErrMalformedUpdate) {
			t.Fatalf("update %v: expected ErrMalformedUpdate, got %v", c, err)
		}
	}
	if d.Text() != "keep" {
		t.Fatalf("document changed: %q", d.Text())
	}
	if diff := cmp.Diff(before, d.EncodeStateVector()); diff != "" {
		t.Fatalf("state vector changed (-want +got):\n%s", diff)
	}
	if _, err := d.EncodeStateAsUpdate([]byte{0x05}); !errors.Is(err, ErrMalformedStateVector) {
		t.Fatalf("expected ErrMalformedStateVector, got %v", err)
	}
}

func TestDoc_OutOfOrderDelivery(t *testing.T) {
	a := NewDoc(1)
	u1 := insert(t, a, 0, "ab")
	u2 := insert(t, a, 2, "cd")
	u3 := remove(t, a, 0, 1)

	b := NewDoc(2)
	for _, u := range [][]byte{u3, u2} {
		if err := b.ApplyUpdate(u, "remote"); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	if b.Text() != "" {
		t.Fatalf("expected nothing visible before dependencies arrive, got %q", b.Text())
	}
	if err := b.ApplyUpdate(u1, "remote"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if b.Text() != "bcd" {
		t.Fatalf("expected bcd, got %q", b.Text())
	}
}

func TestDoc_ConcurrentInsertsConverge(t *testing.T) {
	a := NewDoc(1)
	b := NewDoc(2)
	base := insert(t, a, 0, "ac")
	if err := b.ApplyUpdate(base, "remote"); err != nil {
		t.Fatalf("apply: %v", err)
	}

	ua := insert(t, a, 1, "X")
	ub := insert(t, b, 1, "Y")
	if err := a.ApplyUpdate(ub, "remote"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := b.ApplyUpdate(ua, "remote"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if a.Text() != b.Text() {
		t.Fatalf("replicas diverged: %q vs %q", a.Text(), b.Text())
	}
	if len(a.Text()) != 4 {
		t.Fatalf("expected 4 chars, got %q", a.Text())
	}
}

// 三个副本随机编辑，更新以打乱的顺序（含重复）投递，最终必须一致
func TestDoc_RandomizedConvergence(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	docs := []*Doc{NewDoc(11), NewDoc(22), NewDoc(33)}
	var log [][]byte

	for round := 0; round < 200; round++ {
		d := docs[rng.Intn(len(docs))]
		var u []byte
		if n := d.Len(); n > 0 && rng.Intn(3) == 0 {
			pos := rng.Intn(n)
			cnt := 1 + rng.Intn(min(3, n-pos))
			u = remove(t, d, pos, cnt)
		} else {
			u = insert(t, d, rng.Intn(d.Len()+1), string(rune('a'+rng.Intn(26))))
		}
		log = append(log, u)

		// 偶尔把一部分历史更新投递给另一个副本
		if rng.Intn(4) == 0 {
			peer := docs[rng.Intn(len(docs))]
			for _, i := range rng.Perm(len(log))[:rng.Intn(len(log))+1] {
				if err := peer.ApplyUpdate(log[i], "remote"); err != nil {
					t.Fatalf("apply: %v", err)
				}
			}
		}
	}

	for _, d := range docs {
		for _, i := range rng.Perm(len(log)) {
			if err := d.ApplyUpdate(log[i], "remote"); err != nil {
				t.Fatalf("apply: %v", err)
			}
		}
	}
	want := docs[0].Text()
	for i, d := range docs[1:] {
		if got := d.Text(); got != want {
			t.Fatalf("replica %d diverged:\nwant %q\ngot  %q", i+1, want, got)
		}
	}
}

func TestDoc_CheckpointCatchUp(t *testing.T) {
	server := NewDoc(1)
	insert(t, server, 0, "base")

	sync, cp, err := server.SyncSince(nil)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if u := server.UpdateSince(cp); u != nil {
		t.Fatalf("expected nothing new right after checkpoint, got %v", u)
	}

	// 检查点之后又有其他人编辑
	insert(t, server, 4, "!")
	remove(t, server, 0, 1)

	client := NewDoc(2)
	if err := client.ApplyUpdate(sync, "remote"); err != nil {
		t.Fatalf("apply sync: %v", err)
	}
	catchUp := server.UpdateSince(cp)
	if catchUp == nil {
		t.Fatalf("expected catch-up update")
	}
	if err := client.ApplyUpdate(catchUp, "remote"); err != nil {
		t.Fatalf("apply catch-up: %v", err)
	}
	if client.Text() != "ase!" {
		t.Fatalf("expected ase!, got %q", client.Text())
	}
}

func TestDoc_ObserveEvents(t *testing.T) {
	d := NewDoc(1)
	var events []Event
	cancel := d.Observe(func(ev Event) { events = append(events, ev) })

	u := insert(t, d, 0, "hi")
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Origin != "test" {
		t.Fatalf("expected origin test, got %q", events[0].Origin)
	}
	if diff := cmp.Diff(u, events[0].Update); diff != "" {
		t.Fatalf("event update mismatch (-want +got):\n%s", diff)
	}
	want := []delta.Delta{{delta.Insert("hi")}}
	if diff := cmp.Diff(want, events[0].Changes); diff != "" {
		t.Fatalf("changes mismatch (-want +got):\n%s", diff)
	}

	cancel()
	insert(t, d, 2, "!")
	if len(events) != 1 {
		t.Fatalf("observer called after cancel")
	}
}

func TestDoc_ApplyDelta(t *testing.T) {
	d := NewDoc(1)
	if _, err := d.ApplyDelta("hydrate", delta.Delta{delta.Insert("hello world")}); err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	change := delta.Delta{delta.Retain(6), delta.Delete(5), delta.Insert("gopher"), delta.Retain(0)}
	if _, err := d.ApplyDelta("edit", change); err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	if got := d.Text(); got != "hello gopher" {
		t.Fatalf("Text() = %q, want %q", got, "hello gopher")
	}

	peer := NewDoc(2)
	full, _ := d.EncodeStateAsUpdate(nil)
	if err := peer.ApplyUpdate(full, "remote"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if peer.Text() != "hello gopher" {
		t.Fatalf("peer Text() = %q", peer.Text())
	}

	if _, err := d.ApplyDelta("edit", delta.Delta{delta.Retain(100), delta.Insert("x")}); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
}

// 整个文件作为一次插入载入，必须在秒级以内完成
func TestDoc_LargeDocument(t *testing.T) {
	const n = 200_000
	content := strings.Repeat("abcdefghi\n", n/10)

	start := time.Now()
	d := NewDoc(1)
	if _, err := d.ApplyDelta("hydrate", delta.Delta{delta.Insert(content)}); err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("inserting %d runes took %v", n, elapsed)
	}
	if d.Len() != n || d.Text() != content {
		t.Fatalf("Len() = %d, text matches = %v", d.Len(), d.Text() == content)
	}

	// 新副本应用全量状态
	start = time.Now()
	full, err := d.EncodeStateAsUpdate(nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	peer := NewDoc(2)
	if err := peer.ApplyUpdate(full, "remote"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("syncing %d runes took %v", n, elapsed)
	}
	if peer.Text() != content {
		t.Fatalf("peer text differs")
	}

	// 中间位置的编辑
	if _, err := d.ApplyDelta("edit", delta.Delta{delta.Retain(n / 2), delta.Delete(10), delta.Insert("XY")}); err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	want := content[:n/2] + "XY" + content[n/2+10:]
	if d.Text() != want {
		t.Fatalf("text after middle edit differs")
	}
}

// 随机编辑跨越多次分块，与简单的 rune 切片模型对照
func TestDoc_MatchesModelAcrossBlockSplits(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	d := NewDoc(1)
	peer := NewDoc(2)
	var model []rune

	for step := 0; step < 2000; step++ {
		var u []byte
		if len(model) > 0 && rng.Intn(3) == 0 {
			pos := rng.Intn(len(model))
			cnt := 1 + rng.Intn(min(40, len(model)-pos))
			u = remove(t, d, pos, cnt)
			model = append(model[:pos], model[pos+cnt:]...)
		} else {
			pos := rng.Intn(len(model) + 1)
			text := []rune(strings.Repeat(string(rune('a'+rng.Intn(26))), 1+rng.Intn(300)))
			u = insert(t, d, pos, string(text))
			model = append(model[:pos], append(text, model[pos:]...)...)
		}
		if err := peer.ApplyUpdate(u, "remote"); err != nil {
			t.Fatalf("step %d: apply: %v", step, err)
		}
		if step%50 == 0 && d.Text() != string(model) {
			t.Fatalf("step %d: text diverged from model", step)
		}
	}
	if d.Text() != string(model) || peer.Text() != string(model) || d.Len() != len(model) {
		t.Fatalf("final text diverged from model")
	}
}

func TestDoc_RemoteChangesAreMerged(t *testing.T) {
	a := NewDoc(1)
	u := insert(t, a, 0, "hello")

	b := NewDoc(2)
	var events []Event
	b.Observe(func(ev Event) { events = append(events, ev) })
	if err := b.ApplyUpdate(u, "remote"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if diff := cmp.Diff([]delta.Delta{{delta.Insert("hello")}}, events[0].Changes); diff != "" {
		t.Fatalf("changes mismatch (-want +got):\n%s", diff)
	}

	// 退格式的连续删除合并为一条
	var cs changeSet
	cs.delete(4, 1)
	cs.delete(3, 1)
	cs.delete(3, 1)
	cs.insert(3, []rune("xy"))
	cs.insert(5, []rune("z"))
	want := []delta.Delta{
		{delta.Retain(3), delta.Delete(3)},
		{delta.Retain(3), delta.Insert("xyz")},
	}
	if diff := cmp.Diff(want, cs.deltas()); diff != "" {
		t.Fatalf("merged changes mismatch (-want +got):\n%s", diff)
	}
}

func TestDoc_TextRebuiltWhenBufferDiverges(t *testing.T) {
	d := NewDoc(1)
	insert(t, d, 0, "abc")
	peer := NewDoc(2)
	full, _ := d.EncodeStateAsUpdate(nil)
	if err := peer.ApplyUpdate(full, "remote"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	u := insert(t, peer, 3, "d")

	// 人为破坏文本缓冲区
	d.text = textbuf.NewPieceTable("")
	err := d.ApplyUpdate(u, "remote")
	if !errors.Is(err, ErrTextResync) {
		t.Fatalf("expected ErrTextResync, got %v", err)
	}
	if d.Text() != "abcd" {
		t.Fatalf("Text() = %q after rebuild, want abcd", d.Text())
	}

	// 长度不一致同样会被发现
	d.text = textbuf.NewPieceTable("abcd?")
	if _, err := d.Transact("x", func(tx *Txn) error { return tx.Delete(0, 1) }); !errors.Is(err, ErrTextResync) {
		t.Fatalf("expected ErrTextResync on length mismatch, got %v", err)
	}
	if d.Text() != "bcd" {
		t.Fatalf("Text() = %q after rebuild, want bcd", d.Text())
	}
}
