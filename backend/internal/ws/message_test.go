package ws

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBytes_AcceptedForms(t *testing.T) {
	cases := map[string][]byte{
		`"AQID"`:                 {1, 2, 3},
		`[1,2,3]`:                {1, 2, 3},
		`{"0":1,"2":3,"1":2}`:    {1, 2, 3},
		`[]`:                     {},
		` [255, 0] `:             {255, 0},
	}
	for in, want := range cases {
		var b Bytes
		if err := json.Unmarshal([]byte(in), &b); err != nil {
			t.Fatalf("Unmarshal(%s): %v", in, err)
		}
		if diff := cmp.Diff(want, []byte(b)); diff != "" {
			t.Fatalf("Unmarshal(%s) mismatch (-want +got):\n%s", in, diff)
		}
	}
}

func TestBytes_Rejected(t *testing.T) {
	for _, in := range []string{
		`"not base64!"`,
		`[256]`,
		`[-1]`,
		`[1.5]`,
		`["a"]`,
		`{"0":1,"5":2}`,
		`{"x":1}`,
		`true`,
		`12`,
	} {
		var b Bytes
		if err := json.Unmarshal([]byte(in), &b); err == nil {
			t.Fatalf("Unmarshal(%s) succeeded, want error", in)
		}
	}
}

func TestBytes_MarshalsAsBase64(t *testing.T) {
	out, err := json.Marshal(syncMessage{DocumentID: "d", Update: Bytes{1, 2, 3}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `{"documentId":"d","update":"AQID"}` {
		t.Fatalf("marshal = %s", out)
	}
}

func TestParseUpdate(t *testing.T) {
	got, err := parseUpdate(json.RawMessage(`{"documentId":"w::f","update":[9],"clientTimestamp":5}`))
	if err != nil {
		t.Fatalf("parseUpdate: %v", err)
	}
	if got.DocumentID != "w::f" || string(got.Update) != "\x09" || got.ClientTimestamp == nil || *got.ClientTimestamp != 5 {
		t.Fatalf("parseUpdate = %+v", got)
	}

	// 时间戳类型错误时忽略，不拒绝消息
	got, err = parseUpdate(json.RawMessage(`{"documentId":"w::f","update":"CQ==","clientTimestamp":"soon"}`))
	if err != nil || got.ClientTimestamp != nil {
		t.Fatalf("bad timestamp should be ignored: %+v, %v", got, err)
	}

	for _, in := range []string{
		`{"update":[1]}`,
		`{"documentId":"   ","update":[1]}`,
		`{"documentId":7,"update":[1]}`,
		`{"documentId":"d"}`,
		`{"documentId":"d","update":[]}`,
		`{"documentId":"d","update":null}`,
		`{"documentId":"d","update":"%%%"}`,
		`[1,2]`,
		`"d"`,
		``,
	} {
		if _, err := parseUpdate(json.RawMessage(in)); err == nil {
			t.Fatalf("parseUpdate(%s) succeeded, want error", in)
		}
	}
}

func TestParseJoin(t *testing.T) {
	got, err := parseJoin(json.RawMessage(`{"documentId":"d","stateVector":[1,2]}`))
	if err != nil || string(got.StateVector) != "\x01\x02" {
		t.Fatalf("parseJoin = %+v, %v", got, err)
	}
	got, err = parseJoin(json.RawMessage(`{"documentId":"d","stateVector":"@@"}`))
	if err != nil || got.StateVector != nil {
		t.Fatalf("malformed state vector should fall back to nil: %+v, %v", got, err)
	}
	if _, err := parseJoin(json.RawMessage(`{}`)); err == nil {
		t.Fatalf("join without documentId accepted")
	}
}

func TestParseAwarenessUpdate(t *testing.T) {
	got, err := parseAwarenessUpdate(json.RawMessage(`{"documentId":"d","update":[],"timestamp":1.5}`))
	if err != nil {
		t.Fatalf("parseAwarenessUpdate: %v", err)
	}
	if len(got.Update) != 0 || got.Timestamp == nil || *got.Timestamp != 1.5 {
		t.Fatalf("parseAwarenessUpdate = %+v", got)
	}
	if _, err := parseAwarenessUpdate(json.RawMessage(`{"documentId":"d"}`)); err == nil {
		t.Fatalf("awareness without update accepted")
	}
}
