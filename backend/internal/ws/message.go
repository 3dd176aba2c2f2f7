package ws

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	EventJoin            = "document:join"
	EventSync            = "document:sync"
	EventUpdate          = "document:update"
	EventUpdateAck       = "document:update:ack"
	EventLeave           = "document:leave"
	EventWarning         = "document:warning"
	EventAwarenessUpdate = "awareness:update"
	EventAwarenessQuery  = "awareness:query"
	EventPresenceUpdate  = "presence:update"
)

// Envelope 是每一帧的外层结构：{"event": "...", "data": ...}
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Bytes 在 JSON 中输出为 base64 字符串。解析时还接受整数数组 [1,2,3]，
// 以及 JSON.stringify(Uint8Array) 产生的 {"0":1,"1":2} 形式。
type Bytes []byte

func (b *Bytes) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return errNotBytes
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("%w: %v", errNotBytes, err)
		}
		*b = raw
		return nil
	case '[':
		var nums []json.Number
		if err := json.Unmarshal(data, &nums); err != nil {
			return errNotBytes
		}
		out := make([]byte, len(nums))
		for i, n := range nums {
			v, ok := byteValue(n)
			if !ok {
				return fmt.Errorf("%w: element %d out of range", errNotBytes, i)
			}
			out[i] = v
		}
		*b = out
		return nil
	case '{':
		var m map[string]json.Number
		if err := json.Unmarshal(data, &m); err != nil {
			return errNotBytes
		}
		out := make([]byte, len(m))
		for k, n := range m {
			idx, err := strconv.Atoi(k)
			if err != nil || idx < 0 || idx >= len(m) {
				return fmt.Errorf("%w: bad index %q", errNotBytes, k)
			}
			v, ok := byteValue(n)
			if !ok {
				return fmt.Errorf("%w: element %q out of range", errNotBytes, k)
			}
			out[idx] = v
		}
		*b = out
		return nil
	}
	return errNotBytes
}

func byteValue(n json.Number) (byte, bool) {
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) || f < 0 || f > 255 {
		return 0, false
	}
	return byte(f), true
}

var (
	errNotObject = errors.New("payload is not an object")
	errNotBytes  = errors.New("not a binary payload")
)

// fields 是按键拆开的负载对象，各字段单独校验
type fields map[string]json.RawMessage

func decodeFields(raw json.RawMessage) (fields, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, errNotObject
	}
	var f fields
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, errNotObject
	}
	return f, nil
}

// documentID 必须是非空白字符串
func (f fields) documentID() (string, error) {
	raw, ok := f["documentId"]
	if !ok {
		return "", errors.New("missing documentId")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", errors.New("documentId is not a string")
	}
	if strings.TrimSpace(s) == "" {
		return "", errors.New("documentId is blank")
	}
	return s, nil
}

func (f fields) bytes(key string) ([]byte, bool, error) {
	raw, ok := f[key]
	if !ok || string(bytes.TrimSpace(raw)) == "null" {
		return nil, false, nil
	}
	var b Bytes
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, true, fmt.Errorf("%s: %w", key, err)
	}
	return b, true, nil
}

// number 读取可选的数值字段，类型不对时视为缺省
func (f fields) number(key string) *float64 {
	raw, ok := f[key]
	if !ok {
		return nil
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

type joinPayload struct {
	DocumentID  string
	StateVector []byte // nil 表示请求全量状态
}

func parseJoin(raw json.RawMessage) (joinPayload, error) {
	f, err := decodeFields(raw)
	if err != nil {
		return joinPayload{}, err
	}
	id, err := f.documentID()
	if err != nil {
		return joinPayload{}, err
	}
	// 状态向量格式错误时退化为全量同步
	sv, _, err := f.bytes("stateVector")
	if err != nil {
		sv = nil
	}
	return joinPayload{DocumentID: id, StateVector: sv}, nil
}

type updatePayload struct {
	DocumentID      string
	Update          []byte
	ClientTimestamp *float64
}

func parseUpdate(raw json.RawMessage) (updatePayload, error) {
	f, err := decodeFields(raw)
	if err != nil {
		return updatePayload{}, err
	}
	id, err := f.documentID()
	if err != nil {
		return updatePayload{}, err
	}
	u, present, err := f.bytes("update")
	if err != nil {
		return updatePayload{}, err
	}
	if !present || len(u) == 0 {
		return updatePayload{}, errors.New("missing update")
	}
	return updatePayload{DocumentID: id, Update: u, ClientTimestamp: f.number("clientTimestamp")}, nil
}

type awarenessPayload struct {
	DocumentID string
	Update     []byte
	Timestamp  *float64
}

func parseAwarenessUpdate(raw json.RawMessage) (awarenessPayload, error) {
	f, err := decodeFields(raw)
	if err != nil {
		return awarenessPayload{}, err
	}
	id, err := f.documentID()
	if err != nil {
		return awarenessPayload{}, err
	}
	u, present, err := f.bytes("update")
	if err != nil {
		return awarenessPayload{}, err
	}
	if !present {
		return awarenessPayload{}, errors.New("missing update")
	}
	return awarenessPayload{DocumentID: id, Update: u, Timestamp: f.number("timestamp")}, nil
}

// parseDocumentRef 用于只携带 documentId 的事件（leave、awareness:query）
func parseDocumentRef(raw json.RawMessage) (string, error) {
	f, err := decodeFields(raw)
	if err != nil {
		return "", err
	}
	return f.documentID()
}

// 出站负载

type syncMessage struct {
	DocumentID string `json:"documentId"`
	Update     Bytes  `json:"update"`
}

type updateBroadcast struct {
	DocumentID      string   `json:"documentId"`
	Update          Bytes    `json:"update"`
	Actor           string   `json:"actor"`
	ClientTimestamp *float64 `json:"clientTimestamp,omitempty"`
	ServerTimestamp int64    `json:"serverTimestamp"`
}

type updateAck struct {
	DocumentID      string `json:"documentId"`
	ServerTimestamp int64  `json:"serverTimestamp"`
}

type awarenessBroadcast struct {
	DocumentID string  `json:"documentId"`
	Update     Bytes   `json:"update"`
	Actor      string  `json:"actor"`
	Timestamp  float64 `json:"timestamp"`
}

type awarenessQuery struct {
	DocumentID string `json:"documentId"`
}

type warningMessage struct {
	DocumentID string `json:"documentId"`
	Reason     string `json:"reason"`
}

const warningHydrationFailed = "hydration_failed"
