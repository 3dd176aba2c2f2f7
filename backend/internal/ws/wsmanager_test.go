package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"editorSync/backend/config"
	"editorSync/backend/internal/crdt"
	"editorSync/backend/internal/presence"
)

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func startServer(t *testing.T, f *fixture, allowed string) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	policy := config.ResolvePolicy(func(key string) (string, bool) {
		if key == config.KeyAllowedOrigins {
			return allowed, true
		}
		return "", false
	}, quietLogger())
	m := NewManager(f.gw, policy, quietLogger())
	r := gin.New()
	r.GET(policy.SocketPath, m.WebSocketConnect)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + policy.SocketPath
}

func readUntil(t *testing.T, c *websocket.Conn, event string) json.RawMessage {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg inbound
		if err := c.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		if msg.Event == event {
			return msg.Data
		}
	}
}

func TestManager_EndToEndSync(t *testing.T) {
	f := newFixture(t, map[string]string{"ws1::live.md": "hey"})
	url := startServer(t, f, "")

	c, _, err := websocket.DefaultDialer.Dial(url+"?name=Ada%20Lovelace", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	var roster []presence.Participant
	if err := json.Unmarshal(readUntil(t, c, EventPresenceUpdate), &roster); err != nil {
		t.Fatalf("decode roster: %v", err)
	}
	if len(roster) != 1 || roster[0].Name != "Ada Lovelace" || roster[0].Initials != "AL" {
		t.Fatalf("roster = %+v", roster)
	}

	if err := c.WriteJSON(map[string]any{"event": EventJoin, "data": map[string]any{"documentId": "ws1::live.md"}}); err != nil {
		t.Fatalf("write join: %v", err)
	}
	var sync struct {
		DocumentID string `json:"documentId"`
		Update     Bytes  `json:"update"`
	}
	if err := json.Unmarshal(readUntil(t, c, EventSync), &sync); err != nil {
		t.Fatalf("decode sync: %v", err)
	}
	client := crdt.NewDoc(5)
	if err := client.ApplyUpdate(sync.Update, "test"); err != nil {
		t.Fatalf("apply sync: %v", err)
	}
	if client.Text() != "hey" || sync.DocumentID != "ws1::live.md" {
		t.Fatalf("synced %q for %q", client.Text(), sync.DocumentID)
	}

	c.Close()
	deadline := time.Now().Add(5 * time.Second)
	for f.gw.Hub().PeerCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("connection not cleaned up after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestManager_RejectsForeignOrigin(t *testing.T) {
	f := newFixture(t, nil)
	url := startServer(t, f, "https://app.example.com")

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatalf("dial from foreign origin succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("response = %+v, want 403", resp)
	}

	header = http.Header{"Origin": []string{"https://app.example.com"}}
	c, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial from allowed origin: %v", err)
	}
	c.Close()
}
