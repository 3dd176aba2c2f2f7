package cache

import "fmt"

// 键语义（{ns} 为 hash tag，保证同一命名空间的键落在同一个 slot）：
// - rosterKey(ns):        在线连接（ZSet<connID, expireAtUnix>，score=expireAt）
// - participantsKey(ns):  connID → participant JSON（Hash）

const (
	keyRosterFmt       = "presence:{%s}:roster"       // ZSet<connID, expireAtUnix>
	keyParticipantsFmt = "presence:{%s}:participants" // Hash<connID -> participant JSON>
)

func rosterKey(ns string) string       { return fmt.Sprintf(keyRosterFmt, ns) }
func participantsKey(ns string) string { return fmt.Sprintf(keyParticipantsFmt, ns) }
