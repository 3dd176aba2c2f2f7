package collab

import "strings"

// IdentitySeparator 分隔工作区与文件路径
const IdentitySeparator = "::"

// Identity 是可持久化文档的身份：{workspaceId}::{filePath}
type Identity struct {
	WorkspaceID string
	FilePath    string
}

func (id Identity) String() string {
	return id.WorkspaceID + IdentitySeparator + id.FilePath
}

// ParseIdentity 在第一个分隔符处切分并去掉两侧空白，两部分都非空才算可持久化
func ParseIdentity(documentID string) (Identity, bool) {
	ws, path, ok := strings.Cut(documentID, IdentitySeparator)
	if !ok {
		return Identity{}, false
	}
	ws, path = strings.TrimSpace(ws), strings.TrimSpace(path)
	if ws == "" || path == "" {
		return Identity{}, false
	}
	return Identity{WorkspaceID: ws, FilePath: path}, true
}
