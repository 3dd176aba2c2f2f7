package config

import (
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultNamespace         = "editor-sync"
	DefaultSocketPath        = "/editor-sync/socket.io"
	DefaultPersistDebounceMs = 750

	KeyNamespace       = "COLLAB_NAMESPACE"
	KeySocketPath      = "COLLAB_SOCKET_PATH"
	KeyPersistDebounce = "COLLAB_PERSIST_DEBOUNCE_MS"
	KeyMetricsEnabled  = "COLLAB_METRICS_ENABLED"
	KeyAllowedOrigins  = "COLLAB_ALLOWED_ORIGINS"
)

var (
	truthy = regexp.MustCompile(`(?i)^(1|true|yes|y)$`)
	falsy  = regexp.MustCompile(`(?i)^(0|false|no|n)$`)

	// 本地开发始终允许
	localOrigins = []OriginMatcher{
		{Pattern: regexp.MustCompile(`localhost:\d+$`)},
		{Pattern: regexp.MustCompile(`^http://127\.0\.0\.1:\d+$`)},
	}
)

// Lookup 返回键对应的原始字符串，以及该键是否被设置
type Lookup func(key string) (string, bool)

// OriginMatcher 是字面量或正则之一
type OriginMatcher struct {
	Literal string
	Pattern *regexp.Regexp
}

func (m OriginMatcher) Match(origin string) bool {
	if m.Pattern != nil {
		return m.Pattern.MatchString(origin)
	}
	return m.Literal == origin
}

func (m OriginMatcher) String() string {
	if m.Pattern != nil {
		return "/" + m.Pattern.String() + "/"
	}
	return m.Literal
}

type Policy struct {
	Namespace       string
	SocketPath      string
	PersistDebounce time.Duration
	MetricsEnabled  bool
	AllowedOrigins  []OriginMatcher
}

// OriginAllowed 供 websocket upgrader 与 CORS 共用。没有 Origin（非浏览器客户端）或为 "null" 时放行。
func (p Policy) OriginAllowed(origin string) bool {
	if origin == "" || origin == "null" {
		return true
	}
	for _, m := range p.AllowedOrigins {
		if m.Match(origin) {
			return true
		}
	}
	return false
}

// Summary 供健康检查接口回显
func (p Policy) Summary() map[string]any {
	origins := make([]string, 0, len(p.AllowedOrigins))
	for _, m := range p.AllowedOrigins {
		origins = append(origins, m.String())
	}
	return map[string]any{
		"namespace":         p.Namespace,
		"socketPath":        p.SocketPath,
		"persistDebounceMs": p.PersistDebounce.Milliseconds(),
		"metricsEnabled":    p.MetricsEnabled,
		"allowedOrigins":    origins,
	}
}

// ResolvePolicy 把环境中的字符串解析为协作策略。格式错误的值记录警告并回退到默认值，不会让启动失败。
func ResolvePolicy(lookup Lookup, log *logrus.Entry) Policy {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "config")

	p := Policy{
		Namespace:       stringOr(lookup, KeyNamespace, DefaultNamespace),
		SocketPath:      stringOr(lookup, KeySocketPath, DefaultSocketPath),
		PersistDebounce: parseDebounce(lookup, log),
		MetricsEnabled:  parseBool(lookup, KeyMetricsEnabled, true, log),
		AllowedOrigins:  resolveAllowedOrigins(lookup, log),
	}

	log.WithFields(logrus.Fields{
		"namespace": p.Namespace,
		"path":      p.SocketPath,
		"debounce":  p.PersistDebounce,
		"metrics":   p.MetricsEnabled,
		"origins":   len(p.AllowedOrigins),
	}).Info("collaboration gateway configured")
	return p
}

func stringOr(lookup Lookup, key, fallback string) string {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback
	}
	return strings.TrimSpace(raw)
}

func parseDebounce(lookup Lookup, log *logrus.Entry) time.Duration {
	fallback := DefaultPersistDebounceMs * time.Millisecond
	raw, ok := lookup(KeyPersistDebounce)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		log.Warnf("Invalid %s value %q. Falling back to %d.", KeyPersistDebounce, raw, DefaultPersistDebounceMs)
		return fallback
	}
	return time.Duration(v * float64(time.Millisecond))
}

func parseBool(lookup Lookup, key string, fallback bool, log *logrus.Entry) bool {
	raw, ok := lookup(key)
	if !ok {
		return fallback
	}
	switch {
	case truthy.MatchString(raw):
		return true
	case falsy.MatchString(raw):
		return false
	}
	log.Warnf("Invalid %s value %q. Falling back to %t.", key, raw, fallback)
	return fallback
}

func resolveAllowedOrigins(lookup Lookup, log *logrus.Entry) []OriginMatcher {
	raw, _ := lookup(KeyAllowedOrigins)
	var out []OriginMatcher
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if len(entry) > 2 && strings.HasPrefix(entry, "/") && strings.HasSuffix(entry, "/") {
			re, err := regexp.Compile(entry[1 : len(entry)-1])
			if err != nil {
				log.WithError(err).Warnf("Ignoring invalid origin pattern %q", entry)
				continue
			}
			out = append(out, OriginMatcher{Pattern: re})
			continue
		}
		if err := validateOrigin(entry); err != nil {
			// 不合法也保留，只给出警告
			log.Warnf("Allowed origin %q does not look like a URL: %v", entry, err)
		}
		out = append(out, OriginMatcher{Literal: entry})
	}
	return append(out, localOrigins...)
}

func validateOrigin(s string) error {
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("missing scheme or host")
	}
	return nil
}
