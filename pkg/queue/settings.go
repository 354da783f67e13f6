package queue

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Well-known connection setting keys.
const (
	SettingServer          = "server"
	SettingUsername        = "username"
	SettingPassword        = "password"
	SettingTopic           = "topic"
	SettingGroup           = "group"
	SettingClientID        = "client_id"
	SettingVhost           = "vhost"
	SettingExchange        = "exchange"
	SettingQoS             = "qos"
	SettingConnectTimeout  = "connect_timeout"
	SettingDeadLetterTopic = "dead_letter_topic"
)

var sensitiveKeys = map[string]struct{}{
	SettingPassword: {},
	"secret":        {},
	"token":         {},
}

// Pair is a single connection setting.
type Pair struct {
	Key   string
	Value string
}

// ConnectionSettings is an immutable, ordered view over a driver-qualified connection descriptor.
// Keys are case-insensitive. The zero value has no driver and no keys.
type ConnectionSettings struct {
	driver string
	keys   []string
	values map[string]string
}

// NewConnectionSettings builds settings from pairs. A later pair overrides an earlier one with
// the same key but keeps the original position.
func NewConnectionSettings(driver string, pairs ...Pair) ConnectionSettings {
	s := ConnectionSettings{
		driver: strings.ToLower(strings.TrimSpace(driver)),
		keys:   make([]string, 0, len(pairs)),
		values: make(map[string]string, len(pairs)),
	}

	for _, p := range pairs {
		key := normalizeKey(p.Key)
		if key == "" {
			continue
		}

		if _, ok := s.values[key]; !ok {
			s.keys = append(s.keys, key)
		}

		s.values[key] = strings.TrimSpace(p.Value)
	}

	return s
}

// ParseConnectionString parses "key=value;key=value" into settings for driver.
func ParseConnectionString(driver, raw string) (ConnectionSettings, error) {
	var pairs []Pair

	for segment := range strings.SplitSeq(raw, ";") {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}

		key, value, ok := strings.Cut(segment, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return ConnectionSettings{}, fmt.Errorf("%w: malformed connection segment %q", ErrInvalidArgument, segment)
		}

		pairs = append(pairs, Pair{Key: key, Value: value})
	}

	return NewConnectionSettings(driver, pairs...), nil
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// Driver returns the declared driver name.
func (s ConnectionSettings) Driver() string {
	return s.driver
}

// TryGetValue returns the value stored under key.
func (s ConnectionSettings) TryGetValue(key string) (string, bool) {
	v, ok := s.values[normalizeKey(key)]

	return v, ok
}

// Keys returns the keys in declaration order.
func (s ConnectionSettings) Keys() []string {
	return append([]string(nil), s.keys...)
}

// Len returns the number of distinct keys.
func (s ConnectionSettings) Len() int {
	return len(s.keys)
}

// StringOr returns the value under key, or def when absent or empty.
func (s ConnectionSettings) StringOr(key, def string) string {
	if v, ok := s.TryGetValue(key); ok && v != "" {
		return v
	}

	return def
}

func (s ConnectionSettings) Int(key string, def int) int {
	v, ok := s.TryGetValue(key)
	if !ok {
		return def
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}

	return n
}

func (s ConnectionSettings) Bool(key string, def bool) bool {
	v, ok := s.TryGetValue(key)
	if !ok {
		return def
	}

	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}

	return b
}

// Duration accepts Go duration strings ("5s") and bare integers as milliseconds.
func (s ConnectionSettings) Duration(key string, def time.Duration) time.Duration {
	v, ok := s.TryGetValue(key)
	if !ok || v == "" {
		return def
	}

	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}

	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}

	return d
}

// Strings splits a comma-separated value, dropping empty items.
func (s ConnectionSettings) Strings(key string) []string {
	v, ok := s.TryGetValue(key)
	if !ok {
		return nil
	}

	var out []string

	for item := range strings.SplitSeq(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}

	return out
}

// With returns a copy of s with the given pairs applied on top.
func (s ConnectionSettings) With(pairs ...Pair) ConnectionSettings {
	merged := make([]Pair, 0, len(s.keys)+len(pairs))
	for _, k := range s.keys {
		merged = append(merged, Pair{Key: k, Value: s.values[k]})
	}

	return NewConnectionSettings(s.driver, append(merged, pairs...)...)
}

// String renders the settings redacted, so formatting them never prints a secret.
func (s ConnectionSettings) String() string {
	return s.Redacted()
}

// Redacted renders the settings with secrets masked, suitable for logs.
func (s ConnectionSettings) Redacted() string {
	var b strings.Builder

	b.WriteString(s.driver)
	b.WriteString("://")

	for i, k := range s.keys {
		if i > 0 {
			b.WriteByte(';')
		}

		v := s.values[k]
		if _, secret := sensitiveKeys[k]; secret && v != "" {
			v = "***"
		}

		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
	}

	return b.String()
}
