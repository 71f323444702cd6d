package storage

import (
	"bytes"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
)

// Key categories of the namespaced blob store.
const (
	CategoryAgentCode = "agent_code"
	CategoryAgentLogs = "agent_logs"
	CategoryAgentHash = "agent_hash"
)

// Size limits per category. Categories not listed are unbounded.
const (
	MaxAgentCodeBytes = 1 << 20
	MaxAgentLogsBytes = 256 << 10
)

// ErrValueTooLarge is returned by Set when a value exceeds its category limit.
var ErrValueTooLarge = errors.New("value exceeds category size limit")

var categoryLimits = map[string]int{
	CategoryAgentCode: MaxAgentCodeBytes,
	CategoryAgentLogs: MaxAgentLogsBytes,
}

// MakeKey builds the storage key <category>:<identity>:<epoch>, where epoch
// is appended as 8 little-endian bytes.
func MakeKey(category, identity string, epoch uint64) []byte {
	key := make([]byte, 0, len(category)+len(identity)+2+8)
	key = append(key, category...)
	key = append(key, ':')
	key = append(key, identity...)
	key = append(key, ':')
	return binary.LittleEndian.AppendUint64(key, epoch)
}

// keyCategory returns the category prefix of key.
func keyCategory(key []byte) string {
	if i := bytes.IndexByte(key, ':'); i >= 0 {
		return string(key[:i])
	}
	return ""
}

// Set stores value under key, enforcing the key category's size limit.
func (d *DB) Set(key, value []byte) error {
	if limit, ok := categoryLimits[keyCategory(key)]; ok && len(value) > limit {
		return fmt.Errorf("set %s: %w (%d > %d)", keyCategory(key), ErrValueTooLarge, len(value), limit)
	}
	if value == nil {
		value = []byte{}
	}
	_, err := d.db.Exec(
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set key: %w", err)
	}
	return nil
}

// Get returns the value stored under key.
func (d *DB) Get(key []byte) ([]byte, error) {
	var value []byte
	err := d.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get key: %w", err)
	}
	return value, nil
}
