package cache

import (
	"errors"
	"fmt"

	"github.com/mqy/minichat/message"
)

// DefaultKey is the fixed logical key the snapshot is stored under.
const DefaultKey = "messages"

var ErrNotFound = errors.New("cache: snapshot not found")

// PersistenceError reports a failed cache read or write.
type PersistenceError struct {
	Op  string // "read" or "write"
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("cache: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IKeyValue is the local durable storage: string values under string keys.
type IKeyValue interface {
	// Get returns the value and whether the key exists.
	Get(key string) (string, bool, error)

	// Set durably stores value under key, replacing any previous value.
	Set(key, value string) error

	Close() error
}

// Snapshot is the whole ordered message list, newest first.
type Snapshot []message.Message

// ISnapshotStore persists the last known snapshot.
type ISnapshotStore interface {
	// ReadSnapshot returns ErrNotFound when nothing was stored yet.
	ReadSnapshot() (Snapshot, error)

	// WriteSnapshot replaces the stored snapshot.
	WriteSnapshot(Snapshot) error
}
