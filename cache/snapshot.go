package cache

import (
	"encoding/json"

	"github.com/golang/glog"
)

// SnapshotStore serializes a Snapshot as JSON under one key of an IKeyValue.
type SnapshotStore struct {
	kv  IKeyValue
	key string
}

// NewSnapshotStore uses DefaultKey when key is empty.
func NewSnapshotStore(kv IKeyValue, key string) *SnapshotStore {
	if key == "" {
		key = DefaultKey
	}
	return &SnapshotStore{kv: kv, key: key}
}

func (s *SnapshotStore) Key() string { return s.key }

func (s *SnapshotStore) ReadSnapshot() (Snapshot, error) {
	value, found, err := s.kv.Get(s.key)
	if err != nil {
		return nil, &PersistenceError{Op: "read", Key: s.key, Err: err}
	}
	if !found {
		return nil, ErrNotFound
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(value), &snap); err != nil {
		return nil, &PersistenceError{Op: "read", Key: s.key, Err: err}
	}
	glog.V(5).Infof("cache: read %d messages from %q", len(snap), s.key)
	return snap, nil
}

func (s *SnapshotStore) WriteSnapshot(snap Snapshot) error {
	if snap == nil {
		snap = Snapshot{}
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return &PersistenceError{Op: "write", Key: s.key, Err: err}
	}
	if err := s.kv.Set(s.key, string(data)); err != nil {
		return &PersistenceError{Op: "write", Key: s.key, Err: err}
	}
	glog.V(5).Infof("cache: wrote %d messages to %q", len(snap), s.key)
	return nil
}
