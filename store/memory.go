package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mqy/minichat/message"
)

var ErrDuplicateKey = errors.New("store: duplicate key")

type memRecord struct {
	conversation string
	record       message.Record
}

// memoryStore keeps records in process, for standalone runs and tests.
type memoryStore struct {
	sync.RWMutex
	byID   map[string]*memRecord
	byConv map[string][]*memRecord
}

func NewMemoryStore() *memoryStore {
	return &memoryStore{
		byID:   make(map[string]*memRecord),
		byConv: make(map[string][]*memRecord),
	}
}

func (s *memoryStore) IsDupKeyError(err error) bool {
	return errors.Is(err, ErrDuplicateKey)
}

func (s *memoryStore) Append(ctx context.Context, conversation string, r *message.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer observe("append", time.Now())

	s.Lock()
	defer s.Unlock()

	if old, ok := s.byID[r.ID]; ok {
		if old.conversation == conversation && sameRecord(&old.record, r) {
			return nil
		}
		return fmt.Errorf("%w: record %s", ErrDuplicateKey, r.ID)
	}

	v := &memRecord{conversation: conversation, record: *r}
	s.byID[r.ID] = v
	s.byConv[conversation] = append(s.byConv[conversation], v)
	return nil
}

func sameRecord(a, b *message.Record) bool {
	pa, err1 := encodePayload(a)
	pb, err2 := encodePayload(b)
	return err1 == nil && err2 == nil && pa == pb && a.CreatedAt.Equal(b.CreatedAt)
}

func (s *memoryStore) List(ctx context.Context, conversation string, limit int32) ([]*message.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer observe("list", time.Now())

	s.RLock()
	recs := s.byConv[conversation]
	out := make([]*message.Record, 0, len(recs))
	for _, v := range recs {
		r := v.record
		out = append(out, &r)
	}
	s.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > int(limit) {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) DeleteOutdated(ctx context.Context, ttlDays int32) (int32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	defer observe("delete", time.Now())

	lteCreateTime := GetDayBefore(ttlDays)
	var n int32

	s.Lock()
	defer s.Unlock()
	for conv, recs := range s.byConv {
		kept := recs[:0]
		for _, v := range recs {
			if v.record.CreatedAt.After(lteCreateTime) {
				kept = append(kept, v)
			} else {
				delete(s.byID, v.record.ID)
				n++
			}
		}
		if len(kept) == 0 {
			delete(s.byConv, conv)
		} else {
			s.byConv[conv] = kept
		}
	}
	return n, nil
}
