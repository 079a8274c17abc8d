package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/minichat/message"
)

func ids(records []*message.Record) []string {
	var out []string
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}

func TestMemoryStoreList(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	for _, r := range []*message.Record{
		{ID: "3", Text: "a", CreatedAt: now},
		{ID: "5", Text: "b", CreatedAt: now},
		{ID: "1", Text: "c", CreatedAt: now.Add(time.Second)},
		{ID: "0", Text: "d", CreatedAt: now.Add(-time.Second)},
	} {
		require.NoError(t, s.Append(ctx, "room", r))
	}
	require.NoError(t, s.Append(ctx, "other", &message.Record{ID: "9", Text: "x", CreatedAt: now}))

	got, err := s.List(ctx, "room", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "5", "3", "0"}, ids(got))

	got, err = s.List(ctx, "room", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "5"}, ids(got))

	got, err = s.List(ctx, "nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryStoreDuplicate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	r := &message.Record{ID: "1", Text: "hi", CreatedAt: time.Now()}

	require.NoError(t, s.Append(ctx, "room", r))
	// redelivery of the same record.
	require.NoError(t, s.Append(ctx, "room", r))

	err := s.Append(ctx, "room", &message.Record{ID: "1", Text: "changed", CreatedAt: r.CreatedAt})
	require.Error(t, err)
	assert.True(t, s.IsDupKeyError(err))

	got, err := s.List(ctx, "room", 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestMemoryStoreDeleteOutdated(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	require.NoError(t, s.Append(ctx, "room", &message.Record{ID: "old", Text: "a", CreatedAt: now.AddDate(0, 0, -40)}))
	require.NoError(t, s.Append(ctx, "room", &message.Record{ID: "new", Text: "b", CreatedAt: now}))

	n, err := s.DeleteOutdated(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int32(1), n)

	got, err := s.List(ctx, "room", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, ids(got))
}
