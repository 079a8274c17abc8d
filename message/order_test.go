package message

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func ids(msgs []Message) []string {
	var out []string
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestSortTieBreak(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	msgs := []Message{
		{ID: "3", CreatedAt: ts},
		{ID: "5", CreatedAt: ts},
	}
	Sort(msgs)
	assert.Equal(t, []string{"5", "3"}, ids(msgs))
}

func TestNormalizeAllOrdersNewestFirst(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	records := []*Record{
		{ID: "a", Text: "old", CreatedAt: ts},
		{ID: "c", Text: "new", CreatedAt: ts.Add(time.Minute)},
		{ID: "b", Text: "old too", CreatedAt: ts},
	}
	out := NormalizeAll(records)
	assert.Equal(t, []string{"c", "b", "a"}, ids(out))

	// same input, same order
	again := NormalizeAll(records)
	assert.Equal(t, out, again)
}
