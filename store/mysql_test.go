package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/pborman/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/minichat/message"
)

// MINICHAT_TEST_MYSQL_DSN, e.g.
// root:@tcp(127.0.0.1:3306)/minichat?parseTime=true&charset=utf8mb4&collation=utf8mb4_unicode_ci
func openTestDB(t *testing.T) *sql.DB {
	dsn := os.Getenv("MINICHAT_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("MINICHAT_TEST_MYSQL_DSN is not set")
	}
	db, err := sql.Open("mysql", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec("DELETE FROM records")
	require.NoError(t, err)
	return db
}

func TestMysqlConcurrentAppend(t *testing.T) {
	db := openTestDB(t)
	s := NewMysqlStore(db)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	var wg sync.WaitGroup
	const N = 50
	errC := make(chan error, N)
	for j := 0; j < N; j++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := &message.Record{
				ID:        uuid.New(),
				Text:      fmt.Sprintf("msg %d", i),
				Author:    &message.RecordAuthor{ID: "u1", Name: "Ann"},
				CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
			}
			if err := s.Append(ctx, "room", r); err != nil {
				errC <- err
			}
		}(j)
	}
	wg.Wait()
	close(errC)
	for err := range errC {
		require.NoError(t, err)
	}

	got, err := s.List(ctx, "room", 100)
	require.NoError(t, err)
	require.Len(t, got, N)
	assert.Equal(t, "msg 49", got[0].Text)
	assert.Equal(t, "msg 0", got[N-1].Text)
}

func TestMysqlDuplicate(t *testing.T) {
	db := openTestDB(t)
	s := NewMysqlStore(db)
	ctx := context.Background()

	r := &message.Record{ID: uuid.New(), Text: "hi", CreatedAt: time.Now().UTC().Truncate(time.Millisecond)}
	require.NoError(t, s.Append(ctx, "room", r))
	require.NoError(t, s.Append(ctx, "room", r))

	changed := *r
	changed.Text = "other"
	err := s.Append(ctx, "room", &changed)
	require.Error(t, err)
	assert.True(t, s.IsDupKeyError(err))
}
