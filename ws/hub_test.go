package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/ingest"
	"github.com/mqy/minichat/message"
	"github.com/mqy/minichat/remotelog"
	"github.com/mqy/minichat/store"
	"github.com/mqy/minichat/wire"
)

// newTestHub serves a standalone hub backed by the memory store.
func newTestHub(t *testing.T) (*Hub, string) {
	hub, url, _ := newTestHubWithStore(t, store.NewMemoryStore())
	return hub, url
}

func newTestHubWithStore(t *testing.T, st store.IRecordStore) (*Hub, string, *ingest.Ingester) {
	changedC := make(chan []string, 16)
	ing := ingest.New(&ingest.Config{Store: st, ValueMaxBytes: 4096}, changedC)
	hub := NewHub(&auth.Anonymous{}, NewApi(st, ing, &Conf{SnapshotLimit: 50, MaxRecordBytes: 4096}))

	ctx, cancel := context.WithCancel(context.Background())
	ingDone := make(chan struct{}, 1)
	hubDone := make(chan struct{}, 1)
	go ing.Run(ctx, ingDone)
	go hub.Run(ctx, changedC, hubDone)

	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		cancel()
		<-hubDone
		<-ingDone
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", ing
}

// slowFirstList holds the first List after reading until release is closed.
type slowFirstList struct {
	store.IRecordStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *slowFirstList) List(ctx context.Context, conversation string, limit int32) ([]*message.Record, error) {
	records, err := s.IRecordStore.List(ctx, conversation, limit)
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.entered)
		<-s.release
	}
	return records, err
}

// A change landing while the first snapshot of a subscriber is loading must
// not be overtaken by that older snapshot.
func TestHubFirstSnapshotNotOvertaken(t *testing.T) {
	st := &slowFirstList{
		IRecordStore: store.NewMemoryStore(),
		entered:      make(chan struct{}),
		release:      make(chan struct{}),
	}
	_, url, ing := newTestHubWithStore(t, st)

	client := remotelog.NewClient(remotelog.Options{URL: url, UserID: "u1"})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var (
		mu      sync.Mutex
		batches [][]*message.Record
	)
	sub, err := client.Subscribe(ctx, "room", func(records []*message.Record) {
		mu.Lock()
		batches = append(batches, records)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Close()

	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { close(st.release) }) }
	defer release()

	select {
	case <-st.entered:
	case <-ctx.Done():
		t.Fatal("first snapshot never loaded")
	}

	require.NoError(t, ing.Append(ctx, "room", &message.Record{
		ID:        "x",
		Text:      "x",
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}))
	// let the change notice reach the hub while the first load is held.
	time.Sleep(600 * time.Millisecond)
	release()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(batches) >= 2
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, batches[0])
	last := batches[len(batches)-1]
	require.Len(t, last, 1)
	assert.Equal(t, "x", last[0].ID)
}

func TestHubSubscribeAndAppend(t *testing.T) {
	hub, url := newTestHub(t)

	client := remotelog.NewClient(remotelog.Options{URL: url, UserID: "u1"})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batches := make(chan []*message.Record, 8)
	sub, err := client.Subscribe(ctx, "room", func(records []*message.Record) {
		batches <- records
	})
	require.NoError(t, err)
	defer sub.Close()

	select {
	case records := <-batches:
		assert.Empty(t, records)
	case <-ctx.Done():
		t.Fatal("no initial batch")
	}
	assert.Eventually(t, func() bool { return hub.Sessions() == 1 }, 2*time.Second, 10*time.Millisecond)

	r, err := client.Append(ctx, "room", &message.Record{
		Text:   "hello",
		Author: &message.RecordAuthor{ID: "u1", Name: "Ann"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID)
	assert.False(t, r.CreatedAt.IsZero())

	select {
	case records := <-batches:
		require.Len(t, records, 1)
		assert.Equal(t, r.ID, records[0].ID)
		assert.Equal(t, "hello", records[0].Text)
	case <-ctx.Done():
		t.Fatal("no batch after append")
	}
}

// Closing sessions while batches are being written, run with -race.
func TestHubCloseWhileSending(t *testing.T) {
	hub, url := newTestHub(t)

	client := remotelog.NewClient(remotelog.Options{URL: url, UserID: "u1"})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first := make(chan struct{}, 1)
	sub, err := client.Subscribe(ctx, "room", func(records []*message.Record) {
		select {
		case first <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)
	defer sub.Close()

	select {
	case <-first:
	case <-ctx.Done():
		t.Fatal("no initial batch")
	}

	handlers := hub.hstore.getByConversation("room")
	require.Len(t, handlers, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			hub.pushSnapshot(ctx, "room")
		}
	}()
	hub.hstore.close()
	<-done

	assert.True(t, handlers[0].isClosing())
}

func TestHubAppendRejected(t *testing.T) {
	_, url := newTestHub(t)

	client := remotelog.NewClient(remotelog.Options{URL: url})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.Append(ctx, "room", &message.Record{})
	require.Error(t, err)
	var werr *wire.Error
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, int32(wire.CodeInvalidArguments), werr.Code)
}

func TestHubAuthRejected(t *testing.T) {
	_, url := newTestHub(t)

	req, err := http.NewRequest(http.MethodGet, "http"+strings.TrimPrefix(url, "ws"), nil)
	require.NoError(t, err)
	req.Header.Set("X-Uid", strings.Repeat("x", 100))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestGetRemoteIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	assert.Equal(t, "10.0.0.1", getRemoteIP(r))

	r.Header.Set("X-Forwarded-For", "1.1.1.1, 2.2.2.2")
	assert.Equal(t, "2.2.2.2", getRemoteIP(r))

	r.Header.Set("X-Real-IP", "3.3.3.3")
	assert.Equal(t, "3.3.3.3", getRemoteIP(r))
}
