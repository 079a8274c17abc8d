package chatsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/minichat/attachment"
	"github.com/mqy/minichat/cache"
	"github.com/mqy/minichat/connectivity"
	"github.com/mqy/minichat/message"
	"github.com/mqy/minichat/remotelog"
	remotelog_mock "github.com/mqy/minichat/remotelog/mock"
)

const conv = "room"

var (
	ts  = time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)
	ann = message.Author{ID: "u1", DisplayName: "Ann"}
)

func hiRecords() []*message.Record {
	return []*message.Record{
		{ID: "1", Text: "hi", Author: &message.RecordAuthor{ID: "u1", Name: "Ann"}, CreatedAt: ts},
	}
}

func hiMessages() []message.Message {
	return []message.Message{
		{ID: "1", Text: "hi", Author: ann, CreatedAt: ts, Attachment: message.None()},
	}
}

type fakeUploader struct {
	url     string
	err     error
	started chan struct{}
	release chan struct{}

	mu    sync.Mutex
	calls []string
}

func (u *fakeUploader) Upload(ctx context.Context, localRef, ownerID string) (string, error) {
	u.mu.Lock()
	u.calls = append(u.calls, ownerID+":"+localRef)
	u.mu.Unlock()
	if u.started != nil {
		close(u.started)
	}
	if u.release != nil {
		<-u.release
	}
	return u.url, u.err
}

type blockingLocator struct{}

func (blockingLocator) Locate(ctx context.Context) (attachment.Coords, error) {
	<-ctx.Done()
	return attachment.Coords{}, ctx.Err()
}

// env is a controller over mocked remote log and an in-memory cache.
type env struct {
	ctrl  *gomock.Controller
	c     *Controller
	log   *remotelog_mock.MockIRemoteLog
	store *cache.SnapshotStore
	kv    *cache.MemoryKV

	mu  sync.Mutex
	fns []remotelog.BatchFunc
}

func newEnv(t *testing.T, opts Options) *env {
	ctrl := gomock.NewController(t)
	e := &env{
		ctrl: ctrl,
		log:  remotelog_mock.NewMockIRemoteLog(ctrl),
		kv:   cache.NewMemoryKV(),
	}
	e.store = cache.NewSnapshotStore(e.kv, "")

	opts.Conversation = conv
	opts.Log = e.log
	if opts.Cache == nil {
		opts.Cache = e.store
	}
	e.c = New(opts)
	t.Cleanup(e.c.Teardown)
	return e
}

// expectSubscribe delivers initial on subscribe and returns sub.
func (e *env) expectSubscribe(sub remotelog.ISubscription, initial []*message.Record) *gomock.Call {
	return e.log.EXPECT().Subscribe(gomock.Any(), conv, gomock.Any()).DoAndReturn(
		func(ctx context.Context, conversation string, fn remotelog.BatchFunc) (remotelog.ISubscription, error) {
			e.mu.Lock()
			e.fns = append(e.fns, fn)
			e.mu.Unlock()
			if initial != nil {
				fn(initial)
			}
			return sub, nil
		})
}

func (e *env) batchFunc(i int) remotelog.BatchFunc {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fns[i]
}

func TestStartUnknownIsCached(t *testing.T) {
	e := newEnv(t, Options{})
	e.c.Start()

	assert.Equal(t, CachedReadOnly, e.c.Mode())
	assert.Empty(t, e.c.Messages())
	assert.False(t, e.c.View().CanCompose())

	// unknown never opens a subscription.
	e.c.SetConnectivity(connectivity.Unknown)
	assert.Equal(t, CachedReadOnly, e.c.Mode())
}

// unknown -> connected, one batch: published and cached.
func TestLiveBatchPublishedAndCached(t *testing.T) {
	e := newEnv(t, Options{})
	sub := remotelog_mock.NewMockISubscription(e.ctrl)
	sub.EXPECT().Close().Return(nil).AnyTimes()
	e.expectSubscribe(sub, hiRecords())

	e.c.Start()
	e.c.SetConnectivity(connectivity.Connected)

	assert.Equal(t, Live, e.c.Mode())
	assert.Equal(t, hiMessages(), e.c.Messages())

	snap, err := e.store.ReadSnapshot()
	require.NoError(t, err)
	assert.Equal(t, cache.Snapshot(hiMessages()), snap)
}

// failingKV fails every write.
type failingKV struct{}

func (failingKV) Get(string) (string, bool, error) { return "", false, nil }
func (failingKV) Set(string, string) error         { return errors.New("disk full") }
func (failingKV) Close() error                     { return nil }

// a failed cache write does not stop the live list from updating.
func TestCacheWriteFailureKeepsLive(t *testing.T) {
	e := newEnv(t, Options{Cache: cache.NewSnapshotStore(failingKV{}, "")})
	sub := remotelog_mock.NewMockISubscription(e.ctrl)
	sub.EXPECT().Close().Return(nil).AnyTimes()
	e.expectSubscribe(sub, hiRecords())

	e.c.Start()
	e.c.SetConnectivity(connectivity.Connected)

	assert.Equal(t, Live, e.c.Mode())
	assert.Equal(t, hiMessages(), e.c.Messages())

	later := append([]*message.Record{{ID: "2", Text: "again", CreatedAt: ts.Add(time.Minute)}}, hiRecords()...)
	e.batchFunc(0)(later)
	assert.Equal(t, Live, e.c.Mode())
	require.Len(t, e.c.Messages(), 2)
	assert.Equal(t, "2", e.c.Messages()[0].ID)
}

// a batch delivered while the subscription is still opening is live data.
func TestFirstBatchBeforeSubscribeReturns(t *testing.T) {
	e := newEnv(t, Options{})
	sub := remotelog_mock.NewMockISubscription(e.ctrl)
	sub.EXPECT().Close().Return(nil).AnyTimes()

	var during View
	e.log.EXPECT().Subscribe(gomock.Any(), conv, gomock.Any()).DoAndReturn(
		func(ctx context.Context, conversation string, fn remotelog.BatchFunc) (remotelog.ISubscription, error) {
			fn(hiRecords())
			during = e.c.View()
			return sub, nil
		})

	e.c.Start()
	require.Equal(t, CachedReadOnly, e.c.Mode())
	e.c.SetConnectivity(connectivity.Connected)

	assert.Equal(t, Live, during.Mode)
	assert.Equal(t, hiMessages(), during.Messages)
	assert.Equal(t, Live, e.c.Mode())
}

// connected -> disconnected: cached snapshot, read only, sends rejected.
func TestDisconnectServesCache(t *testing.T) {
	e := newEnv(t, Options{})
	sub := remotelog_mock.NewMockISubscription(e.ctrl)
	sub.EXPECT().Close().Return(nil).Times(1)
	e.expectSubscribe(sub, hiRecords())

	e.c.Start()
	e.c.SetConnectivity(connectivity.Connected)
	e.c.SetConnectivity(connectivity.Disconnected)

	assert.Equal(t, CachedReadOnly, e.c.Mode())
	assert.Equal(t, hiMessages(), e.c.Messages())

	err := e.c.Send(context.Background(), &message.Draft{Text: "still there?", Author: ann})
	assert.ErrorIs(t, err, ErrSendUnavailable)
}

func TestStaleBatchDropped(t *testing.T) {
	e := newEnv(t, Options{})
	sub := remotelog_mock.NewMockISubscription(e.ctrl)
	sub.EXPECT().Close().Return(nil).AnyTimes()
	e.expectSubscribe(sub, hiRecords()).Times(2)

	e.c.Start()
	e.c.SetConnectivity(connectivity.Connected)
	old := e.batchFunc(0)
	gen := e.c.Generation()

	e.c.SetConnectivity(connectivity.Disconnected)
	assert.Greater(t, e.c.Generation(), gen)

	late := []*message.Record{{ID: "2", Text: "late", CreatedAt: ts.Add(time.Minute)}}
	old(late)
	assert.Equal(t, hiMessages(), e.c.Messages())
	assert.Equal(t, uint64(1), e.c.StaleBatches())

	snap, err := e.store.ReadSnapshot()
	require.NoError(t, err)
	assert.Equal(t, cache.Snapshot(hiMessages()), snap)

	// reconnect: the old callback stays dead, the new one applies.
	e.c.SetConnectivity(connectivity.Connected)
	old(late)
	assert.Equal(t, hiMessages(), e.c.Messages())
	assert.Equal(t, uint64(2), e.c.StaleBatches())

	e.batchFunc(1)(append(late, hiRecords()...))
	got := e.c.Messages()
	require.Len(t, got, 2)
	assert.Equal(t, "2", got[0].ID)
	assert.Equal(t, message.AnonymousAuthor(), got[0].Author)
}

func TestSendUploadFailed(t *testing.T) {
	up := &fakeUploader{err: errors.New("network down")}
	e := newEnv(t, Options{Uploader: up})
	sub := remotelog_mock.NewMockISubscription(e.ctrl)
	sub.EXPECT().Close().Return(nil).AnyTimes()
	e.expectSubscribe(sub, hiRecords())

	e.c.Start()
	e.c.SetConnectivity(connectivity.Connected)

	err := e.c.Send(context.Background(), &message.Draft{Author: ann, LocalImage: "file:///tmp/cat.png"})
	assert.ErrorIs(t, err, attachment.ErrUploadFailed)
	assert.Equal(t, []string{"u1:file:///tmp/cat.png"}, up.calls)
	assert.Equal(t, hiMessages(), e.c.Messages())
}

func TestSendWithUpload(t *testing.T) {
	now := ts.Add(time.Hour)
	up := &fakeUploader{url: "http://cdn/objects/u1-1-cat.png"}
	e := newEnv(t, Options{Uploader: up, Now: func() time.Time { return now }})
	sub := remotelog_mock.NewMockISubscription(e.ctrl)
	sub.EXPECT().Close().Return(nil).AnyTimes()
	e.expectSubscribe(sub, hiRecords())

	e.log.EXPECT().Append(gomock.Any(), conv, gomock.Any()).DoAndReturn(
		func(ctx context.Context, conversation string, r *message.Record) (*message.Record, error) {
			assert.Equal(t, up.url, r.Image)
			assert.Nil(t, r.Location)
			assert.Equal(t, "", r.Text)
			assert.Equal(t, now, r.CreatedAt)
			assert.Equal(t, &message.RecordAuthor{ID: "u1", Name: "Ann"}, r.Author)
			out := *r
			out.ID = "2"
			return &out, nil
		}).Times(1)

	e.c.Start()
	e.c.SetConnectivity(connectivity.Connected)

	require.NoError(t, e.c.Send(context.Background(), &message.Draft{Author: ann, LocalImage: "/tmp/cat.png"}))

	// no optimistic insert.
	assert.Equal(t, hiMessages(), e.c.Messages())
}

func TestSendRejectsEmptyDraft(t *testing.T) {
	e := newEnv(t, Options{})
	e.c.Start()
	assert.ErrorIs(t, e.c.Send(context.Background(), &message.Draft{Author: ann}), message.ErrEmptyMessage)
	assert.ErrorIs(t, e.c.Send(context.Background(), nil), message.ErrInvalidDraft)
}

func TestSubscriptionLostDuringUpload(t *testing.T) {
	up := &fakeUploader{
		url:     "http://cdn/objects/x.png",
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	e := newEnv(t, Options{Uploader: up})
	sub := remotelog_mock.NewMockISubscription(e.ctrl)
	sub.EXPECT().Close().Return(nil).AnyTimes()
	e.expectSubscribe(sub, hiRecords())

	e.c.Start()
	e.c.SetConnectivity(connectivity.Connected)

	errC := make(chan error, 1)
	go func() {
		errC <- e.c.Send(context.Background(), &message.Draft{Author: ann, LocalImage: "/tmp/x.png"})
	}()

	<-up.started
	e.c.SetConnectivity(connectivity.Disconnected)
	close(up.release)

	select {
	case err := <-errC:
		assert.ErrorIs(t, err, ErrSendUnavailable)
	case <-time.After(2 * time.Second):
		t.Fatal("send did not return")
	}
}

func TestSendLocation(t *testing.T) {
	e := newEnv(t, Options{Locator: attachment.StaticLocator{Latitude: 52.52, Longitude: 13.405}})
	sub := remotelog_mock.NewMockISubscription(e.ctrl)
	sub.EXPECT().Close().Return(nil).AnyTimes()
	e.expectSubscribe(sub, hiRecords())

	e.log.EXPECT().Append(gomock.Any(), conv, gomock.Any()).DoAndReturn(
		func(ctx context.Context, conversation string, r *message.Record) (*message.Record, error) {
			assert.Equal(t, message.LocationText, r.Text)
			assert.Equal(t, &message.Coords{Latitude: 52.52, Longitude: 13.405}, r.Location)
			assert.Equal(t, &message.RecordAuthor{ID: "u1", Name: message.Anonymous}, r.Author)
			return r, nil
		}).Times(1)

	e.c.Start()
	e.c.SetConnectivity(connectivity.Connected)
	require.NoError(t, e.c.SendLocation(context.Background(), message.Author{ID: "u1"}))
}

func TestSendLocationTimeout(t *testing.T) {
	e := newEnv(t, Options{Locator: blockingLocator{}, LocationTimeout: 20 * time.Millisecond})
	sub := remotelog_mock.NewMockISubscription(e.ctrl)
	sub.EXPECT().Close().Return(nil).AnyTimes()
	e.expectSubscribe(sub, hiRecords())

	e.c.Start()
	e.c.SetConnectivity(connectivity.Connected)

	err := e.c.SendLocation(context.Background(), ann)
	assert.ErrorIs(t, err, attachment.ErrTimedOut)
	assert.Equal(t, Live, e.c.Mode())
}

func TestTeardown(t *testing.T) {
	e := newEnv(t, Options{})
	sub := remotelog_mock.NewMockISubscription(e.ctrl)
	sub.EXPECT().Close().Return(nil).Times(1)
	e.expectSubscribe(sub, hiRecords())

	e.c.Start()
	e.c.SetConnectivity(connectivity.Connected)
	fn := e.batchFunc(0)

	e.c.Teardown()
	e.c.Teardown()
	assert.Equal(t, Idle, e.c.Mode())

	fn([]*message.Record{{ID: "9", Text: "ghost", CreatedAt: ts.Add(time.Hour)}})
	assert.Equal(t, hiMessages(), e.c.Messages())
	assert.Equal(t, uint64(1), e.c.StaleBatches())

	// no subscribe after teardown.
	e.c.SetConnectivity(connectivity.Disconnected)
	e.c.SetConnectivity(connectivity.Connected)
	assert.ErrorIs(t, e.c.Send(context.Background(), &message.Draft{Text: "x"}), ErrSendUnavailable)
}

func TestSubscribeFailureFallsBackAndRetries(t *testing.T) {
	e := newEnv(t, Options{RetryInterval: 10 * time.Millisecond})
	require.NoError(t, e.store.WriteSnapshot(hiMessages()))

	sub := remotelog_mock.NewMockISubscription(e.ctrl)
	sub.EXPECT().Close().Return(nil).AnyTimes()
	gomock.InOrder(
		e.log.EXPECT().Subscribe(gomock.Any(), conv, gomock.Any()).Return(nil, errors.New("dial refused")),
		e.expectSubscribe(sub, nil),
	)

	e.c.Start()
	e.c.SetConnectivity(connectivity.Connected)
	assert.Equal(t, CachedReadOnly, e.c.Mode())
	assert.Equal(t, hiMessages(), e.c.Messages())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.c.Run(ctx, nil)

	assert.Eventually(t, func() bool { return e.c.Mode() == Live }, 2*time.Second, 5*time.Millisecond)
}

func TestCorruptCacheIsEmpty(t *testing.T) {
	e := newEnv(t, Options{})
	require.NoError(t, e.kv.Set(cache.DefaultKey, "{broken"))

	e.c.Start()
	assert.Equal(t, CachedReadOnly, e.c.Mode())
	assert.Empty(t, e.c.Messages())
}

func TestRunAndOnUpdate(t *testing.T) {
	e := newEnv(t, Options{})
	sub := remotelog_mock.NewMockISubscription(e.ctrl)
	sub.EXPECT().Close().Return(nil).AnyTimes()
	e.expectSubscribe(sub, hiRecords())

	views := make(chan View, 16)
	e.c.OnUpdate(func(v View) { views <- v })
	e.c.Start()

	states := make(chan connectivity.State)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.c.Run(ctx, states)
	states <- connectivity.Connected

	deadline := time.After(2 * time.Second)
	for {
		select {
		case v := <-views:
			if v.Mode == Live && len(v.Messages) == 1 {
				assert.True(t, v.CanCompose())
				assert.Equal(t, hiMessages(), v.Messages)
				return
			}
		case <-deadline:
			t.Fatal("no live view published")
		}
	}
}
