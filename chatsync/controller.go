// Package chatsync keeps a local view of one conversation consistent with
// the remote ordered log. It switches between a live subscription and the
// cached snapshot as connectivity changes, and gates sends on live mode.
package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/mqy/minichat/attachment"
	"github.com/mqy/minichat/cache"
	"github.com/mqy/minichat/connectivity"
	"github.com/mqy/minichat/message"
	"github.com/mqy/minichat/metrics"
	"github.com/mqy/minichat/remotelog"
)

var ErrSendUnavailable = errors.New("chatsync: no live subscription, send unavailable")

type Mode int

const (
	Idle Mode = iota
	Live
	CachedReadOnly
)

func (m Mode) String() string {
	switch m {
	case Live:
		return "live"
	case CachedReadOnly:
		return "cached"
	default:
		return "idle"
	}
}

func modeFor(st connectivity.State) Mode {
	if st.Online() {
		return Live
	}
	return CachedReadOnly
}

// View is what the UI renders. Messages must not be modified.
type View struct {
	Mode       Mode
	Messages   []message.Message
	Generation uint64
}

// CanCompose reports whether the UI may offer a compose affordance.
func (v View) CanCompose() bool {
	return v.Mode == Live
}

// IUploader is implemented by *attachment.Uploader.
type IUploader interface {
	Upload(ctx context.Context, localRef, ownerID string) (string, error)
}

type Options struct {
	Conversation string
	Log          remotelog.IRemoteLog
	Cache        cache.ISnapshotStore
	Uploader     IUploader
	Locator      attachment.ILocator

	// LocationTimeout bounds SendLocation, default attachment.DefaultLocationTimeout.
	LocationTimeout time.Duration

	// SubscribeTimeout bounds opening a subscription, default 10s.
	SubscribeTimeout time.Duration

	// RetryInterval is how often Run retries a failed subscription while
	// connected, default 5s.
	RetryInterval time.Duration

	Now func() time.Time
}

func (o *Options) defaults() {
	if o.LocationTimeout <= 0 {
		o.LocationTimeout = attachment.DefaultLocationTimeout
	}
	if o.SubscribeTimeout <= 0 {
		o.SubscribeTimeout = 10 * time.Second
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 5 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Controller is the sync state machine of one conversation.
//
// Every transition and the teardown advance the generation. A batch
// callback carries the generation its subscription was opened under and is
// dropped when that is no longer current, so a superseded subscription can
// never change the published list.
type Controller struct {
	opts Options

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     connectivity.State
	mode      Mode
	target    Mode
	opening   bool
	gen       uint64
	sub       remotelog.ISubscription
	messages  []message.Message
	started   bool
	torn      bool
	stale     uint64
	listeners []func(View)

	// latest unpublished view, drained by dispatchLoop.
	pending *View
	signalC chan struct{}
	stopC   chan struct{}
}

func New(opts Options) *Controller {
	opts.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		signalC: make(chan struct{}, 1),
		stopC:   make(chan struct{}),
	}
}

func (c *Controller) String() string {
	return fmt.Sprintf("chatsync(%s)", c.opts.Conversation)
}

// OnUpdate registers a listener. Listeners run on one goroutine, in
// registration order, and always see the latest view; intermediate views
// may be skipped.
func (c *Controller) OnUpdate(fn func(View)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Start enters the mode of the current connectivity state, which is
// CachedReadOnly unless SetConnectivity(Connected) was called before.
func (c *Controller) Start() {
	c.mu.Lock()
	if c.started || c.torn {
		c.mu.Unlock()
		return
	}
	c.started = true
	go c.dispatchLoop()

	target := modeFor(c.state)
	gen, old := c.beginLocked(target)
	c.mu.Unlock()

	glog.Infof("%s: started, connectivity: %s", c, c.state)
	c.enter(target, gen, old)
}

// SetConnectivity applies a connectivity change. Unknown is handled as
// Disconnected.
func (c *Controller) SetConnectivity(st connectivity.State) {
	c.mu.Lock()
	c.state = st
	if !c.started || c.torn {
		c.mu.Unlock()
		return
	}
	target := modeFor(st)
	if target == c.target {
		c.mu.Unlock()
		return
	}
	gen, old := c.beginLocked(target)
	c.mu.Unlock()

	glog.Infof("%s: connectivity %s, entering %s", c, st, target)
	c.enter(target, gen, old)
}

// Run applies states until ctx is done or states is closed, and retries a
// failed subscription while connected. It does not tear down.
func (c *Controller) Run(ctx context.Context, states <-chan connectivity.State) {
	ticker := time.NewTicker(c.opts.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopC:
			return
		case st, ok := <-states:
			if !ok {
				return
			}
			c.SetConnectivity(st)
		case <-ticker.C:
			c.retry()
		}
	}
}

func (c *Controller) retry() {
	c.mu.Lock()
	if !c.started || c.torn || c.target != Live || c.mode == Live || c.opening {
		c.mu.Unlock()
		return
	}
	gen, old := c.beginLocked(Live)
	c.mu.Unlock()

	glog.V(5).Infof("%s: retry subscribe", c)
	c.enter(Live, gen, old)
}

// beginLocked starts a transition: the generation advances and the current
// subscription is detached for closing.
func (c *Controller) beginLocked(target Mode) (uint64, remotelog.ISubscription) {
	c.gen++
	c.target = target
	c.opening = target == Live

	old := c.sub
	c.sub = nil
	if c.mode == Live {
		c.mode = Idle
	}
	return c.gen, old
}

func (c *Controller) enter(target Mode, gen uint64, old remotelog.ISubscription) {
	if old != nil {
		if err := old.Close(); err != nil {
			glog.Errorf("%s: close subscription: %v", c, err)
		}
	}

	switch target {
	case Live:
		c.enterLive(gen)
	case CachedReadOnly:
		c.enterCached(gen)
	}
}

func (c *Controller) enterLive(gen uint64) {
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.SubscribeTimeout)
	sub, err := c.opts.Log.Subscribe(ctx, c.opts.Conversation, c.onBatch(gen))
	cancel()

	c.mu.Lock()
	if gen != c.gen || c.torn {
		c.mu.Unlock()
		glog.V(5).Infof("%s: subscription of generation %d superseded", c, gen)
		if sub != nil {
			_ = sub.Close()
		}
		return
	}
	c.opening = false

	if err != nil {
		c.mu.Unlock()
		glog.Errorf("%s: subscribe error: %v, serving cache", c, err)
		c.enterCached(gen)
		return
	}

	c.sub = sub
	c.mode = Live
	c.publishLocked()
	c.mu.Unlock()

	metrics.ModeTransitions.WithLabelValues(Live.String()).Inc()
}

func (c *Controller) enterCached(gen uint64) {
	snap := c.readCache()

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.torn {
		return
	}
	c.mode = CachedReadOnly
	c.messages = snap
	c.publishLocked()

	metrics.ModeTransitions.WithLabelValues(CachedReadOnly.String()).Inc()
}

// readCache never fails: a missing or unreadable snapshot is empty.
func (c *Controller) readCache() []message.Message {
	snap, err := c.opts.Cache.ReadSnapshot()
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			glog.V(5).Infof("%s: no cached snapshot", c)
		} else {
			metrics.CacheErrors.WithLabelValues("read").Inc()
			glog.Errorf("%s: %v", c, err)
		}
		return []message.Message{}
	}
	return snap
}

func (c *Controller) onBatch(gen uint64) remotelog.BatchFunc {
	return func(records []*message.Record) {
		msgs := message.NormalizeAll(records)

		c.mu.Lock()
		defer c.mu.Unlock()

		if gen != c.gen || c.torn {
			c.stale++
			metrics.StaleBatches.Inc()
			glog.V(5).Infof("%s: drop stale batch of generation %d, current %d", c, gen, c.gen)
			return
		}

		// best effort, the published list is right even when this fails.
		if err := c.opts.Cache.WriteSnapshot(msgs); err != nil {
			metrics.CacheErrors.WithLabelValues("write").Inc()
			glog.Errorf("%s: %v", c, err)
		}

		// the subscription of this generation delivers, it is live even if
		// Subscribe has not returned yet.
		if c.mode != Live {
			c.mode = Live
		}
		c.messages = msgs
		c.publishLocked()
		metrics.BatchesApplied.Inc()
		glog.V(5).Infof("%s: applied batch of %d messages, generation %d", c, len(msgs), gen)
	}
}

func (c *Controller) viewLocked() View {
	return View{Mode: c.mode, Messages: c.messages, Generation: c.gen}
}

func (c *Controller) publishLocked() {
	v := c.viewLocked()
	c.pending = &v
	select {
	case c.signalC <- struct{}{}:
	default:
	}
}

func (c *Controller) dispatchLoop() {
	for {
		select {
		case <-c.stopC:
			return
		case <-c.signalC:
			c.mu.Lock()
			v := c.pending
			c.pending = nil
			listeners := make([]func(View), len(c.listeners))
			copy(listeners, c.listeners)
			c.mu.Unlock()

			if v == nil {
				continue
			}
			for _, fn := range listeners {
				fn(*v)
			}
		}
	}
}

func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Messages returns a copy of the published list.
func (c *Controller) Messages() []message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]message.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

func (c *Controller) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// StaleBatches counts batches dropped because their generation was
// superseded.
func (c *Controller) StaleBatches() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stale
}

// Teardown closes the subscription and stops publishing. It is safe to call
// more than once, and from a listener.
func (c *Controller) Teardown() {
	c.mu.Lock()
	if c.torn {
		c.mu.Unlock()
		return
	}
	c.torn = true
	c.gen++
	old := c.sub
	c.sub = nil
	c.mode = Idle
	c.opening = false
	c.mu.Unlock()

	c.cancel()
	close(c.stopC)
	if old != nil {
		if err := old.Close(); err != nil {
			glog.Errorf("%s: close subscription: %v", c, err)
		}
	}
	glog.Infof("%s: torn down", c)
}
