package remotelog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/mqy/minichat/message"
	"github.com/mqy/minichat/wire"
)

const (
	writeWait = 3 * time.Second

	// server pings every 20s.
	readWait = 60 * time.Second

	readLimit = 1 << 20

	BackoffMinInterval = 1 * time.Second
	BackoffMaxInterval = 30 * time.Second
	BackoffMultiplier  = 1.5
)

type Options struct {
	// URL of the websocket endpoint, e.g. "ws://127.0.0.1:8000/ws".
	URL string

	// UserID is sent as the X-Uid header.
	UserID string

	Dialer *websocket.Dialer
}

func (o *Options) defaults() {
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		}
	}
}

// Client implements IRemoteLog over the minichat websocket protocol. Each
// subscription owns one connection and reconnects with backoff until it is
// closed; each append uses a short lived connection.
type Client struct {
	opts Options

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool

	reqSeq int64
}

func NewClient(opts Options) *Client {
	opts.defaults()
	return &Client{
		opts: opts,
		subs: make(map[*subscription]struct{}),
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.opts.UserID != "" {
		header.Set("X-Uid", c.opts.UserID)
	}
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		return nil, fmt.Errorf("remotelog: dial %s: %w", c.opts.URL, err)
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

func (c *Client) nextReq() string {
	return "r" + strconv.FormatInt(atomic.AddInt64(&c.reqSeq, 1), 10)
}

func writeClientMsg(conn *websocket.Conn, msg *wire.ClientMsg) error {
	out, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, out)
}

func readServerMsg(conn *websocket.Conn) (*wire.ServerMsg, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var msg wire.ServerMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("remotelog: bad server message %q: %w", data, err)
	}
	return &msg, nil
}

func (c *Client) Subscribe(ctx context.Context, conversation string, fn BatchFunc) (ISubscription, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	s := &subscription{
		client:       c,
		conversation: conversation,
		fn:           fn,
		done:         make(chan struct{}),
	}

	conn, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return nil, ErrClosed
	}
	c.subs[s] = struct{}{}
	c.mu.Unlock()

	go s.run(conn)
	return s, nil
}

func (c *Client) Append(ctx context.Context, conversation string, r *message.Record) (*message.Record, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	// unblock reads when ctx ends.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	req := c.nextReq()
	if err := writeClientMsg(conn, &wire.ClientMsg{
		Req:    req,
		Append: &wire.AppendReq{Conversation: conversation, Record: r},
	}); err != nil {
		return nil, fmt.Errorf("remotelog: append: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(readWait))
	for {
		msg, err := readServerMsg(conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("remotelog: append: %w", err)
		}
		if msg.Req != req {
			continue
		}
		if msg.Error != nil {
			return nil, fmt.Errorf("remotelog: append rejected: %w", msg.Error)
		}
		if msg.Appended != nil && msg.Appended.Record != nil {
			glog.V(5).Infof("remotelog: appended %s to %s", msg.Appended.Record.ID, conversation)
			return msg.Appended.Record, nil
		}
	}
}

// Close closes every open subscription; later calls fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	subs := make([]*subscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}

func (c *Client) forget(s *subscription) {
	c.mu.Lock()
	delete(c.subs, s)
	c.mu.Unlock()
}

type subscription struct {
	client       *Client
	conversation string
	fn           BatchFunc

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	done   chan struct{}
}

func (s *subscription) String() string {
	return "subscription(" + s.conversation + ")"
}

// connect dials and sends the subscribe request.
func (s *subscription) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, err := s.client.dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := writeClientMsg(conn, &wire.ClientMsg{
		Req:       s.client.nextReq(),
		Subscribe: &wire.SubscribeReq{Conversation: s.conversation},
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("remotelog: subscribe: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		conn.Close()
		return nil, ErrClosed
	}
	s.conn = conn
	return conn, nil
}

func (s *subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// run reads batches until closed, reconnecting after read errors.
func (s *subscription) run(conn *websocket.Conn) {
	defer glog.V(5).Infof("%s: run exited", s)

	var sleep time.Duration
	for {
		err := s.readLoop(conn)
		if s.isClosed() {
			return
		}
		glog.Errorf("%s: read error: %v", s, err)

		for {
			backoff(&sleep)
			select {
			case <-time.After(sleep):
			case <-s.done:
				return
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			conn, err = s.connect(ctx)
			cancel()
			if err == nil {
				sleep = 0
				glog.Infof("%s: reconnected", s)
				break
			}
			if err == ErrClosed {
				return
			}
			glog.Errorf("%s: reconnect error: %v", s, err)
		}
	}
}

func (s *subscription) readLoop(conn *websocket.Conn) error {
	for {
		msg, err := readServerMsg(conn)
		if err != nil {
			return err
		}
		if msg.Error != nil {
			glog.Errorf("%s: server error: %v", s, msg.Error)
			continue
		}
		if b := msg.Batch; b != nil && b.Conversation == s.conversation {
			if s.isClosed() {
				return nil
			}
			glog.V(5).Infof("%s: batch of %d records", s, len(b.Records))
			s.fn(b.Records)
		}
	}
}

func (s *subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	conn := s.conn
	s.mu.Unlock()

	s.client.forget(s)

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		return conn.Close()
	}
	return nil
}

func backoff(d *time.Duration) {
	if *d == 0 {
		*d = BackoffMinInterval
	} else {
		*d = time.Duration(float64(*d) * BackoffMultiplier)
		if *d < BackoffMaxInterval {
			*d = d.Truncate(time.Millisecond)
		} else {
			*d = BackoffMaxInterval
		}
	}
}
