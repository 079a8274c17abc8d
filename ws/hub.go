package ws

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/metrics"
	"github.com/mqy/minichat/wire"
)

// Hub works as a hub that manages and serves sessions.
type Hub struct {
	api        *LogApi
	authClient auth.Client
	hstore     *HandlerStore
}

// NewHub creates a `Hub`.
func NewHub(authClient auth.Client, api *LogApi) *Hub {
	return &Hub{
		api:        api,
		authClient: authClient,
		hstore:     newHandlerStore(),
	}
}

// Run pushes a fresh snapshot to the subscribers of every conversation
// received from changedC, until ctx is done.
func (h *Hub) Run(ctx context.Context, changedC <-chan []string, stopDoneNotifyC chan<- struct{}) {
	for {
		select {
		case <-ctx.Done():
			glog.Infof("close connections ...")
			h.hstore.close()
			glog.Infof("close connections done")
			stopDoneNotifyC <- struct{}{}
			return
		case convs, ok := <-changedC:
			if !ok {
				return
			}
			glog.V(5).Infof("hub: changed conversations: %v", convs)
			for _, conv := range convs {
				h.pushSnapshot(ctx, conv)
			}
		}
	}
}

func (h *Hub) pushSnapshot(ctx context.Context, conversation string) {
	handlers := h.hstore.getByConversation(conversation)
	if len(handlers) == 0 {
		return
	}

	// a first snapshot still loading for one of them is queued before this one.
	for _, s := range handlers {
		s.snapMu.Lock()
	}
	defer func() {
		for _, s := range handlers {
			s.snapMu.Unlock()
		}
	}()

	records, err := h.api.Snapshot(ctx, conversation)
	if err != nil {
		glog.Errorf("hub: load snapshot of %s error: %v", conversation, err)
		return
	}

	glog.V(5).Infof("hub: push %d records of %s to %d sessions", len(records), conversation, len(handlers))
	for _, s := range handlers {
		s.appendDataChan(&SessionData{ServerMsg: &wire.ServerMsg{
			Batch: &wire.Batch{Conversation: conversation, Records: records},
		}})
	}
}

// ServeHTTP handles websocket requests from the peer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	uid, err := h.authClient.Auth(r)
	if err != nil {
		glog.Errorf("ServeHTTP(): authenticate error: %v", err)
		http.Error(w, "Authenticate error", http.StatusForbidden)
		return
	}

	sess := &Session{
		Uid:        uid,
		Sid:        strings.ReplaceAll(uuid.New(), "-", ""),
		CreateTime: time.Now().Unix(),
		Ip:         getRemoteIP(r),
	}

	// If the upgrade fails, then Upgrade replies to the client with an HTTP error response.
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("ServeHTTP(): upgrader.Upgrade error, uid: %s, err: %s", uid, err)
		return
	}

	// NOTE:  after upgrade, `w.WriteHeader(...)`` causes error `response.Write on hijacked connection`.

	handler := newHandler(h, sess, conn)

	conn.SetCloseHandler(func(code int, text string) error {
		glog.V(5).Infof("session closed by peer, session: %s, code: %d, text: %s", handler, code, text)
		h.delHandler(sess.Sid)
		return nil
	})

	h.addHandler(handler)

	go handler.recvLoop()
	go handler.sendLoop()
}

func (h *Hub) addHandler(handler *Handler) {
	h.hstore.add(handler)
	metrics.Sessions.Inc()
}

func (h *Hub) delHandler(sid string) {
	if h.hstore.del(sid) {
		metrics.Sessions.Dec()
	}
}

// Sessions returns the number of connected sessions.
func (h *Hub) Sessions() int {
	return h.hstore.size()
}

func getRemoteIP(r *http.Request) string {
	ip := r.Header.Get("X-REAL-IP")
	if ip == "" {
		if ips := r.Header.Get("X-FORWARDED-FOR"); ips != "" {
			slice := strings.Split(ips, ",")
			for _, x := range slice {
				if x = strings.TrimSpace(x); x != "" {
					ip = x
				}
			}
		}
	}
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}

	return ip
}
