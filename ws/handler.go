package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/mqy/minichat/metrics"
	"github.com/mqy/minichat/wire"
)

type SessionError int

const (
	ReadError  SessionError = 1
	WriteError SessionError = 2
	PingError  SessionError = 3
	BadRequest SessionError = 4
	ServerStop SessionError = 5
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 3 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	// Recommend configure nginx with `keep-alive_timeout` >= 65s.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 25 * time.Second

	// websocket max message size to read.
	readLimit = 64 * 1024

	appendTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Fix error: request origin not allowed by Upgrader.CheckOrigin
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Session describes one websocket connection.
type Session struct {
	Sid        string `json:"sid"`
	Uid        string `json:"uid"`
	CreateTime int64  `json:"create_time"`
	Ip         string `json:"ip"`
}

// Handler managers an active connection to end user.
// Every new websocket connection creates a new session.
type Handler struct {
	sync.Mutex

	api *LogApi
	hub *Hub

	session *Session
	conn    *websocket.Conn

	dataChan chan *SessionData

	closing bool

	subsMu sync.Mutex
	subs   map[string]struct{}

	// held while a snapshot is loaded and queued, so batches are queued
	// in the order they were loaded.
	snapMu sync.Mutex
}

// SessionData is the data structure for `dataChan`.
type SessionData struct {
	Error     SessionError    `json:"error,omitempty"`
	ServerMsg *wire.ServerMsg `json:"resp,omitempty"`
}

func newHandler(hub *Hub, sess *Session, conn *websocket.Conn) *Handler {
	return &Handler{
		dataChan: make(chan *SessionData, 16),
		session:  sess,
		conn:     conn,
		api:      hub.api,
		hub:      hub,
		subs:     make(map[string]struct{}),
	}
}

func (h *Handler) String() string {
	out, _ := json.Marshal(h.session)
	return string(out)
}

func (h *Handler) subscribed(conversation string) bool {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	_, ok := h.subs[conversation]
	return ok
}

func (h *Handler) subscribe(conversation string) {
	h.subsMu.Lock()
	h.subs[conversation] = struct{}{}
	h.subsMu.Unlock()
}

func (h *Handler) unsubscribe(conversation string) {
	h.subsMu.Lock()
	delete(h.subs, conversation)
	h.subsMu.Unlock()
}

func (h *Handler) close(cause SessionError) {
	h.Lock()
	defer h.Unlock()
	if h.closing {
		return
	}

	h.closing = true

	// WriteControl may run concurrently with sendLoop writes.
	_ = h.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	h.conn.Close()

	close(h.dataChan)

	if cause != ServerStop {
		glog.V(5).Infof("session closed, cause: %d, %s", cause, h)
		// Ask for hub to remove this handler.
		h.hub.delHandler(h.session.Sid)
	}
}

func (h *Handler) isClosing() bool {
	h.Lock()
	defer h.Unlock()
	return h.closing
}

func (h *Handler) appendDataChan(v *SessionData) {
	h.Lock()
	defer h.Unlock()
	if h.closing {
		return
	}
	select {
	case h.dataChan <- v:
	default:
		glog.Errorf("session is too slow, closing: %s", h)
		go h.close(WriteError)
	}
}

func (h *Handler) replyError(req string, err *wire.Error) {
	interceptError(err)
	h.appendDataChan(&SessionData{ServerMsg: &wire.ServerMsg{Req: req, Error: err}})
}

func sendServerMsg(conn *websocket.Conn, msg *wire.ServerMsg) error {
	out, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, out)
}

func (h *Handler) recvLoop() {
	defer func() { glog.V(5).Infof("recvLoop(): exited, session: %s", h.String()) }()

	h.conn.SetReadLimit(readLimit)
	h.conn.SetReadDeadline(time.Now().Add(pongWait))
	h.conn.SetPongHandler(func(s string) error {
		h.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for !h.isClosing() {
		msgType, msg, err := h.conn.ReadMessage()
		if err != nil {
			glog.V(5).Infof("recvLoop(): read error: %v", err)
			h.appendDataChan(&SessionData{Error: ReadError})
			return
		}

		glog.V(5).Infof("recvLoop(): incoming client message: %v", string(msg))

		if msgType != websocket.TextMessage {
			glog.Errorf("recvLoop(): unexpected message type: %d", msgType)
			h.appendDataChan(&SessionData{ServerMsg: &wire.ServerMsg{
				Error: newInvalidArgumentError(nil, "websocket only supports TextMessage"),
			}})
			h.appendDataChan(&SessionData{Error: BadRequest})
			return
		}

		req := wire.ClientMsg{}
		if err := json.Unmarshal(msg, &req); err != nil {
			glog.Errorf("recvLoop(): message error: msg: %s, err: %v", string(msg), err)
			h.appendDataChan(&SessionData{ServerMsg: &wire.ServerMsg{
				Error: newInvalidArgumentError(nil, fmt.Sprintf("unmarshal error: %v", err)),
			}})
			h.appendDataChan(&SessionData{Error: BadRequest})
			return
		}

		if v := req.Subscribe; v != nil {
			h.snapMu.Lock()
			// subscribe before loading so no change after this snapshot is missed.
			h.subscribe(v.Conversation)
			records, err := h.api.Snapshot(context.Background(), v.Conversation)
			if err != nil {
				h.unsubscribe(v.Conversation)
				h.snapMu.Unlock()
				glog.Errorf("recvLoop(): Snapshot error: %+v", err)
				h.replyError(req.Req, err)
				continue
			}
			h.appendDataChan(&SessionData{ServerMsg: &wire.ServerMsg{
				Req:   req.Req,
				Batch: &wire.Batch{Conversation: v.Conversation, Records: records},
			}})
			h.snapMu.Unlock()
		} else if v := req.Unsubscribe; v != nil {
			h.unsubscribe(v.Conversation)
		} else if v := req.Append; v != nil {
			ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
			r, err := h.api.Append(ctx, h.session.Uid, v)
			cancel()
			if err != nil {
				glog.Errorf("recvLoop(): Append error: %+v", err)
				h.replyError(req.Req, err)
				continue
			}
			h.appendDataChan(&SessionData{ServerMsg: &wire.ServerMsg{
				Req:      req.Req,
				Appended: &wire.Appended{Conversation: v.Conversation, Record: r},
			}})
		} else {
			glog.Errorf("recvLoop(): unsupported request: %s", string(msg))
			h.appendDataChan(&SessionData{ServerMsg: &wire.ServerMsg{
				Req:   req.Req,
				Error: newInvalidArgumentError(&req, "unsupported request"),
			}})
			h.appendDataChan(&SessionData{Error: BadRequest})
		}
	}
}

func (h *Handler) sendLoop() {
	pingTicker := time.NewTicker(pingPeriod)
	defer func() {
		pingTicker.Stop()
		glog.V(5).Infof("sendLoop(): exited, session: %s", h.String())
	}()

	for {
		select {
		case v, ok := <-h.dataChan:
			if !ok { // chan was closed
				h.conn.Close()
				glog.V(5).Infof("sendLoop(): data chan closed, session: %s", h.String())
				return
			}

			if glog.V(5) {
				dataJson, _ := json.Marshal(v)
				logValue := string(dataJson)
				if len(logValue) > 100 {
					logValue = logValue[:100] + " ..."
				}
				glog.Infof("sendLoop(), get from data chan, value: %s, session: %s", logValue, h.String())
			}

			if v.Error > 0 {
				h.close(v.Error)
				return
			} else if v.ServerMsg == nil {
				glog.Errorf("sendLoop(), unknown data from dataChan: %#+v", v)
				continue
			}

			if err := sendServerMsg(h.conn, v.ServerMsg); err != nil {
				glog.Errorf("sendLoop(), error write message. session: %s, err: %v", h.String(), err)
				go h.close(WriteError)
				return
			}
			if v.ServerMsg.Batch != nil {
				metrics.BatchesPushed.Inc()
			}
		case <-pingTicker.C:
			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				glog.Errorf("sendLoop(), error write ping message. session: %s, err: %v", h, err)
				go h.close(PingError)
				return
			}
		}
	}
}
