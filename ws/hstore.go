package ws

import (
	"sync"
)

// memory handler store for local sessions.
type HandlerStore struct {
	sync.RWMutex
	handlers map[string]*Handler
}

func newHandlerStore() *HandlerStore {
	return &HandlerStore{handlers: make(map[string]*Handler)}
}

func (hs *HandlerStore) get(sid string) *Handler {
	hs.RLock()
	h := hs.handlers[sid]
	hs.RUnlock()
	return h
}

func (hs *HandlerStore) del(sid string) bool {
	hs.Lock()
	defer hs.Unlock()
	if _, ok := hs.handlers[sid]; ok {
		delete(hs.handlers, sid)
		return true
	}
	return false
}

func (hs *HandlerStore) add(handler *Handler) {
	hs.Lock()
	sid := handler.session.Sid
	hs.handlers[sid] = handler
	hs.Unlock()
}

func (hs *HandlerStore) size() int {
	hs.RLock()
	defer hs.RUnlock()
	return len(hs.handlers)
}

// getByConversation returns handlers subscribed to conversation.
func (hs *HandlerStore) getByConversation(conversation string) []*Handler {
	hs.RLock()
	defer hs.RUnlock()

	var out []*Handler
	for _, h := range hs.handlers {
		if h.subscribed(conversation) {
			out = append(out, h)
		}
	}
	return out
}

func (hs *HandlerStore) close() {
	hs.RLock()
	handlers := make([]*Handler, 0, len(hs.handlers))
	for _, h := range hs.handlers {
		handlers = append(handlers, h)
	}
	hs.RUnlock()

	for _, h := range handlers {
		h.close(ServerStop)
	}
}
