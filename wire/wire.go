// Package wire defines the JSON messages exchanged over the /ws endpoint
// and the record envelope written to kafka.
package wire

import (
	"fmt"
	"strings"

	"github.com/mqy/minichat/message"
)

const (
	CodeInvalidArguments = 3
	CodeInternal         = 13
)

// ClientMsg is a request from a client. Exactly one of the request fields
// is set; Req is echoed back in the reply.
type ClientMsg struct {
	Req         string          `json:"req,omitempty"`
	Subscribe   *SubscribeReq   `json:"subscribe,omitempty"`
	Unsubscribe *UnsubscribeReq `json:"unsubscribe,omitempty"`
	Append      *AppendReq      `json:"append,omitempty"`
}

type SubscribeReq struct {
	Conversation string `json:"conversation"`
}

type UnsubscribeReq struct {
	Conversation string `json:"conversation"`
}

type AppendReq struct {
	Conversation string          `json:"conversation"`
	Record       *message.Record `json:"record"`
}

// ServerMsg is pushed to a client.
type ServerMsg struct {
	Req      string    `json:"req,omitempty"`
	Batch    *Batch    `json:"batch,omitempty"`
	Appended *Appended `json:"appended,omitempty"`
	Error    *Error    `json:"error,omitempty"`
}

// Batch is a full replacement snapshot of a conversation, newest first.
type Batch struct {
	Conversation string            `json:"conversation"`
	Records      []*message.Record `json:"records"`
}

// Appended acknowledges an append with the server assigned id and time.
type Appended struct {
	Conversation string          `json:"conversation"`
	Record       *message.Record `json:"record"`
}

type Error struct {
	Code   int32      `json:"code"`
	Params []string   `json:"params,omitempty"`
	Req    *ClientMsg `json:"req,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("code %d: %s", e.Code, strings.Join(e.Params, "; "))
}

// LogEntry is one accepted record as written to the append log.
type LogEntry struct {
	Conversation string          `json:"conversation"`
	Record       *message.Record `json:"record"`
}
