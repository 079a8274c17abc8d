package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pborman/uuid"

	"github.com/mqy/minichat/message"
	"github.com/mqy/minichat/store"
	"github.com/mqy/minichat/wire"
)

const (
	MinTTLDays = 7
	MaxTTLDays = 100

	MinSnapshotLimit = 25
	MaxSnapshotLimit = 500

	maxConversationLen = 64
)

// IAppender accepts a validated record. It is satisfied by *ingest.Ingester.
type IAppender interface {
	Append(ctx context.Context, conversation string, r *message.Record) error
}

type Conf struct {
	SnapshotLimit  int32
	MaxRecordBytes int
}

// LogApi serves websocket client requests.
type LogApi struct {
	store    store.IRecordStore
	appender IAppender
	conf     *Conf
	now      func() time.Time
}

func NewApi(store store.IRecordStore, appender IAppender, conf *Conf) *LogApi {
	return &LogApi{
		store:    store,
		appender: appender,
		conf:     conf,
		now:      time.Now,
	}
}

func validateConversation(conv string) string {
	if conv == "" {
		return "conversation: should not be empty"
	}
	if len(conv) > maxConversationLen {
		return fmt.Sprintf("conversation: exceeds %d bytes", maxConversationLen)
	}
	if strings.ContainsAny(conv, "/ \t\r\n") {
		return "conversation: contains illegal characters"
	}
	return ""
}

// Snapshot returns the newest records of conversation, newest first.
func (s *LogApi) Snapshot(ctx context.Context, conversation string) ([]*message.Record, *wire.Error) {
	req := &wire.ClientMsg{Subscribe: &wire.SubscribeReq{Conversation: conversation}}
	if e := validateConversation(conversation); e != "" {
		return nil, newInvalidArgumentError(req, e)
	}
	records, err := s.store.List(ctx, conversation, s.conf.SnapshotLimit)
	if err != nil {
		return nil, newInternalError(req, err.Error())
	}
	if records == nil {
		records = []*message.Record{}
	}
	return records, nil
}

// Append assigns id and creation time to the record and hands it over to
// the appender. The returned record is the accepted one.
func (s *LogApi) Append(ctx context.Context, uid string, req *wire.AppendReq) (*message.Record, *wire.Error) {
	clientMsg := &wire.ClientMsg{Append: req}

	var errs []string
	if e := validateConversation(req.Conversation); e != "" {
		errs = append(errs, e)
	}
	if req.Record == nil {
		errs = append(errs, "record: is required")
	} else if err := message.Validate(req.Record); err != nil {
		errs = append(errs, "record: "+err.Error())
	}
	if len(errs) > 0 {
		return nil, newInvalidArgumentError(clientMsg, errs...)
	}

	r := *req.Record
	r.ID = uuid.New()
	r.CreatedAt = s.now().UTC().Truncate(time.Millisecond)

	if data, err := json.Marshal(&r); err != nil {
		return nil, newInternalError(clientMsg, err.Error())
	} else if s.conf.MaxRecordBytes > 0 && len(data) > s.conf.MaxRecordBytes {
		return nil, newInvalidArgumentError(clientMsg,
			fmt.Sprintf("record: exceeds %d bytes", s.conf.MaxRecordBytes))
	}

	if err := s.appender.Append(ctx, req.Conversation, &r); err != nil {
		return nil, newInternalError(clientMsg, err.Error())
	}
	return &r, nil
}

func newInvalidArgumentError(req *wire.ClientMsg, errs ...string) *wire.Error {
	return &wire.Error{
		Code:   wire.CodeInvalidArguments,
		Params: errs,
		Req:    req,
	}
}

func newInternalError(req *wire.ClientMsg, err string) *wire.Error {
	return &wire.Error{
		Code:   wire.CodeInternal,
		Params: []string{err},
		Req:    req,
	}
}

func interceptError(err *wire.Error) {
	if err.Code == wire.CodeInternal {
		err.Params = []string{"temp storage error"}
	}
}
