//go:generate mockgen -destination=mock/mock_remotelog.go -package=mock github.com/mqy/minichat/remotelog IRemoteLog,ISubscription

// Package remotelog is the client side of the remote ordered message log.
package remotelog

import (
	"context"
	"errors"

	"github.com/mqy/minichat/message"
)

var ErrClosed = errors.New("remotelog: client closed")

// BatchFunc receives full replacement batches, newest first. Calls for one
// subscription never overlap.
type BatchFunc func(records []*message.Record)

type IRemoteLog interface {
	// Subscribe opens a live subscription of conversation. The first batch
	// is the current content of the log.
	Subscribe(ctx context.Context, conversation string, fn BatchFunc) (ISubscription, error)

	// Append submits r. The returned record carries the id and createdAt
	// assigned by the log; subscribers receive it in their next batch.
	Append(ctx context.Context, conversation string, r *message.Record) (*message.Record, error)
}

type ISubscription interface {
	// Close stops delivery. Closing twice is a no-op.
	Close() error
}
