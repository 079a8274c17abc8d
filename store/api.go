//go:generate mockgen -destination=mock/mock_store.go -package=mock github.com/mqy/minichat/store IRecordStore

package store

import (
	"context"

	"github.com/mqy/minichat/message"
)

// IRecordStore is the durable side of the remote ordered log.
type IRecordStore interface {
	// Append saves r, whose ID and CreatedAt were assigned by the log.
	// Saving the same record twice is not an error; saving a different
	// record under an existing ID is a duplicate key error.
	Append(ctx context.Context, conversation string, r *message.Record) error

	// List returns up to limit newest records of conversation, order by
	// create time DESC, then id DESC.
	List(ctx context.Context, conversation string, limit int32) ([]*message.Record, error)

	// DeleteOutdated deletes records created before ttlDays ago.
	DeleteOutdated(ctx context.Context, ttlDays int32) (int32, error)

	IsDupKeyError(err error) bool
}
