// Package attachment uploads binary attachments to object storage and
// fetches the current location for location messages.
package attachment

import (
	"context"
	"errors"
	"io"
)

var (
	ErrUploadFailed = errors.New("attachment: upload failed")
	ErrTimedOut     = errors.New("attachment: timed out")
)

// IObjectStorage is the remote object storage.
type IObjectStorage interface {
	// Put stores the content read from r under path.
	Put(ctx context.Context, path string, r io.Reader) error

	// GetURL returns a stable, retrievable url of a stored object.
	GetURL(ctx context.Context, path string) (string, error)
}

// Coords is a resolved position.
type Coords struct {
	Latitude  float64
	Longitude float64
}

// ILocator resolves the current device position. Implementations may block
// for a long time; callers bound the wait with FetchLocation.
type ILocator interface {
	Locate(ctx context.Context) (Coords, error)
}
