package attachment

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/mqy/minichat/metrics"
)

const filePrefix = "file://"

var ownerReplacer = strings.NewReplacer("/", "_", "\\", "_")

// RefName names the remote object of a local file:
// "<ownerID>-<unix millis>-<base name>". The base name is everything after
// the last '/' of localRef. Path separators in ownerID become '_', as does
// a leading '.', object names are a single path segment.
func RefName(ownerID string, t time.Time, localRef string) string {
	name := localRef
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	owner := ownerReplacer.Replace(ownerID)
	if strings.HasPrefix(owner, ".") {
		owner = "_" + owner[1:]
	}
	return fmt.Sprintf("%s-%d-%s", owner, t.UnixNano()/int64(time.Millisecond), name)
}

// Uploader uploads local files to object storage.
type Uploader struct {
	storage IObjectStorage
	now     func() time.Time
	open    func(name string) (io.ReadCloser, error)
}

func NewUploader(storage IObjectStorage) *Uploader {
	return &Uploader{
		storage: storage,
		now:     time.Now,
		open: func(name string) (io.ReadCloser, error) {
			return os.Open(name)
		},
	}
}

// Upload stores the file at localRef (a path, optionally "file://" prefixed)
// and returns its remote url. Every failure wraps ErrUploadFailed; no url
// is returned unless the object is stored and resolvable.
func (u *Uploader) Upload(ctx context.Context, localRef, ownerID string) (string, error) {
	start := time.Now()
	url, err := u.upload(ctx, localRef, ownerID)
	if err != nil {
		metrics.UploadDuration.WithLabelValues(metrics.ResultError).Observe(time.Since(start).Seconds())
		glog.Errorf("upload %s: %v", localRef, err)
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	metrics.UploadDuration.WithLabelValues(metrics.ResultOK).Observe(time.Since(start).Seconds())
	return url, nil
}

func (u *Uploader) upload(ctx context.Context, localRef, ownerID string) (string, error) {
	if localRef == "" {
		return "", fmt.Errorf("empty local reference")
	}

	path := strings.TrimPrefix(localRef, filePrefix)
	f, err := u.open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	name := RefName(ownerID, u.now(), localRef)
	if err := u.storage.Put(ctx, name, f); err != nil {
		return "", err
	}

	url, err := u.storage.GetURL(ctx, name)
	if err != nil {
		return "", err
	}
	if url == "" {
		return "", fmt.Errorf("storage returned empty url for %s", name)
	}

	glog.V(5).Infof("uploaded %s as %s", localRef, url)
	return url, nil
}
