// Package objects stores uploaded attachments on local disk and serves
// them under /objects/.
package objects

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/peterbourgon/diskv/v3"

	"github.com/mqy/minichat/metrics"
)

const (
	PathPrefix = "/objects/"

	DefaultMaxObjectBytes = 10 << 20

	maxNameLen = 255
)

var ErrBadName = errors.New("objects: bad object name")

// Store keeps objects in a diskv tree, fanned out by the md5 of the name.
type Store struct {
	d         *diskv.Diskv
	publicURL string
	maxBytes  int64
}

// New stores objects under dir. publicURL is the externally visible base
// url of the server, used in the Location header of PUT replies.
func New(dir, publicURL string, maxBytes int64) *Store {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxObjectBytes
	}
	return &Store{
		d: diskv.New(diskv.Options{
			BasePath:     dir,
			TempDir:      filepath.Join(dir, ".tmp"),
			Transform:    fanOut,
			CacheSizeMax: 8 << 20,
		}),
		publicURL: strings.TrimRight(publicURL, "/"),
		maxBytes:  maxBytes,
	}
}

// URL returns the public url of the named object.
func (s *Store) URL(name string) string {
	return s.publicURL + PathPrefix + url.PathEscape(name)
}

func fanOut(name string) []string {
	sum := md5.Sum([]byte(name))
	h := hex.EncodeToString(sum[:])
	return []string{h[0:2], h[2:4]}
}

func checkName(name string) error {
	if name == "" || len(name) > maxNameLen || name[0] == '.' ||
		strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("%w: %q", ErrBadName, name)
	}
	return nil
}

func (s *Store) Put(name string, r io.Reader) error {
	if err := checkName(name); err != nil {
		return err
	}
	start := time.Now()
	err := s.d.WriteStream(name, r, true)
	metrics.StoreLatency.WithLabelValues("object_put").Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("objects: write %s: %w", name, err)
	}
	metrics.ObjectsStored.Inc()
	return nil
}

func (s *Store) Has(name string) bool {
	return checkName(name) == nil && s.d.Has(name)
}

// Open returns os.ErrNotExist for a missing object.
func (s *Store) Open(name string) (io.ReadCloser, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	return s.d.ReadStream(name, false)
}

// ServeHTTP handles PUT, GET and HEAD of /objects/<name>.
func (s *Store) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, PathPrefix)
	if err := checkName(name); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodPut:
		body := &readErrRecorder{r: http.MaxBytesReader(w, r.Body, s.maxBytes)}
		if err := s.Put(name, body); err != nil {
			glog.Errorf("objects: put %s error: %v", name, err)
			var tooLarge *http.MaxBytesError
			if errors.As(body.err, &tooLarge) {
				http.Error(w, "object too large", http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, "write error", http.StatusInternalServerError)
			return
		}
		glog.V(5).Infof("objects: stored %s", name)
		w.Header().Set("Location", s.URL(name))
		w.WriteHeader(http.StatusCreated)
	case http.MethodHead:
		if !s.Has(name) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		rc, err := s.Open(name)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				http.NotFound(w, r)
				return
			}
			glog.Errorf("objects: open %s error: %v", name, err)
			http.Error(w, "read error", http.StatusInternalServerError)
			return
		}
		defer rc.Close()
		if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		if _, err := io.Copy(w, rc); err != nil {
			glog.Errorf("objects: send %s error: %v", name, err)
		}
	default:
		w.Header().Set("Allow", "GET, HEAD, PUT")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// readErrRecorder keeps the read error, diskv does not wrap it.
type readErrRecorder struct {
	r   io.Reader
	err error
}

func (e *readErrRecorder) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err != nil && err != io.EOF {
		e.err = err
	}
	return n, err
}
