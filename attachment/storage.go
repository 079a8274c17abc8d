package attachment

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang/glog"
)

// ObjectsPath is the url prefix of object storage on the server.
const ObjectsPath = "/objects/"

// HTTPStorage talks to the object endpoints of a minichat server:
// PUT <base>/objects/<path> to store and HEAD to check before handing out
// the url.
type HTTPStorage struct {
	base   string
	client *http.Client
}

// NewHTTPStorage creates a storage client for baseURL, e.g.
// "http://127.0.0.1:8000". A nil client uses a client with a 30s timeout.
func NewHTTPStorage(baseURL string, client *http.Client) *HTTPStorage {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPStorage{
		base:   strings.TrimRight(baseURL, "/"),
		client: client,
	}
}

func (s *HTTPStorage) objectURL(path string) string {
	return s.base + ObjectsPath + url.PathEscape(path)
}

func (s *HTTPStorage) Put(ctx context.Context, path string, r io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.objectURL(path), r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("put %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	glog.V(5).Infof("storage: put %s done", path)
	return nil
}

func (s *HTTPStorage) GetURL(ctx context.Context, path string) (string, error) {
	u := s.objectURL(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return "", err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("get url %s: status %d", path, resp.StatusCode)
	}
	return u, nil
}
