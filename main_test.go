package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAddr(t *testing.T) {
	assert.NoError(t, validateAddr("127.0.0.1:8000"))
	assert.NoError(t, validateAddr("10.1.2.3:80"))
	assert.Error(t, validateAddr("8.8.8.8:80"))
	assert.Error(t, validateAddr("localhost"))
}

func TestSavePid(t *testing.T) {
	name := filepath.Join(t.TempDir(), "minichat.pid")
	require.NoError(t, savePid(name, 12345678))

	content, err := os.ReadFile(name)
	require.NoError(t, err)
	assert.Equal(t, "12345678", string(content))

	// the running test process holds the pid file.
	require.NoError(t, os.WriteFile(name, []byte(strconv.Itoa(os.Getpid())), 0600))
	assert.Error(t, savePid(name, 1))
}

func TestHealthHandler(t *testing.T) {
	w := httptest.NewRecorder()
	healthHandler(nil)(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	healthHandler(func(ctx context.Context) error {
		return errors.New("db down")
	})(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
