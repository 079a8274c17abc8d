package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnonymousAuth(t *testing.T) {
	c := &Anonymous{}

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("X-Uid", "u1")
	uid, err := c.Auth(r)
	require.NoError(t, err)
	assert.Equal(t, "u1", uid)

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.AddCookie(&http.Cookie{Name: "x-uid", Value: "u2"})
	uid, err = c.Auth(r)
	require.NoError(t, err)
	assert.Equal(t, "u2", uid)

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	uid, err = c.Auth(r)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(uid, "anon-"))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("X-Uid", strings.Repeat("x", 65))
	_, err = c.Auth(r)
	assert.Error(t, err)
}
