package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/pborman/uuid"
)

const maxUidLen = 64

type Client interface {
	// Auth authenticate current user, return uid.
	Auth(r *http.Request) (string, error)
}

// Anonymous trusts the identity the client claims, from the X-Uid header
// or the x-uid cookie. A request without one gets a fresh anonymous id.
type Anonymous struct{}

func (c *Anonymous) Auth(r *http.Request) (string, error) {
	uid := r.Header.Get("X-Uid")
	if uid == "" {
		if c, err := r.Cookie("x-uid"); err == nil {
			uid = c.Value
		}
	}

	if uid == "" {
		return "anon-" + uuid.New(), nil
	}
	if len(uid) > maxUidLen {
		return "", fmt.Errorf("x-uid exceeds %d bytes", maxUidLen)
	}
	if strings.ContainsAny(uid, " \t\r\n") {
		return "", fmt.Errorf("x-uid contains white space")
	}
	return uid, nil
}
