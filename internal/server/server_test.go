package server

import (
	"encoding/base64"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasPort(t *testing.T) {
	assert.True(t, hasPort("example.com:443"))
	assert.False(t, hasPort("example.com"))
}

func TestCheckAuth_AcceptsMatchingCredentials(t *testing.T) {
	s := &Server{cfg: Config{Username: "alice", Password: "s3cr3t"}}
	req := &http.Request{Header: make(http.Header)}
	creds := base64.StdEncoding.EncodeToString([]byte("alice:s3cr3t"))
	req.Header.Set("Proxy-Authorization", "Basic "+creds)

	assert.True(t, s.checkAuth(req))
}

func TestCheckAuth_RejectsWrongCredentials(t *testing.T) {
	s := &Server{cfg: Config{Username: "alice", Password: "s3cr3t"}}
	req := &http.Request{Header: make(http.Header)}
	creds := base64.StdEncoding.EncodeToString([]byte("alice:wrong"))
	req.Header.Set("Proxy-Authorization", "Basic "+creds)

	assert.False(t, s.checkAuth(req))
}

func TestCheckAuth_RejectsMissingHeader(t *testing.T) {
	s := &Server{cfg: Config{Username: "alice", Password: "s3cr3t"}}
	req := &http.Request{Header: make(http.Header)}

	assert.False(t, s.checkAuth(req))
}

func TestAuthRequired_FalseWhenCredentialsUnset(t *testing.T) {
	s := &Server{}
	assert.False(t, s.authRequired())
}
