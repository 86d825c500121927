// Package credentials holds per-session workspace authentication material.
// Credentials live only in memory for the lifetime of a session and are
// injected into the backend process environment; they are never persisted
// and never logged.
package credentials

import (
	"errors"
	"strings"
)

var (
	ErrMissingEndpoint = errors.New("workspace endpoint is required")
	ErrMissingToken    = errors.New("workspace token is required")
)

type Credentials struct {
	Endpoint string
	Token    string
}

// Normalize forces an https scheme and a trailing slash on the endpoint.
func (c *Credentials) Normalize() {
	h := strings.TrimSpace(c.Endpoint)
	if h == "" {
		c.Endpoint = ""
		return
	}
	if !strings.HasPrefix(h, "http://") && !strings.HasPrefix(h, "https://") {
		h = "https://" + h
	}
	if !strings.HasSuffix(h, "/") {
		h += "/"
	}
	c.Endpoint = h
}

// Validate checks credential shape only; it does not contact the workspace.
func (c Credentials) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return ErrMissingEndpoint
	}
	if strings.TrimSpace(c.Token) == "" {
		return ErrMissingToken
	}
	return nil
}

// Redacted returns a loggable form with the token masked.
func (c Credentials) Redacted() string {
	return c.Endpoint + " token=****"
}
