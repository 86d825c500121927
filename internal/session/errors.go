package session

import "errors"

// ErrDuplicateSession is returned by Registry.Create when the id is
// already registered; an existing session is never overwritten.
var ErrDuplicateSession = errors.New("session id already registered")
