package poller

import "errors"

var (
	ErrAlreadyRegistered = errors.New("poller: fd already registered")
	ErrNotRegistered     = errors.New("poller: fd not registered")
)
