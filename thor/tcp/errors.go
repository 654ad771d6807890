package tcp

import "errors"

var (
	ErrClosed       = errors.New("tcp: connection closed")
	ErrBufferLimit  = errors.New("tcp: read buffer limit exceeded")
	ErrConnectTimeout = errors.New("tcp: connect timeout")
)
