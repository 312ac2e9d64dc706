package sharedws

import (
	"github.com/pkg/errors"
)

var (
	ErrConnectionClosed = errors.New("connection has been closed")
	ErrCannotConnect    = errors.New("connection cannot be established")
	ErrRateLimit        = errors.New("rate limit exceeded")
	ErrNotConnected     = errors.New("websocket is not connected")
	ErrInvalidURL       = errors.New("invalid websocket url")
	ErrUnsupported      = errors.New("shared broker channel is not supported")
	ErrPortClosed       = errors.New("port has been closed")
	ErrPortOverflow     = errors.New("port buffer is full")
	ErrUnknownEnvelope  = errors.New("unknown envelope type")
)

const (
	errMsgTransport    = "WebSocket connection error"
	errMsgNotConnected = "WebSocket is not connected"
)
