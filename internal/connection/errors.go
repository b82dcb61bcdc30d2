package connection

import (
	"errors"
	"fmt"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/packet"
)

var (
	ErrNotConnected     = errors.New("connection: not connected")
	ErrClosed           = errors.New("connection: manager closed")
	ErrHandshakeTimeout = errors.New("connection: timed out waiting for CONNACK")
	ErrConnectionLost   = errors.New("connection: lost before handshake completed")
)

// broker 拒绝连接的返回码，均为终止性错误，不会重连
var (
	ErrUnsupportedProtocolVersion = errors.New("connection refused: unacceptable protocol version")
	ErrIdentifierRejected         = errors.New("connection refused: identifier rejected")
	ErrServerUnavailable          = errors.New("connection refused: server unavailable")
	ErrBadCredentials             = errors.New("connection refused: bad user name or password")
	ErrNotAuthorized              = errors.New("connection refused: not authorized")
	ErrRejected                   = errors.New("connection refused")
)

var rejections = map[packet.ConnectRespType]error{
	packet.UnacceptableProtocol: ErrUnsupportedProtocolVersion,
	packet.IdentifierRejected:   ErrIdentifierRejected,
	packet.ServerUnavailable:    ErrServerUnavailable,
	packet.BadCredentials:       ErrBadCredentials,
	packet.NotAuthorized:        ErrNotAuthorized,
}

// RejectedError 携带 CONNACK 的返回码
type RejectedError struct {
	Code packet.ConnectRespType
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("connection refused by broker: %s", e.Code)
}

func (e *RejectedError) Unwrap() error {
	if sentinel, ok := rejections[e.Code]; ok {
		return sentinel
	}
	return ErrRejected
}

func IsRejected(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}
