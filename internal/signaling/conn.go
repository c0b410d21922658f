package signaling

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// CloseReason is the machine-readable reason attached to every close
// frame. The set is closed; clients switch on it.
type CloseReason string

const (
	ReasonLeft             CloseReason = "left"
	ReasonInvalidTicket    CloseReason = "invalid_ticket"
	ReasonParticipantInUse CloseReason = "participant_in_use"
	ReasonBanned           CloseReason = "banned"
	ReasonKicked           CloseReason = "kicked"
	ReasonDebriefed        CloseReason = "debriefed"
	ReasonRoomClosed       CloseReason = "room_closed"
	ReasonTimeout          CloseReason = "timeout"
	ReasonBadEnvelope      CloseReason = "bad_envelope"
	ReasonModuleInitFailed CloseReason = "module_init_failed"
	ReasonInternalError    CloseReason = "internal_error"
)

// closeCode maps a reason onto the websocket close code classes of the
// protocol: normal, protocol error, internal error.
func closeCode(reason CloseReason) int {
	switch reason {
	case ReasonLeft, ReasonKicked, ReasonDebriefed, ReasonRoomClosed, ReasonBanned:
		return websocket.CloseNormalClosure
	case ReasonInvalidTicket, ReasonParticipantInUse, ReasonBadEnvelope:
		return websocket.CloseProtocolError
	default:
		return websocket.CloseInternalServerErr
	}
}

// clientGone reports whether a read error marks an orderly client
// departure rather than a heartbeat expiry or transport fault.
func clientGone(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived)
}

// Conn abstracts the client channel so the runner can be driven by a
// fake in tests. Reads block; the runner wraps them in a pump goroutine.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	// Ping sends a ping frame; pong receipt resets the read deadline.
	Ping(deadline time.Time) error
	Close(reason CloseReason) error
}

// WsConn adapts a gorilla connection. Pongs extend the read deadline by
// pongTimeout; a silent peer fails the pending read.
type WsConn struct {
	conn        *websocket.Conn
	pongTimeout time.Duration
	writeWait   time.Duration
}

var _ Conn = (*WsConn)(nil)

func NewWsConn(conn *websocket.Conn, readLimit int64, pongTimeout time.Duration) *WsConn {
	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	return &WsConn{conn: conn, pongTimeout: pongTimeout, writeWait: 10 * time.Second}
}

func (c *WsConn) ReadMessage() ([]byte, error) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *WsConn) WriteMessage(data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *WsConn) Ping(deadline time.Time) error {
	return c.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

func (c *WsConn) Close(reason CloseReason) error {
	msg := websocket.FormatCloseMessage(closeCode(reason), string(reason))
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeWait))
	return c.conn.Close()
}
