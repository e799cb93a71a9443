package ws

import (
	"github.com/rs/zerolog"

	"github.com/recetas/chat-app/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client message.
// The msg parameter is the concrete struct returned by protocol.ParseClientMessage
// (e.g., protocol.SendMsg, protocol.DeleteMsg).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It answers ping internally and replies with a
// structured error to malformed or unsupported messages.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	reply    func(conn *Connection, data []byte)
	log      zerolog.Logger
}

// NewMessageDispatcher creates a dispatcher that writes its own replies
// directly to the connection.
func NewMessageDispatcher(logger zerolog.Logger) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		reply: func(conn *Connection, data []byte) {
			_ = conn.WriteMessage(data)
		},
		log: logger,
	}
}

// SetReply replaces how the dispatcher's own replies (pong, errors) are sent.
func (d *MessageDispatcher) SetReply(fn func(conn *Connection, data []byte)) {
	d.reply = fn
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed message, handles ping internally, and routes all other types to
// the registered handler.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.log.Debug().Err(err).Str("conn", conn.ID).Msg("dispatch parse error")
		d.SendError(conn, "parse_error", "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.log.Debug().Str("type", msgType).Str("conn", conn.ID).Msg("unsupported message type")
		d.SendError(conn, "unsupported_type", "unsupported message type")
		return
	}

	handler(conn, msg)
}

// SendError sends a structured error message back to the client.
func (d *MessageDispatcher) SendError(conn *Connection, code string, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		d.log.Error().Err(err).Str("conn", conn.ID).Msg("build error frame")
		return
	}
	d.reply(conn, data)
}

func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.Touch()

	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		d.log.Error().Err(err).Str("conn", conn.ID).Msg("build pong frame")
		return
	}
	d.reply(conn, data)
}
