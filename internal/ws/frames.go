package ws

import (
	"errors"
	"fmt"

	"github.com/recetas/chat-app/internal/chat"
	"github.com/recetas/chat-app/internal/protocol"
)

// messageView renders m for the viewer self.
func messageView(m chat.Message, self chat.User) protocol.MessageView {
	v := protocol.MessageView{
		ID:          m.ID,
		Content:     m.Content,
		SenderID:    m.SenderID,
		SenderEmail: m.SenderEmail,
		CreatedAt:   m.CreatedAt,
		DisplayName: m.DisplayName(self),
		Own:         m.IsOwn(self),
	}
	if m.Sender != nil {
		v.Sender = &protocol.SenderView{Email: m.Sender.Email, Role: m.Sender.Role}
	}
	return v
}

// updateFrame encodes a session update as the frame sent to the client.
func updateFrame(u chat.Update, self chat.User) ([]byte, error) {
	switch u.Kind {
	case chat.UpdateSnapshot:
		views := make([]protocol.MessageView, 0, len(u.Messages))
		for _, m := range u.Messages {
			views = append(views, messageView(m, self))
		}
		return protocol.NewServerMessage(protocol.TypeSnapshot, protocol.SnapshotMsg{
			Messages: views,
			Loading:  u.Loading,
		})
	case chat.UpdateAppended:
		return protocol.NewServerMessage(protocol.TypeMessage, protocol.ServerMessageMsg{
			Message: messageView(u.Message, self),
		})
	case chat.UpdateRemoved:
		return protocol.NewServerMessage(protocol.TypeMessageRemoved, protocol.MessageRemovedMsg{ID: u.ID})
	case chat.UpdateTyping:
		users := u.Typing
		if users == nil {
			users = []string{}
		}
		return protocol.NewServerMessage(protocol.TypeTyping, protocol.ServerTypingMsg{
			Users: users,
			Line:  chat.TypingLine(users),
		})
	case chat.UpdateStatus:
		return protocol.NewServerMessage(protocol.TypeStatus, protocol.StatusMsg{
			Loading: u.Loading,
			Sending: u.Sending,
		})
	default:
		return nil, fmt.Errorf("ws: unknown update kind %d", u.Kind)
	}
}

// errorCode maps core errors to the codes clients switch on.
func errorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, chat.ErrNotAuthenticated):
		return "not_authenticated"
	case errors.Is(err, chat.ErrEmptyMessage):
		return "empty_message"
	case errors.Is(err, chat.ErrMessageTooLong):
		return "message_too_long"
	case errors.Is(err, chat.ErrInvalidMessage):
		return "invalid_message"
	case errors.Is(err, chat.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, chat.ErrSessionClosed):
		return "session_closed"
	case errors.Is(err, chat.ErrBackend):
		return "backend_error"
	default:
		return "internal_error"
	}
}

// sendResultFrame encodes a send outcome. remaining is omitted when nil.
func sendResultFrame(content string, err error, remaining *int) ([]byte, error) {
	res := protocol.SendResultMsg{OK: err == nil, Remaining: remaining}
	if err != nil {
		res.Code = errorCode(err)
		res.Error = err.Error()
		res.Draft = content
	}
	return protocol.NewServerMessage(protocol.TypeSendResult, res)
}

func deleteResultFrame(id string, err error) ([]byte, error) {
	res := protocol.DeleteResultMsg{ID: id, OK: err == nil}
	if err != nil {
		res.Code = errorCode(err)
		res.Error = err.Error()
	}
	return protocol.NewServerMessage(protocol.TypeDeleteResult, res)
}
