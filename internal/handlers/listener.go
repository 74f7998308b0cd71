package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MegaGrindStone/forex-web-ui/internal/chat"
	"github.com/MegaGrindStone/forex-web-ui/internal/models"
	"github.com/tmaxmax/go-sse"
)

// SSE event types for real-time updates.
var (
	chatsSSEType    = sse.Type("chats")
	messagesSSEType = sse.Type("messages")
	statusSSEType   = sse.Type("status")
	alertSSEType    = sse.Type("alert")
)

func messageSSEType(messageID string) sse.EventType {
	return sse.Type(fmt.Sprintf("message-%s", messageID))
}

// publisher renders the updates of a chat session and publishes them to the SSE server of its browser.
// A message is published whole the first time it is seen, afterwards only its content is replaced.
type publisher struct {
	main   Main
	server *sse.Server

	mu    sync.Mutex
	known map[string]bool

	logger *slog.Logger
}

type statusData struct {
	Typing bool
}

type alertData struct {
	Message string
}

func (p *publisher) Update(u chat.Update) {
	switch u.Type {
	case chat.UpdateMessage, chat.UpdateChart:
		p.publishMessage(u.Message)
		if u.Type == chat.UpdateMessage {
			p.publishStatus(u.Message.Role == models.RoleUser)
		}
	case chat.UpdateTurnEnded:
		p.publishStatus(false)
	case chat.UpdateTurnFailed:
		p.publishStatus(false)
		p.publish(alertSSEType, "alert", alertData{Message: chat.UserMessage(u.Err)})
	case chat.UpdateReset:
		p.mu.Lock()
		clear(p.known)
		p.mu.Unlock()
		p.publishStatus(false)
	case chat.UpdateChatSaved:
		// The listener runs under the session lock, the store is queried outside of it.
		go p.publishChats(u.ChatID)
	}
}

func (p *publisher) publishMessage(msg models.Message) {
	mv, err := p.main.messageView(msg)
	if err != nil {
		p.logger.Error("Failed to render message",
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	p.mu.Lock()
	seen := p.known[msg.ID]
	p.known[msg.ID] = true
	p.mu.Unlock()

	if !seen {
		p.publish(messagesSSEType, "message", mv)
		return
	}
	p.publish(messageSSEType(msg.ID), "message_content", mv)
}

func (p *publisher) publishStatus(typing bool) {
	p.publish(statusSSEType, "status", statusData{Typing: typing})
}

func (p *publisher) publishChats(activeID string) {
	divs, err := p.main.chatDivs(context.Background(), activeID)
	if err != nil {
		p.logger.Error("Failed to generate chat divs", slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{Type: chatsSSEType}
	msg.AppendData(divs)
	if err := p.server.Publish(&msg); err != nil {
		p.logger.Error("Failed to publish chats", slog.String(errLoggerKey, err.Error()))
	}
}

func (p *publisher) publish(typ sse.EventType, tmpl string, data any) {
	html, err := p.main.renderTemplate(tmpl, data)
	if err != nil {
		p.logger.Error("Failed to render event",
			slog.String("template", tmpl),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{Type: typ}
	msg.AppendData(html)
	if err := p.server.Publish(&msg); err != nil {
		p.logger.Error("Failed to publish event",
			slog.String("template", tmpl),
			slog.String(errLoggerKey, err.Error()))
	}
}
