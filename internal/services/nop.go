package services

import (
	"context"
	"fmt"

	"github.com/MegaGrindStone/forex-web-ui/internal/models"
)

// NopStore is a chat.Store that keeps nothing. Conversations still get an ID so the session behaves
// the same as with a real store.
type NopStore struct{}

// Chats returns no chats.
func (NopStore) Chats(context.Context) ([]models.Chat, error) { return nil, nil }

// AddChat returns the ID of chat without storing it.
func (NopStore) AddChat(_ context.Context, chat models.Chat) (string, error) { return chat.ID, nil }

// DeleteChat does nothing.
func (NopStore) DeleteChat(context.Context, string) error { return nil }

// Messages fails with models.ErrChatNotFound, no chat is ever kept.
func (NopStore) Messages(_ context.Context, chatID string) ([]models.Message, error) {
	return nil, fmt.Errorf("%w: %s", models.ErrChatNotFound, chatID)
}

// AddMessage returns the ID of message without storing it.
func (NopStore) AddMessage(_ context.Context, _ string, message models.Message) (string, error) {
	return message.ID, nil
}
