// Package chat owns the state of a conversation: it appends user turns, folds streamed deltas into the
// live assistant reply and dispatches the chart illustrations the model asks for.
package chat

import (
	"context"
	"errors"
	"iter"
	"strings"

	"github.com/MegaGrindStone/forex-web-ui/internal/models"
)

// Streamer is a chat backend. It receives the full history of a turn and yields the assistant reply
// as a sequence of text deltas. An error, if any, is yielded once as the last element.
type Streamer interface {
	Stream(ctx context.Context, req models.StreamRequest) iter.Seq2[string, error]
}

// ImageGenerator renders a chart illustration from a text prompt, returning an image URL (usually a
// data URI).
type ImageGenerator interface {
	GenerateChart(ctx context.Context, prompt string) (string, error)
}

// Store defines the persistence backend for conversations and their messages. Persistence is best
// effort: failures never affect the in-memory conversation.
type Store interface {
	Chats(ctx context.Context) ([]models.Chat, error)
	AddChat(ctx context.Context, chat models.Chat) (string, error)
	DeleteChat(ctx context.Context, chatID string) error

	Messages(ctx context.Context, chatID string) ([]models.Message, error)
	AddMessage(ctx context.Context, chatID string, message models.Message) (string, error)
}

// UpdateType tells what changed in a Session.
type UpdateType int

const (
	// UpdateMessage is sent when a message is appended or the live reply grows.
	UpdateMessage UpdateType = iota
	// UpdateChart is sent when a chart request of a message resolves.
	UpdateChart
	// UpdateTurnEnded is sent when a turn completes successfully.
	UpdateTurnEnded
	// UpdateTurnFailed is sent once when a turn cannot continue. Err holds the reason.
	UpdateTurnFailed
	// UpdateReset is sent when the whole conversation is replaced.
	UpdateReset
	// UpdateChatSaved is sent when the conversation gets its persisted identifier.
	UpdateChatSaved
)

// Update describes a single state change of a Session.
type Update struct {
	Type UpdateType

	// Message is a copy of the affected message for UpdateMessage and UpdateChart.
	Message models.Message
	// Chart is the resolved chart for UpdateChart.
	Chart models.ChartRequest
	// ChatID is set for UpdateChatSaved.
	ChatID string
	// Err is set for UpdateTurnFailed.
	Err error
}

// Listener receives the updates of a Session. Updates are delivered in order while the session state
// is locked, so a Listener must not call back into the Session.
type Listener interface {
	Update(u Update)
}

// ListenerFunc adapts a function to a Listener.
type ListenerFunc func(Update)

// Update calls f(u).
func (f ListenerFunc) Update(u Update) {
	f(u)
}

// DefaultImageCaption is the text sent along an image when the user typed nothing.
const DefaultImageCaption = "Analyze this chart"

var (
	// ErrEmptyTurn is returned when a turn has neither text nor image.
	ErrEmptyTurn = errors.New("message is empty")
	// ErrUnknownStrategy is returned by SelectStrategy for IDs outside models.Strategies.
	ErrUnknownStrategy = errors.New("unknown strategy")
	// ErrSuperseded is returned by SubmitUserTurn when a newer turn or a reset replaced it.
	ErrSuperseded = errors.New("turn superseded")
	// ErrClosed is returned once the Session is closed.
	ErrClosed = errors.New("session closed")
)

// NormalizeTurn returns the text that will be sent for a turn, or ErrEmptyTurn when there is nothing
// to send.
func NormalizeTurn(text, image string) (string, error) {
	content := strings.TrimSpace(text)
	if content == "" && image == "" {
		return "", ErrEmptyTurn
	}
	if content == "" {
		content = DefaultImageCaption
	}
	return content, nil
}

// UserMessage turns a turn error into the text shown to the user.
func UserMessage(err error) string {
	var se *models.StatusError
	switch {
	case errors.Is(err, models.ErrRateLimited):
		return "Rate limit exceeded. Please try again in a moment."
	case errors.Is(err, models.ErrQuotaExhausted):
		return "AI usage limit reached. Please add credits to continue."
	case errors.Is(err, models.ErrTimeout):
		return "The assistant took too long to respond. Please try again."
	case errors.As(err, &se) && se.Message != "":
		return se.Message
	default:
		return "Failed to get response"
	}
}
