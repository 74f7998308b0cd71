package handlers

import (
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/forex-web-ui/internal/models"
)

type homePageData struct {
	CurrentChatID string
	Chats         []chatView
	Messages      []messageView
	Strategies    []strategyView
	Strategy      string
	QuickActions  []models.QuickAction
	Typing        bool
}

// HandleHome renders the chat page of the caller's session. A "chat_id" query parameter loads that
// persisted conversation first.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	bs := m.session(w, r)

	if chatID := r.URL.Query().Get("chat_id"); chatID != "" && chatID != bs.chat.Snapshot().ID {
		err := bs.chat.LoadConversation(r.Context(), chatID)
		if errors.Is(err, models.ErrChatNotFound) {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			m.logger.Error("Failed to load chat",
				slog.String("chatID", chatID),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, "Failed to load chat", http.StatusInternalServerError)
			return
		}
	}

	conv := bs.chat.Snapshot()
	msgs, err := m.messageViews(conv)
	if err != nil {
		m.logger.Error("Failed to render messages", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// The page still works without the history sidebar.
	chats, err := m.chatViews(r.Context(), conv.ID)
	if err != nil {
		m.logger.Error("Failed to get chats", slog.String(errLoggerKey, err.Error()))
	}

	strategy := bs.chat.Strategy()
	data := homePageData{
		CurrentChatID: conv.ID,
		Chats:         chats,
		Messages:      msgs,
		Strategies:    strategyViews(strategy),
		Strategy:      strategy,
		Typing:        bs.chat.Loading() && !conv.ReplyInProgress,
	}

	if !conv.HasHistory() {
		data.QuickActions = models.QuickActions
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		m.logger.Error("Failed to render home page", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

func imageDataURI(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
