package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/forex-web-ui/internal/chat"
)

var errNotImage = errors.New("uploaded file is not an image")

// HandleChats submits a user turn on POST and deletes a persisted conversation on DELETE.
//
// A POST expects a "message" form field and an optional "image" file, sent as multipart form data. The
// turn runs in the background and the browser receives the user message and the streamed reply
// through server-sent events, so a successful request only answers 202 Accepted.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		m.submitTurn(w, r)
	case http.MethodDelete:
		m.deleteChat(w, r)
	default:
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (m Main) submitTurn(w http.ResponseWriter, r *http.Request) {
	// The body holds the image plus the text fields.
	const maxBodySize = maxImageSize + (1 << 20)
	if r.ContentLength > maxBodySize {
		http.Error(w, "Image is too large", http.StatusRequestEntityTooLarge)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	image, err := formImage(r)
	if err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			http.Error(w, "Image is too large", http.StatusRequestEntityTooLarge)
		case errors.Is(err, errNotImage):
			http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
		default:
			m.logger.Error("Failed to read form", slog.String(errLoggerKey, err.Error()))
			http.Error(w, "Invalid form", http.StatusBadRequest)
		}
		return
	}

	text := r.FormValue("message")
	if _, err := chat.NormalizeTurn(text, image); err != nil {
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	bs := m.session(w, r)
	go func() {
		err := bs.chat.SubmitUserTurn(m.ctx, text, image)
		if err != nil && !errors.Is(err, chat.ErrSuperseded) && !errors.Is(err, chat.ErrClosed) {
			m.logger.Debug("Turn ended with error",
				slog.String("session", bs.id),
				slog.String(errLoggerKey, err.Error()))
		}
	}()

	w.WriteHeader(http.StatusAccepted)
}

// formImage returns the uploaded image as a data URI, or an empty string when no image was sent.
func formImage(r *http.Request) (string, error) {
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		return "", r.ParseForm()
	}
	if err := r.ParseMultipartForm(maxImageSize); err != nil {
		return "", err
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return "", nil
		}
		return "", err
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxImageSize+1))
	if err != nil {
		return "", fmt.Errorf("failed to read image: %w", err)
	}
	if len(data) > maxImageSize {
		return "", &http.MaxBytesError{Limit: maxImageSize}
	}
	if len(data) == 0 {
		return "", nil
	}

	mimeType := header.Header.Get("Content-Type")
	if !strings.HasPrefix(mimeType, "image/") {
		mimeType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return "", errNotImage
	}

	return imageDataURI(mimeType, data), nil
}

func (m Main) deleteChat(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		http.Error(w, "chat_id is required", http.StatusBadRequest)
		return
	}

	if err := m.store.DeleteChat(r.Context(), chatID); err != nil {
		m.logger.Error("Failed to delete chat",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Failed to delete chat", http.StatusInternalServerError)
		return
	}

	bs := m.session(w, r)
	if bs.chat.Snapshot().ID == chatID {
		bs.chat.ResetConversation()
	}

	divs, err := m.chatDivs(r.Context(), bs.chat.Snapshot().ID)
	if err != nil {
		m.logger.Error("Failed to generate chat divs", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Failed to list chats", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, divs)
}

// HandleReset starts a new conversation and sends the browser back to the home page.
func (m Main) HandleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	m.session(w, r).chat.ResetConversation()
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// HandleStrategy selects, or with an empty "strategy" field clears, the strategy of the session.
func (m Main) HandleStrategy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	bs := m.session(w, r)
	if err := bs.chat.SelectStrategy(r.FormValue("strategy")); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// HandleSSE streams the updates of the caller's session.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	bs := m.session(w, r)
	bs.connections.Add(1)
	defer func() {
		bs.connections.Add(-1)
		bs.touch()
	}()

	bs.sse.ServeHTTP(w, r)
}

func (m Main) chatViews(ctx context.Context, activeID string) ([]chatView, error) {
	chats, err := m.store.Chats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chats: %w", err)
	}

	views := make([]chatView, len(chats))
	for i, ch := range chats {
		views[i] = chatView{
			ID:     ch.ID,
			Title:  ch.Title,
			Active: ch.ID == activeID,
		}
	}
	return views, nil
}

func (m Main) chatDivs(ctx context.Context, activeID string) (string, error) {
	views, err := m.chatViews(ctx, activeID)
	if err != nil {
		return "", err
	}
	return m.renderTemplate("chat_list", views)
}
