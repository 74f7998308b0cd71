package handlers_test

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/forex-web-ui/internal/handlers"
	"github.com/MegaGrindStone/forex-web-ui/internal/models"
)

type mockStreamer struct {
	responses []string
	err       error
}

type mockImages struct {
	url string
	err error
}

type mockStore struct {
	mu       sync.Mutex
	chats    []models.Chat
	messages map[string][]models.Message
	err      error
}

func newMain(t *testing.T, streamer *mockStreamer, store *mockStore) handlers.Main {
	t.Helper()
	main, err := handlers.NewMain(streamer, mockImages{url: "data:image/png;base64,AAAA"}, store, nil)
	if err != nil {
		t.Fatalf("NewMain() error = %v", err)
	}
	t.Cleanup(func() {
		if err := main.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
	})
	return main
}

func sessionCookie(t *testing.T, main handlers.Main) *http.Cookie {
	t.Helper()
	w := httptest.NewRecorder()
	main.HandleHome(w, httptest.NewRequest(http.MethodGet, "/", nil))
	for _, c := range w.Result().Cookies() {
		if c.Name == "session_id" {
			return c
		}
	}
	t.Fatal("HandleHome() did not set the session cookie")
	return nil
}

func TestNewMain(t *testing.T) {
	if _, err := handlers.NewMain(nil, nil, &mockStore{}, nil); err == nil {
		t.Error("NewMain() without streamer should return error")
	}
	if _, err := handlers.NewMain(&mockStreamer{}, nil, nil, nil); err == nil {
		t.Error("NewMain() without store should return error")
	}

	main, err := handlers.NewMain(&mockStreamer{}, nil, &mockStore{}, nil)
	if err != nil {
		t.Fatalf("NewMain() error = %v", err)
	}

	if main.Shutdown(context.Background()) != nil {
		t.Error("Shutdown() should not return error")
	}
}

func TestHandleHome(t *testing.T) {
	store := &mockStore{
		chats: []models.Chat{
			{ID: "1", Title: "Test Chat"},
		},
		messages: map[string][]models.Message{
			"1": {
				{ID: "1", Role: models.RoleUser, Content: "Hello"},
				{ID: "2", Role: models.RoleAssistant, Content: "Look [GENERATE_CHART: EURUSD H4]"},
			},
		},
	}
	main := newMain(t, &mockStreamer{}, store)

	tests := []struct {
		name        string
		url         string
		wantStatus  int
		wantBody    []string
		wantNotBody []string
	}{
		{
			name:       "Home page without chat",
			url:        "/",
			wantStatus: http.StatusOK,
			wantBody:   []string{"Test Chat", "Welcome to", "Smart Money Concepts", "Market overview", "Learn strategies"},
		},
		{
			name:        "Home page with chat",
			url:         "/?chat_id=1",
			wantStatus:  http.StatusOK,
			wantBody:    []string{"Hello", "Chart not available.", "EURUSD H4"},
			wantNotBody: []string{"Market overview"},
		},
		{
			name:       "Unknown chat",
			url:        "/?chat_id=does-not-exist",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "Unknown path",
			url:        "/nope",
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			w := httptest.NewRecorder()

			main.HandleHome(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleHome() status = %v, want %v", w.Code, tt.wantStatus)
			}
			for _, want := range tt.wantBody {
				if !strings.Contains(w.Body.String(), want) {
					t.Errorf("HandleHome() body = %v, want to contain %v", w.Body.String(), want)
				}
			}
			for _, unwanted := range tt.wantNotBody {
				if strings.Contains(w.Body.String(), unwanted) {
					t.Errorf("HandleHome() body should not contain %v", unwanted)
				}
			}
		})
	}
}

func multipartBody(t *testing.T, message, fileName, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("message", message); err != nil {
		t.Fatal(err)
	}
	if fileName != "" {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="image"; filename="`+fileName+`"`)
		h.Set("Content-Type", contentType)
		part, err := mw.CreatePart(h)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := part.Write(data); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func TestHandleChats(t *testing.T) {
	main := newMain(t, &mockStreamer{responses: []string{"AI response"}}, &mockStore{})

	pngHeader := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

	tests := []struct {
		name       string
		method     string
		body       func() (*bytes.Buffer, string)
		wantStatus int
	}{
		{
			name:   "Invalid method",
			method: http.MethodGet,
			body: func() (*bytes.Buffer, string) {
				return &bytes.Buffer{}, "application/x-www-form-urlencoded"
			},
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:   "Empty message",
			method: http.MethodPost,
			body: func() (*bytes.Buffer, string) {
				return bytes.NewBufferString("message=+++"), "application/x-www-form-urlencoded"
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:   "Text message",
			method: http.MethodPost,
			body: func() (*bytes.Buffer, string) {
				return bytes.NewBufferString("message=Hello"), "application/x-www-form-urlencoded"
			},
			wantStatus: http.StatusAccepted,
		},
		{
			name:   "Image without text",
			method: http.MethodPost,
			body: func() (*bytes.Buffer, string) {
				return multipartBody(t, "", "chart.png", "image/png", pngHeader)
			},
			wantStatus: http.StatusAccepted,
		},
		{
			name:   "Not an image",
			method: http.MethodPost,
			body: func() (*bytes.Buffer, string) {
				return multipartBody(t, "hi", "notes.txt", "text/plain", []byte("plain text"))
			},
			wantStatus: http.StatusUnsupportedMediaType,
		},
		{
			name:   "Image too large",
			method: http.MethodPost,
			body: func() (*bytes.Buffer, string) {
				return multipartBody(t, "hi", "big.png", "image/png", make([]byte, 9<<20))
			},
			wantStatus: http.StatusRequestEntityTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, contentType := tt.body()
			req := httptest.NewRequest(tt.method, "/chats", body)
			req.Header.Set("Content-Type", contentType)
			w := httptest.NewRecorder()

			main.HandleChats(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleChats() status = %v, want %v", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestHandleChatsTurn(t *testing.T) {
	store := &mockStore{}
	main := newMain(t, &mockStreamer{responses: []string{"Here is ", "the setup [GENERATE_", "CHART: EURUSD breakout] done"}}, store)
	cookie := sessionCookie(t, main)

	req := httptest.NewRequest(http.MethodPost, "/chats", strings.NewReader("message=Show+me"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(cookie)
	w := httptest.NewRecorder()
	main.HandleChats(w, req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("HandleChats() status = %v, want %v", w.Code, http.StatusAccepted)
	}

	wants := []string{"Show me", "Here is the setup", `src="data:image/png;base64,AAAA"`, "done"}
	deadline := time.Now().Add(2 * time.Second)
	var body string
	for time.Now().Before(deadline) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(cookie)
		w := httptest.NewRecorder()
		main.HandleHome(w, req)
		body = w.Body.String()

		if !slices.ContainsFunc(wants, func(s string) bool { return !strings.Contains(body, s) }) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	for _, want := range wants {
		if !strings.Contains(body, want) {
			t.Errorf("HandleHome() body = %v, want to contain %v", body, want)
		}
	}
	if strings.Contains(body, "GENERATE_CHART") {
		t.Errorf("HandleHome() body should not contain the raw chart marker")
	}
}

func TestHandleStrategy(t *testing.T) {
	main := newMain(t, &mockStreamer{}, &mockStore{})
	cookie := sessionCookie(t, main)

	tests := []struct {
		name       string
		method     string
		strategy   string
		wantStatus int
	}{
		{name: "Invalid method", method: http.MethodGet, wantStatus: http.StatusMethodNotAllowed},
		{name: "Unknown strategy", method: http.MethodPost, strategy: "martingale", wantStatus: http.StatusBadRequest},
		{name: "Known strategy", method: http.MethodPost, strategy: "smart-money", wantStatus: http.StatusSeeOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/strategy", strings.NewReader("strategy="+tt.strategy))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			req.AddCookie(cookie)
			w := httptest.NewRecorder()

			main.HandleStrategy(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleStrategy() status = %v, want %v", w.Code, tt.wantStatus)
			}
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	w := httptest.NewRecorder()
	main.HandleHome(w, req)
	if !strings.Contains(w.Body.String(), "strategy selected") {
		t.Errorf("HandleHome() body should mark the selected strategy")
	}
}

func TestHandleReset(t *testing.T) {
	main := newMain(t, &mockStreamer{}, &mockStore{})

	w := httptest.NewRecorder()
	main.HandleReset(w, httptest.NewRequest(http.MethodGet, "/reset", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("HandleReset() status = %v, want %v", w.Code, http.StatusMethodNotAllowed)
	}

	w = httptest.NewRecorder()
	main.HandleReset(w, httptest.NewRequest(http.MethodPost, "/reset", nil))
	if w.Code != http.StatusSeeOther {
		t.Errorf("HandleReset() status = %v, want %v", w.Code, http.StatusSeeOther)
	}
	if loc := w.Header().Get("Location"); loc != "/" {
		t.Errorf("HandleReset() location = %q, want %q", loc, "/")
	}
}

func TestHandleChatsDelete(t *testing.T) {
	store := &mockStore{
		chats: []models.Chat{{ID: "1", Title: "Test Chat"}, {ID: "2", Title: "Other Chat"}},
	}
	main := newMain(t, &mockStreamer{}, store)

	w := httptest.NewRecorder()
	main.HandleChats(w, httptest.NewRequest(http.MethodDelete, "/chats", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("HandleChats() status = %v, want %v", w.Code, http.StatusBadRequest)
	}

	w = httptest.NewRecorder()
	main.HandleChats(w, httptest.NewRequest(http.MethodDelete, "/chats?chat_id=1", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("HandleChats() status = %v, want %v", w.Code, http.StatusOK)
	}
	if strings.Contains(w.Body.String(), "Test Chat") || !strings.Contains(w.Body.String(), "Other Chat") {
		t.Errorf("HandleChats() body = %v, want only the remaining chat", w.Body.String())
	}
}

func (m *mockStreamer) Stream(context.Context, models.StreamRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if m.err != nil {
			yield("", m.err)
			return
		}
		for _, resp := range m.responses {
			if !yield(resp, nil) {
				return
			}
		}
	}
}

func (m mockImages) GenerateChart(context.Context, string) (string, error) {
	return m.url, m.err
}

func (m *mockStore) Chats(_ context.Context) ([]models.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return slices.Clone(m.chats), nil
}

func (m *mockStore) AddChat(_ context.Context, chat models.Chat) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.chats = append(m.chats, chat)
	return chat.ID, nil
}

func (m *mockStore) DeleteChat(_ context.Context, chatID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chats = slices.DeleteFunc(m.chats, func(c models.Chat) bool { return c.ID == chatID })
	delete(m.messages, chatID)
	return m.err
}

func (m *mockStore) Messages(_ context.Context, chatID string) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if !m.hasChat(chatID) {
		return nil, fmt.Errorf("%w: %s", models.ErrChatNotFound, chatID)
	}
	return slices.Clone(m.messages[chatID]), nil
}

func (m *mockStore) hasChat(chatID string) bool {
	return slices.ContainsFunc(m.chats, func(c models.Chat) bool { return c.ID == chatID })
}

func (m *mockStore) AddMessage(_ context.Context, chatID string, msg models.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	if !m.hasChat(chatID) {
		return "", fmt.Errorf("%w: %s", models.ErrChatNotFound, chatID)
	}
	if m.messages == nil {
		m.messages = make(map[string][]models.Message)
	}
	m.messages[chatID] = append(m.messages[chatID], msg)
	return msg.ID, nil
}
