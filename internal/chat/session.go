package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MegaGrindStone/forex-web-ui/internal/chart"
	"github.com/MegaGrindStone/forex-web-ui/internal/models"
	"github.com/google/uuid"
)

// Session is the conversation of a single UI session. All state transitions are serialized by the
// session lock: user actions, folded deltas and resolved charts.
type Session struct {
	streamer Streamer
	images   ImageGenerator
	listener Listener
	logger   *slog.Logger

	saver *saver

	mu       sync.Mutex
	conv     models.Conversation
	convKey  uint64
	strategy string
	loading  bool
	closed   bool

	// turn is the identifier of the active turn; deltas of any other turn are dropped.
	turn       uint64
	reply      string
	cancelTurn context.CancelFunc

	chartsCtx    context.Context
	cancelCharts context.CancelFunc
	charts       sync.WaitGroup
}

// NewSession creates a Session holding only the welcome message. A nil images disables chart
// generation, every chart request then fails. A nil listener discards updates.
func NewSession(streamer Streamer, images ImageGenerator, store Store, listener Listener, logger *slog.Logger) *Session {
	if listener == nil {
		listener = ListenerFunc(func(Update) {})
	}
	chartsCtx, cancelCharts := context.WithCancel(context.Background())

	s := &Session{
		streamer:     streamer,
		images:       images,
		listener:     listener,
		logger:       logger.With(slog.String("module", "chat")),
		conv:         models.NewConversation(),
		chartsCtx:    chartsCtx,
		cancelCharts: cancelCharts,
	}
	s.saver = newSaver(store, s.assignChatID, s.logger)
	return s
}

// SubmitUserTurn appends a user message and streams the assistant reply into the conversation. It
// blocks until the turn ends and returns the error that ended it, which has already been sent to the
// listener as UpdateTurnFailed.
//
// A turn with empty text and no image is rejected with ErrEmptyTurn before anything changes. Starting
// a turn cancels the one in flight.
func (s *Session) SubmitUserTurn(ctx context.Context, text, image string) error {
	content, err := NormalizeTurn(text, image)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	turn := s.beginTurn()

	um := models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleUser,
		Content:   content,
		Image:     image,
		Timestamp: time.Now(),
	}
	s.conv.Messages = append(s.conv.Messages, um)
	req := models.StreamRequest{
		Messages: s.conv.Clone().Messages,
		Strategy: s.strategy,
	}

	turnCtx, cancel := context.WithCancel(ctx)
	s.cancelTurn = cancel
	s.loading = true

	s.listener.Update(Update{Type: UpdateMessage, Message: um.Clone()})
	s.saver.save(s.saveJob(um))
	s.mu.Unlock()

	defer cancel()

	var streamErr error
	for delta, err := range s.streamer.Stream(turnCtx, req) {
		if err != nil {
			streamErr = err
			break
		}
		if !s.fold(turn, delta) {
			break
		}
	}

	return s.endTurn(turn, streamErr)
}

// beginTurn cancels the turn in flight and starts a new one. It must be called with the lock held.
func (s *Session) beginTurn() uint64 {
	if s.cancelTurn != nil {
		s.cancelTurn()
		s.cancelTurn = nil
	}
	s.turn++
	s.reply = ""
	s.conv.ReplyInProgress = false
	return s.turn
}

// fold appends delta to the reply of turn and reports whether turn is still the active one.
func (s *Session) fold(turn uint64, delta string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if turn != s.turn {
		return false
	}

	s.reply += delta
	if s.reply == "" {
		return true
	}

	if !s.conv.ReplyInProgress {
		s.conv.Messages = append(s.conv.Messages, models.Message{
			ID:        uuid.New().String(),
			Role:      models.RoleAssistant,
			Timestamp: time.Now(),
		})
		s.conv.ReplyInProgress = true
	}
	last := &s.conv.Messages[len(s.conv.Messages)-1]
	last.Content = s.reply

	for _, prompt := range chart.Scan(s.reply, last.HasChart) {
		last.Charts = append(last.Charts, models.ChartRequest{
			Prompt: prompt,
			Status: models.ChartStatusPending,
		})
		s.dispatchChart(last.ID, prompt)
	}

	s.listener.Update(Update{Type: UpdateMessage, Message: last.Clone()})
	return true
}

func (s *Session) endTurn(turn uint64, streamErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if turn != s.turn {
		return ErrSuperseded
	}

	s.loading = false
	s.cancelTurn = nil
	inProgress := s.conv.ReplyInProgress
	s.conv.ReplyInProgress = false

	if streamErr != nil {
		s.logger.Error("Turn failed", slog.String(errLoggerKey, streamErr.Error()))
		s.listener.Update(Update{Type: UpdateTurnFailed, Err: streamErr})
		return fmt.Errorf("error streaming reply: %w", streamErr)
	}

	if inProgress {
		am := s.conv.Messages[len(s.conv.Messages)-1]
		s.saver.save(s.saveJob(am))
	}
	s.listener.Update(Update{Type: UpdateTurnEnded})
	return nil
}

// dispatchChart requests the chart for prompt without blocking. It must be called with the lock held.
func (s *Session) dispatchChart(messageID, prompt string) {
	if s.images == nil {
		s.resolveChartLocked(messageID, prompt, "", errors.New("chart generation is disabled"))
		return
	}

	ctx := s.chartsCtx
	s.charts.Add(1)
	go func() {
		defer s.charts.Done()

		imageURL, err := s.images.GenerateChart(ctx, prompt)
		if err == nil && imageURL == "" {
			err = models.ErrNoImage
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		s.resolveChartLocked(messageID, prompt, imageURL, err)
	}()
}

// resolveChartLocked settles a pending chart. Results for messages that are gone are dropped.
func (s *Session) resolveChartLocked(messageID, prompt, imageURL string, err error) {
	msgIdx := slices.IndexFunc(s.conv.Messages, func(m models.Message) bool { return m.ID == messageID })
	if msgIdx == -1 {
		return
	}
	msg := &s.conv.Messages[msgIdx]
	chartIdx := slices.IndexFunc(msg.Charts, func(c models.ChartRequest) bool { return c.Prompt == prompt })
	if chartIdx == -1 || msg.Charts[chartIdx].Status != models.ChartStatusPending {
		return
	}

	c := &msg.Charts[chartIdx]
	if err != nil {
		s.logger.Warn("Chart generation failed",
			slog.String("prompt", prompt),
			slog.String(errLoggerKey, err.Error()))
		c.Status = models.ChartStatusFailed
		c.Err = err.Error()
	} else {
		c.Status = models.ChartStatusReady
		c.ImageURL = imageURL
	}

	s.listener.Update(Update{Type: UpdateChart, Message: msg.Clone(), Chart: *c})
}

// ResetConversation replaces the conversation with the welcome message and clears the selected
// strategy. The turn in flight and pending charts are abandoned; persisted history is untouched.
func (s *Session) ResetConversation() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.replaceLocked(models.NewConversation())
	s.strategy = ""
	s.listener.Update(Update{Type: UpdateReset})
}

// LoadConversation replaces the in-memory conversation with the persisted conversation chatID.
func (s *Session) LoadConversation(ctx context.Context, chatID string) error {
	msgs, err := s.saver.store.Messages(ctx, chatID)
	if err != nil {
		return fmt.Errorf("failed to get messages: %w", err)
	}

	conv := models.NewConversation()
	conv.ID = chatID
	conv.Messages = append(conv.Messages, msgs...)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.replaceLocked(conv)
	s.strategy = ""
	s.listener.Update(Update{Type: UpdateReset})
	return nil
}

func (s *Session) replaceLocked(conv models.Conversation) {
	s.beginTurn()
	s.loading = false

	s.cancelCharts()
	s.chartsCtx, s.cancelCharts = context.WithCancel(context.Background())

	s.convKey++
	s.conv = conv
}

// SelectStrategy sets the strategy sent with every following turn. An empty id clears it.
func (s *Session) SelectStrategy(id string) error {
	if id != "" {
		if _, ok := models.LookupStrategy(id); !ok {
			return fmt.Errorf("%w: %s", ErrUnknownStrategy, id)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.strategy = id
	return nil
}

// Strategy returns the selected strategy ID.
func (s *Session) Strategy() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.strategy
}

// Loading reports whether a turn is in flight.
func (s *Session) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// Snapshot returns a copy of the conversation.
func (s *Session) Snapshot() models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.Clone()
}

// Close abandons in-flight work, waits for pending charts and flushes the persistence queue.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.beginTurn()
	s.cancelCharts()
	s.mu.Unlock()

	s.charts.Wait()
	s.saver.close()
}

// saveJob captures what the saver needs to persist msg. It must be called with the lock held.
func (s *Session) saveJob(msg models.Message) saveJob {
	return saveJob{
		convKey: s.convKey,
		chatID:  s.conv.ID,
		title:   chatTitle(s.conv),
		message: msg.Clone(),
	}
}

// assignChatID moves the conversation from oldID, empty when it was never saved, to newID.
func (s *Session) assignChatID(convKey uint64, oldID, newID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if convKey != s.convKey || s.conv.ID != oldID {
		return
	}
	s.conv.ID = newID
	s.conv.Title = chatTitle(s.conv)
	s.listener.Update(Update{Type: UpdateChatSaved, ChatID: newID})
}

const maxTitleLength = 50

// chatTitle is the first user message, cut to maxTitleLength runes.
func chatTitle(conv models.Conversation) string {
	if conv.Title != "" {
		return conv.Title
	}
	idx := slices.IndexFunc(conv.Messages, func(m models.Message) bool { return m.Role == models.RoleUser })
	if idx == -1 {
		return ""
	}
	title := []rune(conv.Messages[idx].Content)
	if len(title) > maxTitleLength {
		return string(title[:maxTitleLength]) + "…"
	}
	return string(title)
}
