package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/MegaGrindStone/forex-web-ui/internal/models"
	"github.com/google/uuid"
)

const (
	errLoggerKey = "err"

	saveQueueSize = 64
)

type saveJob struct {
	convKey uint64
	chatID  string
	title   string
	message models.Message
}

// saver writes messages to the store in submission order from a single goroutine. The persisted
// conversation is created lazily, right before its first message is written.
type saver struct {
	store    Store
	assignID func(convKey uint64, oldID, newID string)
	logger   *slog.Logger

	jobs chan saveJob
	done chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

func newSaver(store Store, assignID func(convKey uint64, oldID, newID string), logger *slog.Logger) *saver {
	sv := &saver{
		store:    store,
		assignID: assignID,
		logger:   logger,
		jobs:     make(chan saveJob, saveQueueSize),
		done:     make(chan struct{}),
	}
	go sv.run()
	return sv
}

// save enqueues job without blocking. When the queue is full the message is dropped.
func (sv *saver) save(job saveJob) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if sv.closed {
		return
	}

	select {
	case sv.jobs <- job:
	default:
		sv.logger.Warn("Save queue is full, dropping message", slog.String("messageID", job.message.ID))
	}
}

func (sv *saver) close() {
	sv.closeOnce.Do(func() {
		sv.mu.Lock()
		sv.closed = true
		close(sv.jobs)
		sv.mu.Unlock()
	})
	<-sv.done
}

func (sv *saver) run() {
	defer close(sv.done)

	var (
		lastKey uint64
		lastID  string
	)
	for job := range sv.jobs {
		ctx := context.Background()

		// A conversation keeps the ID it was last written under, even when the chat was re-created.
		chatID := job.chatID
		if lastID != "" && job.convKey == lastKey {
			chatID = lastID
		}
		if chatID == "" {
			id, err := sv.addChat(ctx, job, "")
			if err != nil {
				continue
			}
			chatID = id
		}
		lastKey, lastID = job.convKey, chatID

		_, err := sv.store.AddMessage(ctx, chatID, job.message)
		if errors.Is(err, models.ErrChatNotFound) {
			// The chat was deleted while the conversation was still open.
			sv.logger.Warn("Chat is gone, saving into a new one", slog.String("chatID", chatID))
			id, addErr := sv.addChat(ctx, job, chatID)
			if addErr != nil {
				lastID = ""
				continue
			}
			chatID, lastID = id, id
			_, err = sv.store.AddMessage(ctx, chatID, job.message)
		}
		if err != nil {
			sv.logger.Error("Failed to add message",
				slog.String("chatID", chatID),
				slog.String(errLoggerKey, err.Error()))
		}
	}
}

// addChat creates the persisted chat of job, replacing oldID in the session.
func (sv *saver) addChat(ctx context.Context, job saveJob, oldID string) (string, error) {
	id, err := sv.store.AddChat(ctx, models.Chat{
		ID:    uuid.New().String(),
		Title: job.title,
	})
	if err != nil {
		sv.logger.Error("Failed to add chat", slog.String(errLoggerKey, err.Error()))
		return "", err
	}
	sv.assignID(job.convKey, oldID, id)
	return id, nil
}
