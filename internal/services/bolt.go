package services

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/MegaGrindStone/forex-web-ui/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB implements the chat.Store interface using a BoltDB file. Chats live in a single bucket keyed
// by ID, and every chat owns a bucket of messages keyed by insertion sequence.
type BoltDB struct {
	db *bolt.DB
}

var chatsBucket = []byte("chats")

// NewBoltDB opens, or creates with 0600 permissions, the BoltDB file at path.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(chatsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return BoltDB{}, fmt.Errorf("failed to create chats bucket: %w", err)
	}

	return BoltDB{db: db}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func messageBucketName(chatID string) []byte {
	return []byte("chat-" + chatID)
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// Chats returns every stored chat, newest first.
func (b BoltDB) Chats(context.Context) ([]models.Chat, error) {
	var chats []models.Chat
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(chatsBucket).ForEach(func(_, v []byte) error {
			var chat models.Chat
			if err := json.Unmarshal(v, &chat); err != nil {
				return fmt.Errorf("failed to unmarshal chat: %w", err)
			}
			chats = append(chats, chat)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(chats, func(a, b models.Chat) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return chats, nil
}

// AddChat stores chat with an empty message bucket and returns its ID. A zero CreatedAt is set to
// the current time.
func (b BoltDB) AddChat(_ context.Context, chat models.Chat) (string, error) {
	if chat.ID == "" {
		return "", errors.New("chat ID is empty")
	}
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = time.Now()
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(messageBucketName(chat.ID)); err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		v, err := json.Marshal(chat)
		if err != nil {
			return fmt.Errorf("failed to marshal chat: %w", err)
		}

		return tx.Bucket(chatsBucket).Put([]byte(chat.ID), v)
	})
	if err != nil {
		return "", err
	}

	return chat.ID, nil
}

// DeleteChat removes the chat and its messages. Deleting an unknown chat is not an error.
func (b BoltDB) DeleteChat(_ context.Context, chatID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(chatsBucket).Delete([]byte(chatID)); err != nil {
			return fmt.Errorf("failed to delete chat: %w", err)
		}
		err := tx.DeleteBucket(messageBucketName(chatID))
		if err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return fmt.Errorf("failed to delete message bucket: %w", err)
		}
		return nil
	})
}

// Messages returns the messages of chatID in insertion order, or models.ErrChatNotFound.
func (b BoltDB) Messages(_ context.Context, chatID string) ([]models.Message, error) {
	var messages []models.Message
	err := b.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(messageBucketName(chatID))
		if b == nil {
			return fmt.Errorf("%w: %s", models.ErrChatNotFound, chatID)
		}

		return b.ForEach(func(_, v []byte) error {
			var message models.Message
			if err := json.Unmarshal(v, &message); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, message)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// AddMessage appends message to chatID and returns the message ID. An unknown chatID fails with
// models.ErrChatNotFound.
func (b BoltDB) AddMessage(_ context.Context, chatID string, message models.Message) (string, error) {
	err := b.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(messageBucketName(chatID))
		if b == nil {
			return fmt.Errorf("%w: %s", models.ErrChatNotFound, chatID)
		}

		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}

		v, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}

		return b.Put(sequenceKey(seq), v)
	})
	if err != nil {
		return "", err
	}

	return message.ID, nil
}
