package services

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/neobase-ai/neobase-web-ui/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB keeps a local mirror of the chat list, so the sidebar can be rendered while the backend is
// unreachable, together with the client state that must survive a restart: the stream id and the last
// selected chat.
type BoltDB struct {
	db *bolt.DB
}

var (
	chatsBucket = []byte("chats")
	stateBucket = []byte("state")

	streamIDKey   = []byte("stream_id")
	lastChatIDKey = []byte("last_chat_id")
)

// NewBoltDB opens or creates the database file at path and initializes its buckets. The file is created with
// 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{chatsBucket, stateBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, err
	}

	return BoltDB{db: db}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

// Chats returns the mirrored chats, most recently created first.
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
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return chats, nil
}

// PutChats replaces the mirror with the given chats.
func (b BoltDB) PutChats(_ context.Context, chats []models.Chat) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(chatsBucket); err != nil {
			return fmt.Errorf("failed to drop chats: %w", err)
		}
		bucket, err := tx.CreateBucket(chatsBucket)
		if err != nil {
			return fmt.Errorf("failed to create chats: %w", err)
		}

		for _, chat := range chats {
			if err := putChat(bucket, chat); err != nil {
				return err
			}
		}
		return nil
	})
}

// PutChat adds or replaces a single chat.
func (b BoltDB) PutChat(_ context.Context, chat models.Chat) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return putChat(tx.Bucket(chatsBucket), chat)
	})
}

// DeleteChat removes a chat from the mirror. If it was the last selected chat, that selection is cleared too.
func (b BoltDB) DeleteChat(_ context.Context, chatID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(chatsBucket).Delete([]byte(chatID)); err != nil {
			return fmt.Errorf("failed to delete chat: %w", err)
		}

		state := tx.Bucket(stateBucket)
		if string(state.Get(lastChatIDKey)) == chatID {
			return state.Delete(lastChatIDKey)
		}
		return nil
	})
}

// StreamID returns the persisted stream id, or an empty string.
func (b BoltDB) StreamID(context.Context) (string, error) {
	return b.state(streamIDKey)
}

// SetStreamID persists the stream id.
func (b BoltDB) SetStreamID(_ context.Context, streamID string) error {
	return b.setState(streamIDKey, streamID)
}

// LastChatID returns the id of the chat selected when the client last ran, or an empty string.
func (b BoltDB) LastChatID(context.Context) (string, error) {
	return b.state(lastChatIDKey)
}

// SetLastChatID persists the selected chat. An empty id clears the selection.
func (b BoltDB) SetLastChatID(_ context.Context, chatID string) error {
	return b.setState(lastChatIDKey, chatID)
}

func putChat(bucket *bolt.Bucket, chat models.Chat) error {
	v, err := json.Marshal(chat)
	if err != nil {
		return fmt.Errorf("failed to marshal chat: %w", err)
	}
	return bucket.Put([]byte(chat.ID), v)
}

func (b BoltDB) state(key []byte) (string, error) {
	var value string
	err := b.db.View(func(tx *bolt.Tx) error {
		value = string(tx.Bucket(stateBucket).Get(key))
		return nil
	})
	return value, err
}

func (b BoltDB) setState(key []byte, value string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(stateBucket)
		if value == "" {
			return bucket.Delete(key)
		}
		return bucket.Put(key, []byte(value))
	})
}
