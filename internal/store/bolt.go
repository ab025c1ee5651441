package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"cipherline/internal/codec"
	"cipherline/internal/domain"
)

const (
	boltFilename        = "conversations.db"
	conversationsBucket = "conversations"
)

// BoltOption configures a BoltConversationStore.
type BoltOption func(*boltOptions)

type boltOptions struct {
	timeout time.Duration
}

// WithOpenTimeout bounds how long Open waits for the database file lock.
func WithOpenTimeout(d time.Duration) BoltOption {
	return func(o *boltOptions) { o.timeout = d }
}

// BoltConversationStore keeps conversations in a bbolt database, one CBOR
// record per conversation id.
type BoltConversationStore struct {
	db *bolt.DB
}

// OpenBoltConversationStore opens (or creates) the database under dir.
func OpenBoltConversationStore(dir string, opts ...BoltOption) (*BoltConversationStore, error) {
	o := boltOptions{timeout: time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	db, err := bolt.Open(filepath.Join(dir, boltFilename), 0o600, &bolt.Options{Timeout: o.timeout})
	if err != nil {
		return nil, fmt.Errorf("store: open bolt: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(conversationsBucket))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltConversationStore{db: db}, nil
}

// SaveConversation writes conv under its id.
func (s *BoltConversationStore) SaveConversation(conv domain.Conversation) error {
	if conv.ID == "" {
		return errors.New("store: conversation without id")
	}
	raw, err := codec.Marshal(conv)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(conversationsBucket)).Put([]byte(conv.ID), raw)
	})
}

// LoadConversation retrieves the conversation with the given id.
func (s *BoltConversationStore) LoadConversation(id domain.ConversationID) (domain.Conversation, bool, error) {
	var (
		conv  domain.Conversation
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(conversationsBucket)).Get([]byte(id))
		if raw == nil {
			return nil
		}
		found = true
		// raw is only valid inside the transaction; Unmarshal copies.
		return codec.Unmarshal(raw, &conv)
	})
	if err != nil {
		return domain.Conversation{}, false, err
	}
	return conv, found, nil
}

// DeleteConversation forgets the conversation with the given id.
func (s *BoltConversationStore) DeleteConversation(id domain.ConversationID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(conversationsBucket)).Delete([]byte(id))
	})
}

// Close releases the database file.
func (s *BoltConversationStore) Close() error {
	return s.db.Close()
}

var _ domain.ConversationStore = (*BoltConversationStore)(nil)
