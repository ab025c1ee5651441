package app

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"cipherline/internal/domain"
	"cipherline/internal/relay"
	"cipherline/internal/services/identity"
	"cipherline/internal/store"
)

// Wire bundles all stores and clients for the app and the CLI.
type Wire struct {
	Identity      domain.IdentityStore
	IDs           *identity.Service
	PreKeys       domain.PreKeyStore
	Consumed      domain.ConsumedPreKeyStore
	Sessions      domain.SessionStore
	Conversations domain.ConversationStore
	Relay         *relay.Client
	HTTP          *http.Client

	closers []io.Closer
}

// NewWire constructs the dependency graph from cfg.
func NewWire(cfg Config) (*Wire, error) {
	if cfg.Home == "" {
		return nil, errors.New("app: home directory required")
	}
	if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
		return nil, err
	}

	// File-based stores
	identityStore := store.NewIdentityFileStore(cfg.Home)
	w := &Wire{
		Identity: identityStore,
		IDs:      identity.New(identityStore),
		PreKeys:  store.NewPreKeyFileStore(cfg.Home),
		Consumed: store.NewConsumedFileStore(cfg.Home),
		Sessions: store.NewSessionFileStore(cfg.Home),
	}

	switch cfg.Backend {
	case "", BackendFile:
		w.Conversations = store.NewConversationFileStore(cfg.Home)
	case BackendBolt:
		db, err := store.OpenBoltConversationStore(cfg.Home)
		if err != nil {
			return nil, err
		}
		w.Conversations = db
		w.closers = append(w.closers, db)
	default:
		return nil, fmt.Errorf("app: unknown store backend %q", cfg.Backend)
	}

	// Ensure an HTTP client is available for outbound calls
	w.HTTP = cfg.HTTP
	if w.HTTP == nil {
		w.HTTP = http.DefaultClient
	}
	w.Relay = relay.New(cfg.RelayURL, w.HTTP)
	return w, nil
}

// Close releases stores that hold files open.
func (w *Wire) Close() error {
	var errs []error
	for _, c := range w.closers {
		errs = append(errs, c.Close())
	}
	w.closers = nil
	return errors.Join(errs...)
}
