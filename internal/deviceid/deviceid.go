// Package deviceid keeps the anonymous per-client identifier that tags every
// backend request in place of a user account.
package deviceid

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
)

// Key is the fixed storage key of the identifier.
const Key = "deviceId"

// ErrUnavailable reports that a storage scope cannot be used at all.
var ErrUnavailable = errors.New("deviceid: persistent storage unavailable")

// Storage is a persistent key-value scope (a browser cookie jar, a state file).
type Storage interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Remove(key string) error
}

// Provider yields the current identifier, or "" when none is available.
type Provider interface {
	DeviceID(ctx context.Context) string
}

// Store generates and persists the identifier in one storage scope.
type Store struct {
	storage Storage
	newID   func() string
	logger  *slog.Logger
}

// Option customises a Store.
type Option func(*Store)

// WithGenerator replaces uuid.NewString, for tests.
func WithGenerator(fn func() string) Option {
	return func(s *Store) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// WithLogger sets the logger used for swallowed storage errors.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore builds a Store over storage. A nil storage behaves as unavailable.
func NewStore(storage Storage, opts ...Option) *Store {
	s := &Store{
		storage: storage,
		newID:   uuid.NewString,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetOrCreateID returns the stored identifier, creating and storing one on
// first use. It never fails: storage problems are logged and yield "".
func (s *Store) GetOrCreateID() string {
	if s == nil || s.storage == nil {
		return ""
	}
	id, ok, err := s.storage.Get(Key)
	if err != nil {
		s.logger.Error("failed to get device id", "err", err)
		return ""
	}
	if ok && id != "" {
		return id
	}
	id = s.newID()
	if err := s.storage.Set(Key, id); err != nil {
		s.logger.Error("failed to set device id", "err", err)
		return ""
	}
	s.logger.Debug("device id initialized", "device_id", id)
	return id
}

// Clear removes the stored identifier so the next read creates a new one.
func (s *Store) Clear() {
	if s == nil || s.storage == nil {
		return
	}
	if err := s.storage.Remove(Key); err != nil {
		s.logger.Error("failed to clear device id", "err", err)
	}
}

// DeviceID implements Provider.
func (s *Store) DeviceID(context.Context) string {
	return s.GetOrCreateID()
}

type contextKey struct{}

// WithID stores an already resolved identifier on ctx.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// IDFromContext returns the identifier stored by WithID.
func IDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// ContextProvider reads the identifier resolved per request by the web
// middleware.
type ContextProvider struct{}

// DeviceID implements Provider.
func (ContextProvider) DeviceID(ctx context.Context) string {
	return IDFromContext(ctx)
}
