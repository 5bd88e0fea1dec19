package artifacts

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// KeyedStore can write under a key chosen by the caller.
type KeyedStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Download(ctx context.Context, key string) ([]byte, error)
}

// FallbackStore writes to a remote backend and falls back to local storage
// when the remote write fails. Reads try remote first, then local.
type FallbackStore struct {
	remote KeyedStore
	local  *LocalStore
	log    *zap.Logger
}

// NewFallbackStore wraps remote with local. A nil remote stores locally only.
func NewFallbackStore(remote KeyedStore, local *LocalStore, logger *zap.Logger) *FallbackStore {
	return &FallbackStore{remote: remote, local: local, log: logger}
}

func (s *FallbackStore) Upload(ctx context.Context, data []byte, scanID string, contextKeys ...string) (string, error) {
	key := NewKey(scanID, data, contextKeys...)
	if s.remote != nil {
		err := s.remote.Put(ctx, key, data)
		if err == nil {
			return key, nil
		}
		s.log.Warn("Remote artifact upload failed, storing locally.", zap.String("key", key), zap.Error(err))
	}
	if err := s.local.Put(ctx, key, data); err != nil {
		return "", fmt.Errorf("local fallback upload failed: %w", err)
	}
	return key, nil
}

func (s *FallbackStore) Download(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.remote != nil {
		data, err := s.remote.Download(ctx, key)
		if err == nil {
			return data, nil
		}
		s.log.Debug("Remote artifact read failed, trying local.", zap.String("key", key), zap.Error(err))
	}
	return s.local.Download(ctx, key)
}
