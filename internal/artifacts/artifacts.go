// Package artifacts stores scan screenshots. Every backend shares one key
// layout so a key written by one backend can be read back through a fallback.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pdpwatch/api/schemas"
	"github.com/xkilldash9x/pdpwatch/internal/config"
)

// ErrInvalidKey is returned for keys that are empty, absolute or escape the store root.
var ErrInvalidKey = errors.New("invalid artifact key")

const keyPrefix = "scans"

var unsafeSegment = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// sanitizeSegment reduces a caller supplied value to a single safe path segment.
func sanitizeSegment(v string) string {
	v = unsafeSegment.ReplaceAllString(strings.TrimSpace(v), "_")
	v = strings.Trim(v, "._")
	if v == "" {
		return "_"
	}
	return v
}

// NewKey builds a key of the form scans/<scan>/<context...>/<stamp>-<id><ext>.
func NewKey(scanID string, data []byte, contextKeys ...string) string {
	parts := make([]string, 0, len(contextKeys)+3)
	parts = append(parts, keyPrefix, sanitizeSegment(scanID))
	for _, k := range contextKeys {
		parts = append(parts, sanitizeSegment(k))
	}
	name := fmt.Sprintf("%s-%s%s", time.Now().UTC().Format("20060102T150405"), uuid.New().String()[:8], extensionFor(data))
	parts = append(parts, name)
	return path.Join(parts...)
}

// ValidateKey rejects keys that could address anything outside the store.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, `\`) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

func contentTypeFor(data []byte) string {
	return http.DetectContentType(data)
}

func extensionFor(data []byte) string {
	switch contentTypeFor(data) {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".bin"
	}
}

// New builds the configured store. Remote backends are wrapped with a local
// fallback; a remote backend that cannot be constructed degrades to local only.
func New(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (schemas.ArtifactStore, error) {
	log := logger.Named("artifacts")
	local, err := NewLocalStore(cfg.LocalRoot)
	if err != nil {
		return nil, err
	}

	var remote KeyedStore
	switch cfg.Backend {
	case "", "local":
		return local, nil
	case "minio":
		var ms *MinioStore
		if ms, err = NewMinioStore(ctx, cfg.Minio); err == nil {
			remote = ms
		}
	case "gcs":
		var gs *GCSStore
		if gs, err = NewGCSStore(ctx, cfg.GCS); err == nil {
			remote = gs
		}
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	if err != nil {
		log.Warn("Remote artifact store unavailable, using local storage.",
			zap.String("backend", cfg.Backend), zap.Error(err))
		return local, nil
	}
	return NewFallbackStore(remote, local, log), nil
}

