package artifacts

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/pdpwatch/internal/config"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestNewKey(t *testing.T) {
	key := NewKey("scan/../1", pngHeader, "product page", "..")
	require.NoError(t, ValidateKey(key))
	parts := strings.Split(key, "/")
	require.Len(t, parts, 5)
	assert.Equal(t, "scans", parts[0])
	assert.Equal(t, "scan_.._1", parts[1])
	assert.Equal(t, "product_page", parts[2])
	assert.Equal(t, "_", parts[3])
	assert.True(t, strings.HasSuffix(parts[4], ".png"))
}

func TestValidateKey(t *testing.T) {
	for _, bad := range []string{"", "/etc/passwd", "scans/../../etc/passwd", `scans\..\x`, "scans//x", "./x"} {
		assert.ErrorIs(t, ValidateKey(bad), ErrInvalidKey, bad)
	}
	assert.NoError(t, ValidateKey("scans/abc/shot.png"))
}

func TestLocalStore(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := NewLocalStore(root)
	require.NoError(t, err)

	key, err := s.Upload(ctx, pngHeader, "scan-1", "full_page")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(root, filepath.FromSlash(key)))

	got, err := s.Download(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, pngHeader, got)

	// Plant a file outside the root and make sure it cannot be reached.
	outside := filepath.Join(filepath.Dir(root), "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o600))
	t.Cleanup(func() { os.Remove(outside) })

	_, err = s.Download(ctx, "../secret.txt")
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = s.Download(ctx, "scans/missing.png")
	assert.Error(t, err)

	_, err = NewLocalStore("")
	assert.Error(t, err)
}

type failingRemote struct {
	puts int
}

func (f *failingRemote) Put(context.Context, string, []byte) error {
	f.puts++
	return errors.New("bucket unavailable")
}

func (f *failingRemote) Download(context.Context, string) ([]byte, error) {
	return nil, errors.New("bucket unavailable")
}

func TestFallbackStore(t *testing.T) {
	ctx := context.Background()
	local, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	core, logs := observer.New(zapcore.WarnLevel)
	remote := &failingRemote{}
	s := NewFallbackStore(remote, local, zap.New(core))

	key, err := s.Upload(ctx, pngHeader, "scan-1")
	require.NoError(t, err)
	assert.Equal(t, 1, remote.puts)
	assert.Equal(t, 1, logs.FilterMessage("Remote artifact upload failed, storing locally.").Len())

	got, err := s.Download(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, pngHeader, got)

	_, err = s.Download(ctx, "../../etc/passwd")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestNewSelectsBackend(t *testing.T) {
	ctx := context.Background()

	store, err := New(ctx, config.StorageConfig{Backend: "local", LocalRoot: t.TempDir()}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &LocalStore{}, store)

	// An unconfigured remote degrades to local storage.
	store, err = New(ctx, config.StorageConfig{Backend: "minio", LocalRoot: t.TempDir()}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &LocalStore{}, store)

	_, err = New(ctx, config.StorageConfig{Backend: "ftp", LocalRoot: t.TempDir()}, zap.NewNop())
	assert.Error(t, err)
}
