package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/anassagd432/aether-agent/internal/store"
)

func TestFileStore_RoundTrip(t *testing.T) {
	s, err := store.NewFileStore(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "memory.long_term", []byte(`{"discoveries":[]}`)))

	blob, ok, err := s.Load(ctx, "memory.long_term")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"discoveries":[]}`, string(blob))
}

func TestFileStore_LoadMissingKey(t *testing.T) {
	s, err := store.NewFileStore(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)

	blob, ok, err := s.Load(context.Background(), "never-saved")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, blob)
}

func TestFileStore_OverwriteReplacesBlob(t *testing.T) {
	s, err := store.NewFileStore(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "k", []byte("one")))
	require.NoError(t, s.Save(ctx, "k", []byte("two")))

	blob, ok, err := s.Load(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "two", string(blob))
}

func TestFileStore_SanitizesKeys(t *testing.T) {
	s, err := store.NewFileStore(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx := context.Background()

	// Keys with path separators must not escape the state directory.
	require.NoError(t, s.Save(ctx, "../escape/attempt", []byte("data")))

	blob, ok, err := s.Load(ctx, "../escape/attempt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "data", string(blob))
}

func TestNewFileStore_EmptyDir(t *testing.T) {
	_, err := store.NewFileStore("", zaptest.NewLogger(t))
	assert.Error(t, err)
}
