package store

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, cfg Config) *Store {
	t.Helper()

	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "tier.db")
	}
	cfg.NoSync = true

	s, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}

func TestStoreRoundTrip(t *testing.T) {
	s := testStore(t, Config{})
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "voices", "alto", []byte("voice data")))

	got, ok, err := s.Get(ctx, "voices", "alto")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("voice data"), got)
}

func TestStoreMissingKey(t *testing.T) {
	s := testStore(t, Config{})
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "voices", "absent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreMissingBucket(t *testing.T) {
	s := testStore(t, Config{})

	_, ok, err := s.Get(context.Background(), "never-written", "key")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreDelete(t *testing.T) {
	s := testStore(t, Config{})
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "audio", "clip", []byte("pcm")))
	require.NoError(t, s.Delete(ctx, "audio", "clip"))

	_, ok, err := s.Get(ctx, "audio", "clip")
	require.NoError(t, err)
	assert.False(t, ok)

	// deleting again is not an error
	require.NoError(t, s.Delete(ctx, "audio", "clip"))
}

func TestStoreCompressesLargePayloads(t *testing.T) {
	s := testStore(t, Config{})
	ctx := context.Background()

	// highly compressible and well above the threshold
	large := bytes.Repeat([]byte("abcdefgh"), 4096)
	require.NoError(t, s.Put(ctx, "models", "acoustic", large))

	got, ok, err := s.Get(ctx, "models", "acoustic")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, large, got)
}

func TestStoreSmallPayloadStoredIdentity(t *testing.T) {
	s := testStore(t, Config{})
	ctx := context.Background()

	small := []byte("tiny")
	require.NoError(t, s.Put(ctx, "text", "frag", small))

	got, ok, err := s.Get(ctx, "text", "frag")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, small, got)
}

func TestStoreOverwrite(t *testing.T) {
	s := testStore(t, Config{})
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "voices", "alto", []byte("v1")))
	require.NoError(t, s.Put(ctx, "voices", "alto", []byte("v2")))

	got, ok, err := s.Get(ctx, "voices", "alto")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), got)
}

func TestStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tier.db")
	ctx := context.Background()

	s, err := Open(Config{Path: path, NoSync: true})
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "voices", "alto", []byte("persisted")))
	require.NoError(t, s.Close())

	s2, err := Open(Config{Path: path, NoSync: true})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, s2.Close())
	}()

	got, ok, err := s2.Get(ctx, "voices", "alto")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("persisted"), got)
}

func TestReaperRemovesStaleEntries(t *testing.T) {
	s := testStore(t, Config{TTL: time.Hour})
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }

	require.NoError(t, s.Put(ctx, "audio", "stale", []byte("old")))

	// advance past the TTL and write a fresh entry
	s.now = func() time.Time { return base.Add(2 * time.Hour) }
	require.NoError(t, s.Put(ctx, "audio", "fresh", []byte("new")))

	s.reap(ctx)

	_, ok, err := s.Get(ctx, "audio", "stale")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.Get(ctx, "audio", "fresh")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReaperGetRefreshesLastAccess(t *testing.T) {
	s := testStore(t, Config{TTL: time.Hour})
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }

	require.NoError(t, s.Put(ctx, "voices", "alto", []byte("data")))

	// a read 50 minutes in keeps the entry alive past the original TTL
	s.now = func() time.Time { return base.Add(50 * time.Minute) }
	_, ok, err := s.Get(ctx, "voices", "alto")
	require.NoError(t, err)
	require.True(t, ok)

	s.now = func() time.Time { return base.Add(90 * time.Minute) }
	s.reap(ctx)

	_, ok, err = s.Get(ctx, "voices", "alto")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReaperStartStop(t *testing.T) {
	s := testStore(t, Config{TTL: time.Hour, ReapInterval: time.Hour})

	s.StartReaper(context.Background())
	s.StopReaper()
}

func TestReaperDisabledWithoutTTL(t *testing.T) {
	s := testStore(t, Config{})

	s.StartReaper(context.Background())
	s.StopReaper()
}

func TestStoreLen(t *testing.T) {
	s := testStore(t, Config{})
	ctx := context.Background()

	n, err := s.Len("voices")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, s.Put(ctx, "voices", "a", []byte("1")))
	require.NoError(t, s.Put(ctx, "voices", "b", []byte("2")))

	n, err = s.Len("voices")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
