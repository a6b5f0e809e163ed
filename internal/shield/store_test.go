package shield

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readBody(t *testing.T, b BodySource) string {
	t.Helper()
	rc, err := b.Open()
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestCacheKey(t *testing.T) {
	a := CacheKey("https://example.com/a?b=c")
	assert.Len(t, a, 64)
	assert.Equal(t, a, CacheKey("https://example.com/a?b=c"))
	assert.NotEqual(t, a, CacheKey("http://example.com/a?b=c"))
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", CacheKey(""))
}

func TestEnvelopeHeaderRoundTrip(t *testing.T) {
	hdr, err := encodeEnvelopeHeader("text/plain", 200)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 10, 't', 'e', 'x', 't', '/', 'p', 'l', 'a', 'i', 'n', 0, 200}, hdr)

	ct, status, off, err := decodeEnvelopeHeader(io.MultiReader(bytes.NewReader(hdr), strings.NewReader("hello")))
	require.NoError(t, err)
	assert.Equal(t, "text/plain", ct)
	assert.Equal(t, 200, status)
	assert.Equal(t, int64(14), off)
}

func TestEnvelopeHeaderErrors(t *testing.T) {
	_, err := encodeEnvelopeHeader(strings.Repeat("x", 70000), 200)
	assert.Error(t, err)
	_, err = encodeEnvelopeHeader("text/plain", 70000)
	assert.Error(t, err)
	_, err = encodeEnvelopeHeader("\xff", 200)
	assert.Error(t, err)

	_, _, _, err = decodeEnvelopeHeader(bytes.NewReader([]byte{0, 10, 't'}))
	assert.ErrorIs(t, err, errBadEnvelope)
	_, _, _, err = decodeEnvelopeHeader(bytes.NewReader(nil))
	assert.ErrorIs(t, err, errBadEnvelope)
}

func TestFileStoreRoundTrip(t *testing.T) {
	s, err := newFileStore(t.TempDir(), 24*time.Hour, nil)
	require.NoError(t, err)
	key := CacheKey("https://example.com/hello")

	put, err := s.Put(key, "text/plain", 200, strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), put.Body.Size())
	assert.Equal(t, "hello", readBody(t, put.Body))

	_, err = os.Stat(filepath.Join(s.root, key[:2], key))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(s.root, key[:2], key+".tmp"))
	assert.True(t, os.IsNotExist(err))

	env, ok, err := s.Lookup(key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "text/plain", env.ContentType)
	assert.Equal(t, 200, env.Status)
	assert.Equal(t, int64(5), env.Body.Size())
	assert.Equal(t, "hello", readBody(t, env.Body))
	assert.True(t, env.Body.Available())
}

func TestFileStoreReplacesExisting(t *testing.T) {
	s, err := newFileStore(t.TempDir(), 24*time.Hour, nil)
	require.NoError(t, err)
	key := CacheKey("https://example.com/")

	_, err = s.Put(key, "text/plain", 200, strings.NewReader("first"))
	require.NoError(t, err)
	_, err = s.Put(key, "text/html; charset=utf-8", 203, strings.NewReader("<p>second</p>"))
	require.NoError(t, err)

	env, ok, err := s.Lookup(key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 203, env.Status)
	assert.Equal(t, "<p>second</p>", readBody(t, env.Body))
}

func TestFileStoreMissingAndMalformed(t *testing.T) {
	s, err := newFileStore(t.TempDir(), 24*time.Hour, nil)
	require.NoError(t, err)
	key := CacheKey("https://example.com/broken")

	_, ok, err := s.Lookup(key)
	require.NoError(t, err)
	assert.False(t, ok)

	p := s.path(key)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte{0, 50, 'x'}, 0o644))
	_, ok, err = s.Lookup(key)
	assert.False(t, ok)
	assert.ErrorIs(t, err, errBadEnvelope)
}

func TestFileStoreExpiryAndPrune(t *testing.T) {
	root := t.TempDir()
	s, err := newFileStore(root, 24*time.Hour, nil)
	require.NoError(t, err)

	oldKey := CacheKey("https://example.com/old")
	freshKey := CacheKey("https://example.com/fresh")
	for _, k := range []string{oldKey, freshKey} {
		_, err := s.Put(k, "text/plain", 200, strings.NewReader("hello"))
		require.NoError(t, err)
	}
	now := time.Now()
	require.NoError(t, os.Chtimes(s.path(oldKey), now, now.Add(-25*time.Hour)))
	require.NoError(t, os.Chtimes(s.path(freshKey), now, now.Add(-1*time.Hour)))

	_, ok, err := s.Lookup(oldKey)
	require.NoError(t, err)
	assert.False(t, ok, "expired envelope must read as absent")
	_, ok, err = s.Lookup(freshKey)
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := s.Prune()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = os.Stat(s.path(oldKey))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(s.path(freshKey))
	assert.NoError(t, err)

	if oldKey[:2] != freshKey[:2] {
		_, err = os.Stat(filepath.Join(root, oldKey[:2]))
		assert.True(t, os.IsNotExist(err), "emptied shard directory should be removed")
	}
	_, err = os.Stat(root)
	assert.NoError(t, err, "root survives pruning")

	n, err = s.Prune()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFileStorePruneSkipsUndeletable(t *testing.T) {
	s, err := newFileStore(t.TempDir(), 24*time.Hour, newRateLimitedLogger(time.Minute))
	require.NoError(t, err)

	keys := []string{
		CacheKey("https://example.com/a"),
		CacheKey("https://example.com/b"),
		CacheKey("https://example.com/c"),
	}
	old := time.Now().Add(-25 * time.Hour)
	for _, k := range keys {
		_, err := s.Put(k, "text/plain", 200, strings.NewReader("x"))
		require.NoError(t, err)
		require.NoError(t, os.Chtimes(s.path(k), old, old))
	}

	stuck := s.path(keys[1])
	var attempted []string
	s.remove = func(p string) error {
		attempted = append(attempted, p)
		if p == stuck {
			return errors.New("permission denied")
		}
		return os.Remove(p)
	}

	n, err := s.Prune()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, attempted, 3)

	for i, k := range keys {
		_, err := os.Stat(s.path(k))
		if i == 1 {
			assert.NoError(t, err)
		} else {
			assert.True(t, os.IsNotExist(err), k)
		}
	}
}

func TestFileBodyUnavailableAfterReplace(t *testing.T) {
	s, err := newFileStore(t.TempDir(), 24*time.Hour, nil)
	require.NoError(t, err)
	key := CacheKey("https://example.com/v")

	first, err := s.Put(key, "text/plain", 200, strings.NewReader("v1"))
	require.NoError(t, err)
	require.NoError(t, os.Chtimes(s.path(key), time.Now(), time.Now().Add(-time.Hour)))
	assert.False(t, first.Body.Available())

	require.NoError(t, os.Remove(s.path(key)))
	env, err := s.Put(key, "text/plain", 200, strings.NewReader("v2"))
	require.NoError(t, err)
	assert.True(t, env.Body.Available())
	require.NoError(t, os.Remove(s.path(key)))
	assert.False(t, env.Body.Available())
}

func TestLevelStore(t *testing.T) {
	s, err := newLevelStore(t.TempDir(), 24*time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	now := time.Now()
	s.now = func() time.Time { return now }

	key := CacheKey("https://example.com/hello")
	_, err = s.Put(key, "text/plain", 200, strings.NewReader("hello"))
	require.NoError(t, err)

	env, ok, err := s.Lookup(key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "text/plain", env.ContentType)
	assert.Equal(t, 200, env.Status)
	assert.Equal(t, "hello", readBody(t, env.Body))

	s.now = func() time.Time { return now.Add(time.Hour) }
	n, err := s.Prune()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, env.Body.Available())

	s.now = func() time.Time { return now.Add(25 * time.Hour) }
	_, ok, err = s.Lookup(key)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, env.Body.Available())

	n, err = s.Prune()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	s.now = func() time.Time { return now }
	_, ok, err = s.Lookup(key)
	require.NoError(t, err)
	assert.False(t, ok, "pruned entry is gone")
}
