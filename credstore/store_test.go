package credstore_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/mekongcart/deliveryclient/credstore"
	"github.com/mekongcart/deliveryclient/securecipher"
)

func newTestStore(t *testing.T) *credstore.Store {
	t.Helper()
	return newTestStoreWithSealer(t, newTestSealer(t))
}

func newTestStoreWithSealer(t *testing.T, sealer credstore.Sealer) *credstore.Store {
	t.Helper()

	s, err := credstore.Open(filepath.Join(t.TempDir(), "prefs.db"), sealer, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestSealer(t *testing.T) *securecipher.Cipher {
	t.Helper()

	kr, err := securecipher.NewFileKeyring(t.TempDir())
	require.NoError(t, err)
	c, err := securecipher.New(kr, zerolog.Nop())
	require.NoError(t, err)
	return c
}

// brokenSealer fails encryption on demand while decrypting normally.
type brokenSealer struct {
	inner       credstore.Sealer
	failEncrypt bool
}

func (b *brokenSealer) Encrypt(plaintext string) (string, bool) {
	if b.failEncrypt {
		return "", false
	}
	return b.inner.Encrypt(plaintext)
}

func (b *brokenSealer) Decrypt(encoded string) (string, bool) {
	return b.inner.Decrypt(encoded)
}

func TestSaveAndReadTokens(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// Fresh install: both tokens absent.
	_, present, err := s.AccessToken(ctx)
	require.NoError(t, err)
	require.False(t, present)

	require.NoError(t, s.SaveTokens(ctx, "access-1", "refresh-1"))

	access, present, err := s.AccessToken(ctx)
	require.NoError(t, err)
	require.True(t, present)
	require.Equal(t, "access-1", access)

	refresh, present, err := s.RefreshToken(ctx)
	require.NoError(t, err)
	require.True(t, present)
	require.Equal(t, "refresh-1", refresh)
}

func TestTokensStoredEncrypted(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SaveTokens(ctx, "secret-access", "secret-refresh"))

	raw, present, err := s.GetString(ctx, "access_token_enc")
	require.NoError(t, err)
	require.True(t, present)
	require.NotContains(t, raw, "secret-access")
}

func TestSaveTokensFailsClosed(t *testing.T) {
	ctx := context.Background()
	sealer := &brokenSealer{inner: newTestSealer(t)}
	s := newTestStoreWithSealer(t, sealer)

	require.NoError(t, s.SaveTokens(ctx, "access-1", "refresh-1"))

	// Forced encryption failure must leave the prior pair untouched.
	sealer.failEncrypt = true
	require.NoError(t, s.SaveTokens(ctx, "access-2", "refresh-2"))

	access, present, err := s.AccessToken(ctx)
	require.NoError(t, err)
	require.True(t, present)
	require.Equal(t, "access-1", access)

	refresh, present, err := s.RefreshToken(ctx)
	require.NoError(t, err)
	require.True(t, present)
	require.Equal(t, "refresh-1", refresh)
}

func TestClearTokensRemovesBoth(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SaveTokens(ctx, "access-1", "refresh-1"))
	require.NoError(t, s.ClearTokens(ctx))

	_, present, err := s.AccessToken(ctx)
	require.NoError(t, err)
	require.False(t, present)

	_, present, err = s.RefreshToken(ctx)
	require.NoError(t, err)
	require.False(t, present)
}

func TestLocationRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, _, ok, err := s.Location(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.SaveLocation(ctx, 10.762622, 106.660172))

	lat, lng, ok, err := s.Location(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 10.762622, lat)
	require.Equal(t, 106.660172, lng)

	require.NoError(t, s.ClearLocation(ctx))
	_, _, ok, err = s.Location(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMigrateIfNeeded(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SeedLegacyTokens(ctx, "legacy-access", "legacy-refresh"))
	require.NoError(t, s.MigrateIfNeeded(ctx))

	access, present, err := s.AccessToken(ctx)
	require.NoError(t, err)
	require.True(t, present)
	require.Equal(t, "legacy-access", access)

	refresh, present, err := s.RefreshToken(ctx)
	require.NoError(t, err)
	require.True(t, present)
	require.Equal(t, "legacy-refresh", refresh)

	// Legacy fields removed in the same transaction.
	_, present, err = s.GetString(ctx, "access_token")
	require.NoError(t, err)
	require.False(t, present)
	_, present, err = s.GetString(ctx, "refresh_token")
	require.NoError(t, err)
	require.False(t, present)
}

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SeedLegacyTokens(ctx, "legacy-access", "legacy-refresh"))
	require.NoError(t, s.MigrateIfNeeded(ctx))

	first, present, err := s.GetString(ctx, "access_token_enc")
	require.NoError(t, err)
	require.True(t, present)

	// Second call is a no-op: the ciphertext is not rewritten (a rewrite
	// would produce a different IV and therefore a different field).
	require.NoError(t, s.MigrateIfNeeded(ctx))

	second, present, err := s.GetString(ctx, "access_token_enc")
	require.NoError(t, err)
	require.True(t, present)
	require.Equal(t, first, second)
}

func TestMigrateWithoutLegacyIsNoOp(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.MigrateIfNeeded(ctx))

	_, present, err := s.AccessToken(ctx)
	require.NoError(t, err)
	require.False(t, present)
}

func TestMigrateKeepsLegacyOnEncryptionFailure(t *testing.T) {
	ctx := context.Background()
	sealer := &brokenSealer{inner: newTestSealer(t)}
	s := newTestStoreWithSealer(t, sealer)

	require.NoError(t, s.SeedLegacyTokens(ctx, "legacy-access", "legacy-refresh"))

	sealer.failEncrypt = true
	require.NoError(t, s.MigrateIfNeeded(ctx))

	// Legacy fields survive for a retry on the next launch.
	legacy, present, err := s.GetString(ctx, "access_token")
	require.NoError(t, err)
	require.True(t, present)
	require.Equal(t, "legacy-access", legacy)

	_, present, err = s.GetString(ctx, "access_token_enc")
	require.NoError(t, err)
	require.False(t, present)

	// Next launch with working encryption succeeds.
	sealer.failEncrypt = false
	require.NoError(t, s.MigrateIfNeeded(ctx))

	access, present, err := s.AccessToken(ctx)
	require.NoError(t, err)
	require.True(t, present)
	require.Equal(t, "legacy-access", access)
}

func TestWatchAccessToken(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newTestStore(t)

	ch := s.WatchAccessToken(ctx)

	// Initial emission: absent.
	tok := recvToken(t, ch)
	require.False(t, tok.Present)

	require.NoError(t, s.SaveTokens(ctx, "access-1", "refresh-1"))
	tok = recvToken(t, ch)
	require.True(t, tok.Present)
	require.Equal(t, "access-1", tok.Value)

	require.NoError(t, s.ClearTokens(ctx))
	tok = recvToken(t, ch)
	require.False(t, tok.Present)
}

func TestWatchConflatesToLatest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newTestStore(t)

	ch := s.WatchAccessToken(ctx)
	recvToken(t, ch) // initial

	// Without the reader draining, only the newest value survives.
	require.NoError(t, s.SaveTokens(ctx, "access-1", "refresh-1"))
	require.NoError(t, s.SaveTokens(ctx, "access-2", "refresh-2"))
	require.NoError(t, s.SaveTokens(ctx, "access-3", "refresh-3"))

	tok := recvToken(t, ch)
	require.True(t, tok.Present)
	require.Equal(t, "access-3", tok.Value)
}

func recvToken(t *testing.T, ch <-chan credstore.Token) credstore.Token {
	t.Helper()
	select {
	case tok := <-ch:
		return tok
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for token emission")
		return credstore.Token{}
	}
}
