package session_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/mekongcart/deliveryclient/credstore"
	"github.com/mekongcart/deliveryclient/gateway"
	"github.com/mekongcart/deliveryclient/gateway/gatewayfakes"
	interrors "github.com/mekongcart/deliveryclient/internal/errors"
	"github.com/mekongcart/deliveryclient/securecipher"
	"github.com/mekongcart/deliveryclient/session"
)

type fixture struct {
	store *credstore.Store
	gw    *gatewayfakes.FakeGateway
	coord *session.Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	kr, err := securecipher.NewFileKeyring(t.TempDir())
	require.NoError(t, err)
	cipher, err := securecipher.New(kr, zerolog.Nop())
	require.NoError(t, err)
	store, err := credstore.Open(filepath.Join(t.TempDir(), "prefs.db"), cipher, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	gw := gatewayfakes.NewFakeGateway()
	coord, err := session.New(store, gw)
	require.NoError(t, err)

	return &fixture{store: store, gw: gw, coord: coord}
}

func (f *fixture) start(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go f.coord.Run(ctx)
	return ctx
}

func awaitState(t *testing.T, ch <-chan session.State, want session.State) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case got, ok := <-ch:
			require.True(t, ok, "state stream closed while waiting for %s", want)
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func rejectAllProfiles(ctx context.Context, accessToken string) (*gateway.Profile, error) {
	return nil, interrors.ErrUnauthorized
}

func acceptOnly(valid string) func(context.Context, string) (*gateway.Profile, error) {
	return func(ctx context.Context, accessToken string) (*gateway.Profile, error) {
		if accessToken != valid {
			return nil, interrors.ErrUnauthorized
		}
		return &gateway.Profile{ID: 1, Name: "An"}, nil
	}
}

func TestStateIsUnknownBeforeFirstEvaluation(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, session.StateUnknown, f.coord.State())
	require.False(t, f.coord.State().Terminal())
}

func TestFreshInstallReachesLoggedOutWithoutNetwork(t *testing.T) {
	f := newFixture(t)
	ctx := f.start(t)

	awaitState(t, f.coord.States(ctx), session.StateLoggedOut)
	require.Zero(t, f.gw.ProfileCallCount())
	require.Zero(t, f.gw.RefreshCallCount())
}

func TestValidStoredTokenReachesLoggedIn(t *testing.T) {
	f := newFixture(t)
	f.gw.ProfileFunc = acceptOnly("access-1")
	require.NoError(t, f.store.SaveTokens(context.Background(), "access-1", "refresh-1"))

	ctx := f.start(t)
	awaitState(t, f.coord.States(ctx), session.StateLoggedIn)
	require.Zero(t, f.gw.RefreshCallCount())
}

func TestRejectedTokenWithoutRefreshTokenConverges(t *testing.T) {
	f := newFixture(t)
	f.gw.ProfileFunc = rejectAllProfiles

	// Access token only, no refresh token stored.
	ctx := context.Background()
	require.NoError(t, f.store.SeedLegacyTokens(ctx, "stale-access", ""))
	require.NoError(t, f.store.MigrateIfNeeded(ctx))

	runCtx := f.start(t)
	awaitState(t, f.coord.States(runCtx), session.StateLoggedOut)
	require.Zero(t, f.gw.RefreshCallCount())
}

func TestRejectedTokenWithGoodRefreshReachesLoggedIn(t *testing.T) {
	f := newFixture(t)
	f.gw.ProfileFunc = acceptOnly("access-2")
	f.gw.RefreshFunc = func(ctx context.Context, refreshToken string) (*gateway.TokenResponse, error) {
		require.Equal(t, "refresh-1", refreshToken)
		return &gateway.TokenResponse{AccessToken: "access-2"}, nil
	}
	require.NoError(t, f.store.SaveTokens(context.Background(), "stale-access", "refresh-1"))

	ctx := f.start(t)
	awaitState(t, f.coord.States(ctx), session.StateLoggedIn)

	access, ok, err := f.store.AccessToken(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "access-2", access)

	// Rotation omitted: the prior refresh token is kept.
	refresh, ok, err := f.store.RefreshToken(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "refresh-1", refresh)
}

func TestRejectedRefreshClearsCredentialsAndLogsOut(t *testing.T) {
	f := newFixture(t)
	f.gw.ProfileFunc = rejectAllProfiles
	f.gw.RefreshFunc = func(ctx context.Context, refreshToken string) (*gateway.TokenResponse, error) {
		return nil, interrors.ErrRefreshFailed
	}
	require.NoError(t, f.store.SaveTokens(context.Background(), "stale-access", "bad-refresh"))

	ctx := f.start(t)
	awaitState(t, f.coord.States(ctx), session.StateLoggedOut)

	_, ok, err := f.store.AccessToken(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLocallyExpiredJWTSkipsProfileCall(t *testing.T) {
	f := newFixture(t)

	expired, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, jwtlib.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	f.gw.ProfileFunc = acceptOnly("access-2")
	f.gw.RefreshFunc = func(ctx context.Context, refreshToken string) (*gateway.TokenResponse, error) {
		return &gateway.TokenResponse{AccessToken: "access-2"}, nil
	}
	require.NoError(t, f.store.SaveTokens(context.Background(), expired, "refresh-1"))

	ctx := f.start(t)
	awaitState(t, f.coord.States(ctx), session.StateLoggedIn)

	// The expired token never reached the backend: the only profile call is
	// the validation of the refreshed token, triggered by the save emission.
	require.Eventually(t, func() bool { return f.gw.ProfileCallCount() == 1 },
		3*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, f.gw.RefreshCallCount())
	require.Equal(t, "refresh-1", f.gw.LastRefreshToken())
}

func TestExpiryEventIsOneShot(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	expired := f.coord.Expired(ctx)

	f.coord.NotifyExpired()
	f.coord.NotifyExpired() // repeat while logged out: deduplicated

	select {
	case <-expired:
	case <-time.After(time.Second):
		t.Fatal("expected an expiry event")
	}
	select {
	case <-expired:
		t.Fatal("expiry event must be delivered at most once per expiry")
	case <-time.After(100 * time.Millisecond):
	}

	// A late subscriber must not see a replay.
	late := f.coord.Expired(ctx)
	select {
	case <-late:
		t.Fatal("expiry event must not be replayed to late subscribers")
	case <-time.After(100 * time.Millisecond):
	}

	require.Equal(t, session.StateLoggedOut, f.coord.State())
}

func TestManualLogout(t *testing.T) {
	f := newFixture(t)
	f.gw.ProfileFunc = acceptOnly("access-1")

	ctx := context.Background()
	require.NoError(t, f.store.SaveTokens(ctx, "access-1", "refresh-1"))
	require.NoError(t, f.store.SaveLocation(ctx, 10.77, 106.69))

	runCtx := f.start(t)
	states := f.coord.States(runCtx)
	awaitState(t, states, session.StateLoggedIn)

	expired := f.coord.Expired(runCtx)
	require.NoError(t, f.coord.Logout(ctx))

	awaitState(t, states, session.StateLoggedOut)
	select {
	case <-expired:
	case <-time.After(time.Second):
		t.Fatal("manual logout must emit the expiry event")
	}

	_, ok, err := f.store.AccessToken(ctx)
	require.NoError(t, err)
	require.False(t, ok)
	_, _, ok, err = f.store.Location(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}
