package deviceid_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/mekongcart/deliveryclient/credstore"
	"github.com/mekongcart/deliveryclient/internal/deviceid"
	"github.com/mekongcart/deliveryclient/securecipher"
)

func TestEnsureIsStable(t *testing.T) {
	kr, err := securecipher.NewFileKeyring(t.TempDir())
	require.NoError(t, err)
	cipher, err := securecipher.New(kr, zerolog.Nop())
	require.NoError(t, err)
	store, err := credstore.Open(filepath.Join(t.TempDir(), "prefs.db"), cipher, zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	first, err := deviceid.Ensure(ctx, store)
	require.NoError(t, err)
	_, err = uuid.Parse(first)
	require.NoError(t, err)

	second, err := deviceid.Ensure(ctx, store)
	require.NoError(t, err)
	require.Equal(t, first, second)
}
