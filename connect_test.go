package stow_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kieran-Bacon/stow"
	"github.com/Kieran-Bacon/stow/backend/local"
)

func TestConnectSharesManagerPerStore(t *testing.T) {
	t.Cleanup(stow.ResetConnections)
	ctx := context.Background()

	first, path, err := stow.Connect(ctx, "mem://scratch/data/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "/data/a.txt", path)

	second, path, err := stow.Connect(ctx, "mem://scratch/other/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "/other/b.txt", path)

	assert.Same(t, first, second, "signatures into one store share a manager")

	// Shared manager means shared artefact identity.
	mustPut(t, first, "/data/a.txt", "visible")
	content, err := second.GetBytes(ctx, stow.Path("/data/a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "visible", string(content))
}

func TestConnectDistinguishesStoresByParams(t *testing.T) {
	t.Cleanup(stow.ResetConnections)
	ctx := context.Background()

	rootA := t.TempDir()
	rootB := t.TempDir()

	a, _, err := stow.Connect(ctx, "file:///x.txt?root="+rootA)
	require.NoError(t, err)
	b, _, err := stow.Connect(ctx, "file:///x.txt?root="+rootB)
	require.NoError(t, err)

	assert.NotSame(t, a, b, "different parameters are different stores")
}

func TestConnectResetDropsCache(t *testing.T) {
	t.Cleanup(stow.ResetConnections)
	ctx := context.Background()

	before, _, err := stow.Connect(ctx, "mem://resettable")
	require.NoError(t, err)

	stow.ResetConnections()

	after, _, err := stow.Connect(ctx, "mem://resettable")
	require.NoError(t, err)
	assert.NotSame(t, before, after)
}

func TestConnectUnknownScheme(t *testing.T) {
	_, _, err := stow.Connect(context.Background(), "carrier-pigeon://loft/note.txt")
	assert.ErrorIs(t, err, stow.ErrUnknownScheme)
}

func TestConnectRootPath(t *testing.T) {
	t.Cleanup(stow.ResetConnections)

	_, path, err := stow.Connect(context.Background(), "mem://store")
	require.NoError(t, err)
	assert.Equal(t, "/", path, "a signature naming the store addresses its root")
}

func TestManagerConfigRoundTrip(t *testing.T) {
	ctx := context.Background()

	root := t.TempDir()
	backend, err := local.New(root)
	require.NoError(t, err)
	original := stow.New(backend)

	mustPut(t, original, "/persisted.txt", "still here")

	rebuilt, err := stow.FromConfig(ctx, original.Config())
	require.NoError(t, err)

	content, err := rebuilt.GetBytes(ctx, stow.Path("/persisted.txt"))
	require.NoError(t, err)
	assert.Equal(t, "still here", string(content))

	// A rebuilt manager is a distinct cache over the same storage.
	assert.NotSame(t, original, rebuilt)
}

func TestPrivateSchemeRegistryIsolated(t *testing.T) {
	reg := stow.NewSchemeRegistry()
	_, _, err := reg.Connect(context.Background(), "mem://isolated")
	assert.ErrorIs(t, err, stow.ErrUnknownScheme, "fresh registries start with no schemes")
}
