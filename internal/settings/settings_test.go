package settings_test

import (
	"context"
	"path/filepath"
	"testing"

	"codeberg.org/mutker/greenhousectl/internal/settings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) settings.Store {
	t.Helper()

	store, err := settings.NewStore(settings.Config{
		DBPath: filepath.Join(t.TempDir(), "settings.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store
}

func TestLoadSetpointEmpty(t *testing.T) {
	store := newStore(t)

	_, found, err := store.LoadSetpoint(context.Background())
	require.NoError(t, err)
	assert.False(t, found, "Expected no stored setpoint in a fresh store")
}

func TestSaveLoadSetpoint(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveSetpoint(ctx, 900.0))

	value, found, err := store.LoadSetpoint(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.InDelta(t, 900.0, value, 0.001)

	// Saving again overwrites the single row
	require.NoError(t, store.SaveSetpoint(ctx, 1200.5))

	value, found, err = store.LoadSetpoint(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.InDelta(t, 1200.5, value, 0.001)
}

func TestSaveSetpointRejectsNonPositive(t *testing.T) {
	store := newStore(t)

	err := store.SaveSetpoint(context.Background(), 0)
	require.Error(t, err)

	err = store.SaveSetpoint(context.Background(), -10)
	require.Error(t, err)
}

func TestSetpointSurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "settings.db")
	ctx := context.Background()

	store, err := settings.NewStore(settings.Config{DBPath: dbPath})
	require.NoError(t, err)
	require.NoError(t, store.SaveSetpoint(ctx, 1100.0))
	require.NoError(t, store.Close())

	reopened, err := settings.NewStore(settings.Config{DBPath: dbPath})
	require.NoError(t, err)
	defer reopened.Close()

	value, found, err := reopened.LoadSetpoint(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.InDelta(t, 1100.0, value, 0.001)
}
