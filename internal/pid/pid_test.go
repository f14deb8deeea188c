package pid_test

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"codeberg.org/mutker/greenhousectl/internal/errors"
	"codeberg.org/mutker/greenhousectl/internal/pid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pidPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "greenhousectl.pid")
}

func TestWriteCreatesFile(t *testing.T) {
	path := pidPath(t)

	require.NoError(t, pid.Write(path))

	bytes, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(bytes))
}

func TestWriteRefusesLiveProcess(t *testing.T) {
	path := pidPath(t)

	// The test process itself is certainly alive.
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600))

	err := pid.Write(path)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrAlreadyRunning))
}

func TestWriteReclaimsDeadProcess(t *testing.T) {
	path := pidPath(t)

	// Far beyond the kernel's pid ceiling, so no such process exists.
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(1<<30)), 0o600))

	require.NoError(t, pid.Write(path))

	bytes, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(bytes))
}

func TestWriteReclaimsCorruptFile(t *testing.T) {
	path := pidPath(t)

	require.NoError(t, os.WriteFile(path, []byte("not a pid\n"), 0o600))
	require.NoError(t, pid.Write(path))

	bytes, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(bytes))
}

func TestWriteRequiresPath(t *testing.T) {
	err := pid.Write("")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidArgument))
}

func TestRemove(t *testing.T) {
	path := pidPath(t)

	require.NoError(t, pid.Write(path))
	require.NoError(t, pid.Remove(path))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestRemoveMissingFile(t *testing.T) {
	require.NoError(t, pid.Remove(pidPath(t)))
}
