package safety

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHaltFileTripsAndClears(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(Limits{})

	cw, err := NewControlWatcher(dir, m)
	require.NoError(t, err)
	defer cw.Close()

	halt := filepath.Join(dir, "halt")
	require.NoError(t, os.WriteFile(halt, nil, 0o644))

	require.Eventually(t, func() bool { return m.Active(SwitchManual) },
		3*time.Second, 10*time.Millisecond, "creating the halt file trips manual")

	require.NoError(t, os.Remove(halt))
	require.Eventually(t, func() bool { return !m.Active(SwitchManual) },
		3*time.Second, 10*time.Millisecond, "removing the halt file clears manual")
}

func TestHaltFilePresentAtStartup(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "halt"), nil, 0o644))

	m := NewManager(Limits{})
	cw, err := NewControlWatcher(dir, m)
	require.NoError(t, err)
	defer cw.Close()

	assert.True(t, m.Active(SwitchManual), "a leftover halt file still applies")
}

func TestOtherFilesAreIgnored(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(Limits{})

	cw, err := NewControlWatcher(dir, m)
	require.NoError(t, err)
	defer cw.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "state.json"), []byte("{}"), 0o644))
	time.Sleep(200 * time.Millisecond)
	assert.False(t, m.Active(SwitchManual))
}
