package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"shellsync/internal/testutil"
)

func resetViper() {
	viper.Reset()
}

func TestLoadAppliesDefaults(t *testing.T) {
	resetViper()
	sb, err := testutil.NewSandbox()
	require.NoError(t, err)
	t.Cleanup(func() { sb.Cleanup() })

	cfg, err := Load(sb.Root)
	require.NoError(t, err)
	require.True(t, cfg.AutoSync)
	require.Equal(t, 5, cfg.SyncIntervalSecs)
	require.Equal(t, 8787, cfg.Port)
}

func TestLoadReadsConfigFile(t *testing.T) {
	resetViper()
	sb, err := testutil.NewSandbox()
	require.NoError(t, err)
	t.Cleanup(func() { sb.Cleanup() })

	require.NoError(t, sb.WriteFile("config.toml", []byte("server_url = \"ws://relay.local:8787/api/ws\"\nmachine_id = \"m1\"\n"), 0o600))

	cfg, err := Load(sb.Root)
	require.NoError(t, err)
	require.Equal(t, "ws://relay.local:8787/api/ws", cfg.ServerURL)
	require.Equal(t, "m1", cfg.MachineID)
}

func TestLoadEnvOverridesPort(t *testing.T) {
	resetViper()
	sb, err := testutil.NewSandbox()
	require.NoError(t, err)
	t.Cleanup(func() { sb.Cleanup() })

	os.Setenv("SHELL_SYNC_PORT", "9999")
	defer os.Unsetenv("SHELL_SYNC_PORT")

	cfg, err := Load(sb.Root)
	require.NoError(t, err)
	require.Equal(t, 9999, cfg.Port)
}
