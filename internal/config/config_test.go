package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadFromFileParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	body := "stdio:\n  command: \"my-target --flag\"\nrelease_track: canary\nmetrics:\n  addr: \":9090\"\n  auth_token: secret\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, "my-target --flag", cfg.Stdio.Command)
	require.Equal(t, ReleaseTrack("canary"), cfg.ReleaseTrack)
	require.Equal(t, ":9090", cfg.Metrics.Addr)
	require.Equal(t, "secret", cfg.Metrics.AuthToken)
	// unset fields retain the defaults layered under the file.
	require.Equal(t, "./outbox.jsonl", cfg.Outbox.Path)
}

func TestLoadFromFileMissingReturnsError(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadFromEnvOverridesDefaults(t *testing.T) {
	cfg := DefaultConfig()
	t.Setenv("INSPECTOR_STDIO_CMD", "echo hi")
	t.Setenv("RELEASE_TRACK", "ROLLBACK")
	t.Setenv("IDEMPOTENCY_CONFLICT_POLICY", "return_existing")
	LoadFromEnv(cfg)

	require.Equal(t, "echo hi", cfg.Stdio.Command)
	require.Equal(t, ReleaseTrackRollback, cfg.ReleaseTrack)
	require.Equal(t, ConflictPolicyReturnExisting, cfg.Idempotency.ConflictPolicy)
}

func TestValidateRejectsUnknownReleaseTrack(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReleaseTrack = "bogus"
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsUnauthenticatedMetricsInProd(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Metrics.Addr = ":9090"
	require.Error(t, cfg.Validate())

	cfg.Metrics.AllowInsecureDev = true
	require.NoError(t, cfg.Validate())
}
