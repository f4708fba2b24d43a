package objload

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "objload.toml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
arena_size = 1048576
policy = "reject"
host_libraries = ["libc.so.6"]
skip_identical = true
log_level = "debug"
`))
	require.NoError(t, err)
	assert.Equal(t, 1<<20, cfg.ArenaSize)
	assert.Equal(t, PolicyReject, cfg.Policy)
	assert.Equal(t, []string{"libc.so.6"}, cfg.HostLibraries)
	assert.True(t, cfg.SkipIdentical)
	assert.True(t, cfg.RunInitializers)
	assert.Equal(t, DefaultExportPrefix, cfg.ExportPrefix)
	assert.Equal(t, DefaultScratchSize, cfg.ScratchSize)
}

func TestLoadConfigRejects(t *testing.T) {
	for name, body := range map[string]string{
		"policy":  `policy = "sometimes"`,
		"unknown": `arena = 1`,
		"level":   `log_level = "loud"`,
		"scratch": "scratch_size = 64\nmax_scratch = 32",
		"syntax":  `arena_size = `,
	} {
		_, err := LoadConfig(writeConfig(t, body))
		assert.Error(t, err, name)
	}
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestZeroConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.withDefaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultArenaSize, cfg.ArenaSize)
	assert.Equal(t, DefaultMaxScratch, cfg.MaxScratch)
	assert.Equal(t, "", cfg.ExportPrefix)
}

func TestPolicyText(t *testing.T) {
	var p Policy
	require.NoError(t, p.UnmarshalText([]byte("Reject")))
	assert.Equal(t, PolicyReject, p)
	b, err := p.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "reject", string(b))
	assert.ErrorIs(t, p.UnmarshalText([]byte("x")), ErrInvalidConfig)
}

func TestLogLevel(t *testing.T) {
	t.Setenv(EnvLogLevel, "")
	assert.Equal(t, zerolog.ErrorLevel, NewLogger("error").GetLevel())
	assert.Equal(t, zerolog.WarnLevel, NewLogger("").GetLevel())
	t.Setenv(EnvLogLevel, "trace")
	assert.Equal(t, zerolog.TraceLevel, NewLogger("error").GetLevel())
	t.Setenv(EnvLogLevel, "off")
	assert.Equal(t, zerolog.Disabled, NewLogger("debug").GetLevel())
}
