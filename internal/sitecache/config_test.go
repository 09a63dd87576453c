package sitecache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("server:\n  origin: https://example.com/\n"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "https://example.com", cfg.Server.Origin)
	assert.Equal(t, "it-solutions-v1", cfg.Cache.Name())
	assert.Equal(t, DefaultPrecache, cfg.Cache.Precache)
	assert.Equal(t, "/offline.html", cfg.Cache.Offline)
	assert.Equal(t, InstallStrict, cfg.Cache.Install.Mode)
	assert.Equal(t, 4, cfg.Cache.Install.Parallel)
	assert.Equal(t, int64(64*mib), cfg.ramMax)
	assert.Equal(t, int64(gib), cfg.diskMax)
	assert.Equal(t, 30*time.Second, cfg.Timeout())
	assert.Equal(t, 5*time.Minute, cfg.Contact.SyncEveryDuration())
	assert.Zero(t, cfg.Contact.SimulateDelayDuration())
	assert.Zero(t, cfg.statsEvery)
}

func TestParseConfigFull(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
storage:
  dir: /var/lib/sitecache
  ram: {max: 8mb}
  disk: {max: 2g}
server:
  port: 9000
  origin: http://origin.internal:3000
  timeout: 5s
cache:
  site: nawasena
  version: v3
  precache: ["/", "/styles.css"]
  offline: /offline/index.html
  install: {mode: lenient, parallel: 2}
contact:
  forward: https://forms.example.com/contact
  simulateDelay: 900ms
  syncEvery: 1m
logging:
  statsEvery: 30s
`))
	require.NoError(t, err)

	assert.Equal(t, "nawasena-v3", cfg.Cache.Name())
	assert.Equal(t, []string{"/", "/styles.css"}, cfg.Cache.Precache)
	assert.Equal(t, int64(8*mib), cfg.ramMax)
	assert.Equal(t, int64(2*gib), cfg.diskMax)
	assert.Equal(t, 5*time.Second, cfg.Timeout())
	assert.Equal(t, 900*time.Millisecond, cfg.Contact.SimulateDelayDuration())
	assert.Equal(t, time.Minute, cfg.Contact.SyncEveryDuration())
	assert.Equal(t, 30*time.Second, cfg.statsEvery)

	m := cfg.manifest()
	assert.False(t, m.Strict)
	assert.Equal(t, 2, m.Parallel)
	assert.Equal(t, []string{"/offline/index.html"}, m.Optional)
	assert.Equal(t, "/offline/index.html", m.Offline)
}

func TestParseConfigErrors(t *testing.T) {
	const origin = "server:\n  origin: http://x\n"
	tests := []struct {
		name string
		yaml string
	}{
		{"missing origin", "server:\n  port: 80\n"},
		{"bad origin scheme", "server:\n  origin: ftp://example.com\n"},
		{"relative precache", origin + "cache:\n  precache: [styles.css]\n"},
		{"relative offline", origin + "cache:\n  offline: offline.html\n"},
		{"unknown install mode", origin + "cache:\n  install: {mode: eager}\n"},
		{"bad ram size", origin + "storage:\n  ram: {max: lots}\n"},
		{"bad timeout", origin + "  timeout: soon\n"},
		{"bad forward", origin + "contact:\n  forward: \"mailto:x@y.z\"\n"},
		{"bad yaml", "server: ["},
		{"cross origin without scheme", origin + "cache:\n  crossOrigin: [cdn.example.com]\n"},
		{"cross origin with other scheme", origin + "cache:\n  crossOrigin: [\"ftp://cdn.example.com\"]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestCrossOriginIsNormalized(t *testing.T) {
	cfg, err := ParseConfig([]byte("server:\n  origin: http://x\ncache:\n  crossOrigin:\n    - HTTPS://CDN.Example.com/\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://cdn.example.com"}, cfg.Cache.CrossOrigin)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SITECACHE_PORT", "9999")
	t.Setenv("SITECACHE_ORIGIN", "https://env.example.com")
	t.Setenv("SITECACHE_CACHE_VERSION", "v7")
	t.Setenv("SITECACHE_DATA_DIR", "/tmp/sc")
	t.Setenv("SITECACHE_CONTACT_FORWARD", "https://forms.example.com")

	cfg, err := ParseConfig([]byte("server:\n  origin: http://file.example.com\n"))
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "https://env.example.com", cfg.Server.Origin)
	assert.Equal(t, "it-solutions-v7", cfg.Cache.Name())
	assert.Equal(t, "/tmp/sc", cfg.Storage.Dir)
	assert.Equal(t, "https://forms.example.com", cfg.Contact.Forward)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sitecache.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  origin: http://x\ncache:\n  version: v2\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "it-solutions-v2", cfg.Cache.Name())

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
