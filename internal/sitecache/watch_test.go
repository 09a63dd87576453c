package sitecache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestReloadRollsOutNewVersion(t *testing.T) {
	o := newTestOrigin(t)
	svc := readyService(t, o, "")
	require.Equal(t, "it-solutions-v1", svc.reg.ActiveName())

	require.NoError(t, <-svc.Reload(testConfig(t, o.URL, "cache:\n  version: v2\n")))
	assert.Equal(t, "it-solutions-v2", svc.reg.ActiveName())

	names, err := svc.store.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"it-solutions-v2"}, names)
}

func TestReloadWarnsAboutRestartOnlySettings(t *testing.T) {
	o := newTestOrigin(t)
	core, logs := observer.New(zap.WarnLevel)
	svc := newService(testConfig(t, o.URL, ""), newTestStorage(t), zap.New(core))
	t.Cleanup(svc.Close)
	require.NoError(t, <-svc.Ready())

	require.NoError(t, <-svc.Reload(testConfig(t, o.URL, "")))
	assert.Zero(t, logs.FilterMessageSnippet("need a restart").Len())

	moved := testConfig(t, "http://elsewhere.example", "")
	require.NoError(t, <-svc.Reload(moved))
	assert.Equal(t, 1, logs.FilterMessageSnippet("need a restart").Len())
}

func TestWatchConfigPicksUpVersionBump(t *testing.T) {
	o := newTestOrigin(t)
	path := filepath.Join(t.TempDir(), "sitecache.yaml")
	write := func(version string) {
		body := "server:\n  origin: " + o.URL + "\ncache:\n  version: " + version + "\n"
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
	write("v1")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	svc := newTestService(t, cfg, newTestStorage(t))
	require.NoError(t, <-svc.Ready())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.WatchConfig(ctx, path) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	// give the watcher a moment to register
	time.Sleep(50 * time.Millisecond)
	write("v2")

	require.Eventually(t, func() bool {
		return svc.reg.ActiveName() == "it-solutions-v2"
	}, 5*time.Second, 20*time.Millisecond)
}
