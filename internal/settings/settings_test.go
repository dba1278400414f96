package settings

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSettings(t *testing.T) *Settings {
	t.Helper()
	s, err := New(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return s
}

func TestPaths(t *testing.T) {
	s := newTestSettings(t)

	assert.True(t, filepath.IsAbs(s.Root()))
	assert.Equal(t, filepath.Join(s.Root(), ".mambarc"), s.ConfigPath())
	assert.Equal(t, filepath.Join(s.Root(), "envs", "cellpose"), s.EnvironmentPath("cellpose"))
	assert.Equal(t, `micromamba --rc-file "`+s.ConfigPath()+`"`, s.CondaWithConfig())
	assert.False(t, s.Installed())

	s.goos = "linux"
	assert.Equal(t, filepath.Join("bin", "micromamba"), s.BinRelPath())
	s.goos = "windows"
	assert.Equal(t, "micromamba.exe", s.BinRelPath())
}

func TestEnvironmentExists(t *testing.T) {
	s := newTestSettings(t)

	assert.False(t, s.EnvironmentExists("cellpose"))

	// A bare envs/<name> directory is not enough.
	require.NoError(t, os.MkdirAll(s.EnvironmentPath("cellpose"), 0o755))
	assert.False(t, s.EnvironmentExists("cellpose"))

	require.NoError(t, os.MkdirAll(filepath.Join(s.EnvironmentPath("cellpose"), "conda-meta"), 0o755))
	assert.True(t, s.EnvironmentExists("cellpose"))
}

func TestSetProxiesPersistsAndKeepsOtherKeys(t *testing.T) {
	s := newTestSettings(t)
	require.NoError(t, s.WriteChannels())

	p := Proxies{HTTP: "http://proxy:3128", HTTPS: "https://proxy:3129"}
	require.NoError(t, s.SetProxies(p))
	assert.Equal(t, p, s.Proxies())

	data, err := os.ReadFile(s.ConfigPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), "proxy_servers:")
	assert.Contains(t, string(data), "channel_priority: flexible")
	assert.Contains(t, string(data), "conda-forge")

	reloaded, err := New(s.Root(), nil)
	require.NoError(t, err)
	assert.Equal(t, p, reloaded.Proxies())

	require.NoError(t, s.SetProxies(Proxies{}))
	data, err = os.ReadFile(s.ConfigPath())
	require.NoError(t, err)
	assert.NotContains(t, string(data), "proxy_servers")
}

func TestReloadReadsLegacyKey(t *testing.T) {
	s := newTestSettings(t)
	require.NoError(t, os.WriteFile(s.ConfigPath(), []byte("proxies:\n  http: http://legacy:80\n"), 0o644))

	require.NoError(t, s.Reload())
	assert.Equal(t, Proxies{HTTP: "http://legacy:80"}, s.Proxies())
}

func TestReloadRejectsMalformedFile(t *testing.T) {
	s := newTestSettings(t)
	require.NoError(t, os.WriteFile(s.ConfigPath(), []byte("proxy_servers: [unterminated"), 0o644))

	assert.Error(t, s.Reload())
}

func TestProxyRendering(t *testing.T) {
	s := newTestSettings(t)
	assert.Empty(t, s.ProxyEnv())
	assert.Empty(t, s.ProxyExportCommands())

	require.NoError(t, s.SetProxies(Proxies{HTTP: "http://p:1", HTTPS: "https://p:2"}))

	assert.Equal(t, []string{"http_proxy=http://p:1", "https_proxy=https://p:2"}, s.ProxyEnv())
	assert.Equal(t, "https://p:2", s.Proxies().URL())

	s.goos = "linux"
	assert.Equal(t, []string{`export http_proxy="http://p:1"`, `export https_proxy="https://p:2"`}, s.ProxyExportCommands())
	s.goos = "windows"
	assert.Equal(t, []string{`$Env:http_proxy="http://p:1"`, `$Env:https_proxy="https://p:2"`}, s.ProxyExportCommands())

	assert.Equal(t, "http://only", Proxies{HTTP: "http://only"}.URL())
}

func TestWatchReloadsOnChange(t *testing.T) {
	s := newTestSettings(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan Proxies, 4)
	require.NoError(t, s.Watch(ctx, func(p Proxies) { reloaded <- p }))

	require.NoError(t, os.WriteFile(s.ConfigPath(), []byte("proxy_servers:\n  https: https://watched:443\n"), 0o644))

	select {
	case p := <-reloaded:
		assert.Equal(t, "https://watched:443", p.HTTPS)
	case <-time.After(5 * time.Second):
		t.Fatal("proxies were not reloaded after the file changed")
	}
	assert.Equal(t, "https://watched:443", s.Proxies().HTTPS)
}
