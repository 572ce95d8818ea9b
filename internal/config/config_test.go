package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/carlosprados/assetlink/internal/ports"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ASSETLINK_DATA_DIR", dir)

	cfg, err := Load(filepath.Join(dir, "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, ports.DefaultPorts, cfg.Ports)
	assert.Equal(t, DefaultServer, cfg.Server)
	assert.Equal(t, filepath.Join(dir, "daemon"), cfg.Daemon.Dir)
	assert.Equal(t, filepath.Join(dir, "deps", "installed"), cfg.Deps.Installed)
	assert.Equal(t, filepath.Join(dir, "deps"), cfg.DepsPath())
	assert.Equal(t, filepath.Join(dir, "state"), cfg.StateDir())
	d, err := cfg.PollInterval()
	require.NoError(t, err)
	assert.Equal(t, DefaultPollInterval, d)
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "assetlink.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir = "`+filepath.ToSlash(dir)+`"
server = "https://assets.example.com"
ip_version = "IPV4"
ports = [80, 81, 82]

[proxy]
which = "CUSTOM"
address = "http://proxy:3128"

[daemon]
interpreter = "/usr/bin/python3"
script = "/opt/daemon/daemon.py"

[agent]
poll_interval = "250ms"
`), 0o644))
	t.Setenv("ASSETLINK_API_KEY", "secret")
	t.Setenv("ASSETLINK_PORTS", "90, 91")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://assets.example.com", cfg.Server)
	assert.Equal(t, "IPV4", cfg.IPVersion)
	assert.Equal(t, []int{90, 91}, cfg.Ports)
	assert.Equal(t, "secret", cfg.APIKey)
	assert.Equal(t, "CUSTOM", cfg.Proxy.Which)
	assert.Equal(t, "http://proxy:3128", cfg.Proxy.Address)
	assert.Equal(t, "/usr/bin/python3", cfg.Daemon.Interpreter)
	d, err := cfg.PollInterval()
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)
}

func TestLoad_RejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte(`ports = [80, 80]`), 0o644))
	_, err := Load(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`ip_version = "IPV9"`), 0o644))
	_, err = Load(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`ports = [`), 0o644))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestLoad_BadEnvPorts(t *testing.T) {
	t.Setenv("ASSETLINK_DATA_DIR", t.TempDir())
	t.Setenv("ASSETLINK_PORTS", "80,abc")
	_, err := Load("")
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ASSETLINK_DATA_DIR", dir)
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Ports = []int{5000, 5001}
	cfg.APIKey = "k"

	path := filepath.Join(dir, "sub", "assetlink.toml")
	require.NoError(t, Save(path, cfg))
	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Ports, got.Ports)
	assert.Equal(t, "k", got.APIKey)
}

func TestParsePorts(t *testing.T) {
	ps, err := ParsePorts(" 1, 2,,3 ")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, ps)
	_, err = ParsePorts("x")
	assert.Error(t, err)
}

func TestEnsureSystemID(t *testing.T) {
	dir := t.TempDir()
	id, err := EnsureSystemID(dir)
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	require.NoError(t, err)

	again, err := EnsureSystemID(dir)
	require.NoError(t, err)
	assert.Equal(t, id, again, "identity is stable across runs")

	require.NoError(t, os.WriteFile(filepath.Join(dir, systemIDFile), []byte("garbage"), 0o644))
	replaced, err := EnsureSystemID(dir)
	require.NoError(t, err)
	assert.NotEqual(t, "garbage", replaced)
}

func TestResolveSystemID_KeepsConfigured(t *testing.T) {
	c := Config{DataDir: t.TempDir(), SystemID: "fixed"}
	require.NoError(t, c.ResolveSystemID())
	assert.Equal(t, "fixed", c.SystemID)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(p, []byte(`
# comment
export ASSETLINK_TEST_A="quoted value"
ASSETLINK_TEST_B='single'
ASSETLINK_TEST_C = plain
not a pair
=novalue
`), 0o644))
	t.Setenv("ASSETLINK_TEST_C", "preset")
	os.Unsetenv("ASSETLINK_TEST_A")
	os.Unsetenv("ASSETLINK_TEST_B")
	t.Cleanup(func() {
		os.Unsetenv("ASSETLINK_TEST_A")
		os.Unsetenv("ASSETLINK_TEST_B")
	})

	n, err := LoadDotEnv(p, false)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "quoted value", os.Getenv("ASSETLINK_TEST_A"))
	assert.Equal(t, "single", os.Getenv("ASSETLINK_TEST_B"))
	assert.Equal(t, "preset", os.Getenv("ASSETLINK_TEST_C"))

	_, err = LoadDotEnv(p, true)
	require.NoError(t, err)
	assert.Equal(t, "plain", os.Getenv("ASSETLINK_TEST_C"))
}
