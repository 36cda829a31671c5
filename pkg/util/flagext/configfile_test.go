package flagext

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnvName(t *testing.T) {
	require.Equal(t, "COLLECTORS_CACHE_TTL_SECONDS", EnvName("collectors.cache-ttl-seconds"))
	require.Equal(t, "LOG_LEVEL", EnvName("log.level"))
}

func TestSetFromEnv(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	prefix := fs.String("collectors.secrets-prefix", "default/", "")
	ttl := fs.Int("collectors.cache-ttl-seconds", 300, "")
	timeout := fs.Duration("forwarder.timeout", time.Second, "")

	env := map[string]string{
		"COLLECTORS_SECRETS_PREFIX":    "custom/",
		"COLLECTORS_CACHE_TTL_SECONDS": "60",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	require.NoError(t, SetFromEnv(fs, lookup))
	require.Equal(t, "custom/", *prefix)
	require.Equal(t, 60, *ttl)
	require.Equal(t, time.Second, *timeout)

	env["FORWARDER_TIMEOUT"] = "not-a-duration"
	require.Error(t, SetFromEnv(fs, lookup))
}

func TestConfigFilesLoadInto(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.yaml")
	second := filepath.Join(dir, "second.yaml")
	require.NoError(t, os.WriteFile(first, []byte("name: a\nsize: 1\n"), 0o600))
	require.NoError(t, os.WriteFile(second, []byte("size: 2\n"), 0o600))

	var files ConfigFiles
	require.NoError(t, files.Set(first))
	require.NoError(t, files.Set(second))
	require.Equal(t, first+","+second, files.String())

	var cfg struct {
		Name string `yaml:"name"`
		Size int    `yaml:"size"`
	}
	require.NoError(t, files.LoadInto(&cfg))
	require.Equal(t, "a", cfg.Name)
	require.Equal(t, 2, cfg.Size)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("unknown_field: 1\n"), 0o600))
	require.Error(t, ConfigFiles{bad}.LoadInto(&cfg))
}
