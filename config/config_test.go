package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojokv"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "gojokv.db", cfg.Database.Path)
	require.Equal(t, gojokv.DefaultMempoolCapacity, cfg.Database.MempoolCapacity)
	require.Equal(t, "info", cfg.Logger.Level)
	require.False(t, cfg.Telemetry.Enabled)
}

func TestLoad_OverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gojokv.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  path: /var/lib/gojokv/data.jokv
  page_size: 8192
  force_sync: true
  compress_overflow: true
logger:
  level: debug
  format: json
telemetry:
  enabled: true
  prometheus_port: 9100
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/gojokv/data.jokv", cfg.Database.Path)
	require.Equal(t, 8192, cfg.Database.PageSize)
	require.True(t, cfg.Database.ForceSync)
	// Keys absent from the file keep their defaults.
	require.Equal(t, gojokv.DefaultMempoolCapacity, cfg.Database.MempoolCapacity)
	require.Equal(t, "stderr", cfg.Logger.OutputFile)
	require.Equal(t, "debug", cfg.Logger.Level)
	require.Equal(t, 9100, cfg.Telemetry.PrometheusPort)
	require.Equal(t, "gojokv", cfg.Telemetry.ServiceName)

	opts := cfg.Options()
	require.Equal(t, 8192, opts.PageSize)
	require.True(t, opts.ForceSync)
	require.True(t, opts.CompressOverflow)
	require.False(t, opts.ReadOnly)
}

func TestDecode_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown field":   "database:\n  pagesize: 4096\n",
		"bad page size":   "database:\n  page_size: 5000\n",
		"empty path":      "database:\n  path: \"\"\n",
		"negative budget": "database:\n  mempool_capacity: -1\n",
		"not yaml":        "database: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			require.Error(t, Decode(strings.NewReader(doc), Default()))
		})
	}
}

func TestDecode_EmptyInputKeepsDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, Decode(strings.NewReader(""), cfg))
	require.Equal(t, Default(), cfg)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
