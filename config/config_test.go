package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"web/mapcluster/cluster"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, cluster.DefaultOptions(), cfg.Cluster)
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse(`
[server]
http_addr = ":9000"

[runner]
max_clusters = 2
idle_timeout = "90s"

[cluster]
max_zoom = 12
radius = 60

[log]
level = "debug"
format = "json"
`)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.HTTPAddr)
	assert.Equal(t, "localhost:50051", cfg.Server.GRPCAddr)
	assert.Equal(t, 2, cfg.Runner.MaxClusters)
	assert.Equal(t, 90*time.Second, cfg.Runner.IdleTimeout.Duration)
	assert.Equal(t, 5*time.Minute, cfg.Runner.CleanupInterval.Duration)
	assert.Equal(t, 12, cfg.Cluster.MaxZoom)
	assert.Equal(t, 60.0, cfg.Cluster.Radius)
	assert.Equal(t, 512.0, cfg.Cluster.Extent)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"unknown key":  "[server]\nport = 1\n",
		"bad zoom":     "[cluster]\nmin_zoom = 9\nmax_zoom = 3\n",
		"no clusters":  "[runner]\nmax_clusters = 0\n",
		"bad format":   "[log]\nformat = \"xml\"\n",
		"bad duration": "[runner]\nidle_timeout = \"soon\"\n",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(data)
			assert.Error(t, err)
		})
	}

	_, err := Parse("[cluster]\nnode_size = 0\n")
	assert.True(t, errors.Is(err, ErrInvalid))
	assert.True(t, errors.Is(err, cluster.ErrInvalidConfig))
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mapcluster.toml")
	require.NoError(t, os.WriteFile(path, []byte("[runner]\ndata_dir = \"/tmp/x\"\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x", cfg.Runner.DataDir)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestExampleConfig(t *testing.T) {
	_, err := Load("../config.example.toml")
	require.NoError(t, err)
}
