package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "overlay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadWithoutPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, "OBJECTID", cfg.IDField)
	assert.Equal(t, IsolationProcess, cfg.Isolation)
	assert.Equal(t, -1, cfg.Engine.Precision)
	assert.Nil(t, cfg.EngineSettings().Precision)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
workers: 6
chunk_size: 50
id_field: FID
isolation: goroutine
overwrite: true
chunk_timeout: 90s
run_timeout: 1h
data_root: /srv/gis
mongo_allow:
  - mongodb://gis-db:27017/overlay
engine:
  area_mode: geodesic
  precision: 2
  coverage_field: COVERAGE
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.Workers)
	assert.Equal(t, "FID", cfg.IDField)
	assert.Equal(t, IsolationGoroutine, cfg.Isolation)
	assert.Equal(t, "info", cfg.LogLevel, "unset keys keep their default")
	assert.Equal(t, "/srv/gis", cfg.DataRoot)
	assert.Equal(t, []string{"mongodb://gis-db:27017/overlay"}, cfg.MongoAllow)

	p := cfg.Pipeline()
	assert.Equal(t, 6, p.Workers)
	assert.Equal(t, 50, p.ChunkSize)
	assert.True(t, p.Overwrite)
	assert.Equal(t, 90*time.Second, p.ChunkTimeout)
	assert.Equal(t, time.Hour, p.RunTimeout)

	e := cfg.EngineSettings()
	assert.Equal(t, "FID", e.IDField)
	assert.Equal(t, "geodesic", e.AreaMode)
	require.NotNil(t, e.Precision)
	assert.Equal(t, 2, *e.Precision)
	assert.Equal(t, "COVERAGE", e.CoverageField)
}

func TestLoadRejectsBadFiles(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "unknown key", body: "wokers: 3\n"},
		{name: "bad duration", body: "chunk_timeout: soon\n"},
		{name: "negative workers", body: "workers: -2\n"},
		{name: "bad isolation", body: "isolation: thread\n"},
		{name: "bad area mode", body: "engine:\n  area_mode: ellipsoid\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
