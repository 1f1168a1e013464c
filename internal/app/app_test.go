package app

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/watergridgo/internal/syserr"
	"github.com/vk/watergridgo/internal/system"
)

func validConfig() Config {
	return Config{
		FilePath:       "export.json",
		NetworkID:      1,
		ScenarioCombos: [][]int{{1}},
	}
}

func TestNewConfig_DefaultsForesight(t *testing.T) {
	t.Parallel()

	cfg, err := NewConfig(validConfig())
	require.NoError(t, err)
	assert.Equal(t, system.ForesightZero, cfg.Foresight)
}

func TestNewConfig_Invalid(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "no data source", mutate: func(c *Config) { c.FilePath = "" }},
		{name: "two data sources", mutate: func(c *Config) { c.DataURL = "http://h" }},
		{name: "no network", mutate: func(c *Config) { c.NetworkID = 0 }},
		{name: "no scenarios", mutate: func(c *Config) { c.ScenarioCombos = nil }},
		{name: "bad foresight", mutate: func(c *Config) { c.Foresight = "sometimes" }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tc.mutate(&cfg)
			_, err := NewConfig(cfg)
			require.Error(t, err)
			var confErr *syserr.ConfigurationError
			assert.ErrorAs(t, err, &confErr)
		})
	}
}

func TestNewApp_MissingExportFile(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.FilePath = filepath.Join(t.TempDir(), "absent.json")
	validated, err := NewConfig(cfg)
	require.NoError(t, err)

	_, err = NewApp(&bytes.Buffer{}, validated)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading network export")
}

func TestNewApp_HydraConnectionCloses(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.FilePath = ""
	cfg.DataURL = "http://localhost:1"
	validated, err := NewConfig(cfg)
	require.NoError(t, err)

	a, err := NewApp(&bytes.Buffer{}, validated)
	require.NoError(t, err)
	require.NotNil(t, a.Connection())
	assert.NoError(t, a.Close())
}
