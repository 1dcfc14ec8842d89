package config

import (
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
log_level: debug
projects:
  - name: Game
    path: /src/game
    work_dir: /tmp/game
  - name: tools
    path: /src/tools
work_begin: "22:00"
work_end: "06:00"
bath: 25
default: 80
`

func TestLoad_ProjectsAndWindow(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(sample)))

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	require.Len(t, cfg.Projects, 2)
	assert.Equal(t, "Game", cfg.Projects[0].Name)
	assert.Equal(t, "/tmp/game", cfg.Projects[0].WorkDir)
	assert.Empty(t, cfg.Projects[1].WorkDir)

	cc := cfg.Capacity()
	assert.Equal(t, "22:00", cc.Begin)
	assert.Equal(t, "06:00", cc.End)
	assert.InDelta(t, 25, cc.Bath, 0.001)
	assert.InDelta(t, 80, cc.Default, 0.001)
	assert.InDelta(t, 1, cfg.OTelSampleRatio, 0.001, "every job traced when unset")
}

func TestLoad_BadProjects(t *testing.T) {
	v := viper.New()
	v.Set("projects", "not a list")
	_, err := Load(v)
	assert.Error(t, err)
}

func TestLoad_SampleRatio(t *testing.T) {
	v := viper.New()
	v.Set("otel_sample_ratio", 0.25)
	cfg, err := Load(v)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, cfg.OTelSampleRatio, 0.001)
}
