package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeConfigAppliesDefaults(t *testing.T) {
	resetCmdState(t)

	require.NoError(t, initializeConfig())

	assert.Equal(t, "replay", viper.GetString("gateway.mode"))
	assert.Equal(t, "memory", viper.GetString("database.mode"))
	assert.Equal(t, "sim", viper.GetString("surface.mode"))
	assert.Equal(t, "veriflow-agent", viper.GetString("runtime.examiner"))
}

func TestInitializeConfigEnvOverridesDefaults(t *testing.T) {
	resetCmdState(t)
	t.Setenv("VERIFLOW_GATEWAY_MODE", "live")
	t.Setenv("VERIFLOW_RUNTIME_EXAMINER", "night-auditor")

	require.NoError(t, initializeConfig())

	assert.Equal(t, "live", viper.GetString("gateway.mode"))
	assert.Equal(t, "night-auditor", viper.GetString("runtime.examiner"))
}

func TestInitializeConfigReadsConfigFile(t *testing.T) {
	resetCmdState(t)

	path := filepath.Join(t.TempDir(), "veriflow.yaml")
	contents := "runtime:\n  examiner: dr-house\nsurface:\n  viewport_width: 1920\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	cfgFile = path

	require.NoError(t, initializeConfig())

	assert.Equal(t, "dr-house", viper.GetString("runtime.examiner"))
	assert.Equal(t, 1920, viper.GetInt("surface.viewport_width"))
	// Keys the file does not touch keep their defaults.
	assert.Equal(t, "replay", viper.GetString("gateway.mode"))
}

func TestInitializeConfigMissingExplicitFileFails(t *testing.T) {
	resetCmdState(t)
	cfgFile = filepath.Join(t.TempDir(), "nope.yaml")

	err := initializeConfig()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}

func TestVersionCommandOutput(t *testing.T) {
	var out bytes.Buffer
	cmd := newVersionCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})

	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "veriflow "+Version)
	assert.Contains(t, out.String(), "commit")
}
