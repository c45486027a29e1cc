package cmd

import (
	"testing"

	"github.com/spf13/viper"

	"github.com/caduceuslabs/veriflow/internal/config"
	"github.com/caduceuslabs/veriflow/internal/observability"
)

// resetCmdState clears the shared viper and logger state between tests. The
// config name is pointed at a file that cannot exist so tests never pick up a
// developer's local config.yaml.
func resetCmdState(t *testing.T) {
	t.Helper()

	viper.Reset()
	viper.SetConfigName("veriflow-test-config-that-does-not-exist")
	cfgFile = ""
	observability.ResetForTest()

	t.Cleanup(func() {
		viper.Reset()
		cfgFile = ""
		observability.ResetForTest()
	})
}

// seedDefaults loads the production defaults into the global viper.
func seedDefaults(t *testing.T) {
	t.Helper()
	config.SetDefaults(viper.GetViper())
}
