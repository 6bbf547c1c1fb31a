package process

import (
	"os"
	"path/filepath"
	"slices"

	pkgplugin "github.com/goatkit/walletplug/pkg/plugin"
)

// buildPluginEnv creates a minimal environment for the plugin process so host
// secrets (store DSNs, signing keys) never leak into it.
func buildPluginEnv(pluginName string, accessors []string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
	}

	tmpDir := filepath.Join(os.TempDir(), "walletplug-"+pluginName)
	if err := os.MkdirAll(tmpDir, 0o700); err == nil {
		env = append(env, "HOME="+tmpDir, "TMPDIR="+tmpDir)
	} else {
		env = append(env, "HOME="+os.TempDir(), "TMPDIR="+os.TempDir())
	}

	if tz := os.Getenv("TZ"); tz != "" {
		env = append(env, "TZ="+tz)
	}

	// Network goes through the host; compliant plugins check this.
	if !slices.Contains(accessors, pkgplugin.AccessorHTTP) {
		env = append(env, "WALLETPLUG_NO_NETWORK=1")
	}
	return env
}
