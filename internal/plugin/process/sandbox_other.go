//go:build !linux

package process

import (
	"log/slog"
	"os/exec"
	"runtime"
)

// applyProcessSandbox restricts the plugin environment. Orphan protection is
// only available on Linux.
func applyProcessSandbox(cmd *exec.Cmd, pluginName string, accessors []string, logger *slog.Logger) {
	logger.Debug("process parent-death signal not available", "os", runtime.GOOS, "plugin", pluginName)
	cmd.Env = buildPluginEnv(pluginName, accessors)
}
