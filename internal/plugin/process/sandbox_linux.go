//go:build linux

package process

import (
	"log/slog"
	"os/exec"
	"syscall"
)

// applyProcessSandbox applies OS-level restrictions to the plugin command.
func applyProcessSandbox(cmd *exec.Cmd, pluginName string, accessors []string, logger *slog.Logger) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		// Plugin dies when host dies - prevent orphaned processes
		Pdeathsig: syscall.SIGKILL,
	}
	cmd.Env = buildPluginEnv(pluginName, accessors)
}
