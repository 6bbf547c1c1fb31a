package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/goatkit/walletplug/internal/plugin"
)

func (c *cli) newListCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List installed plugins and their state for a profile",
		Example: `  walletplug list --profile alice
  walletplug list --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withHost(cmd.Context(), nil, func(h *host) error {
				p, err := h.prepare(cmd.Context(), c.profileID)
				if err != nil {
					return err
				}
				ctrls := h.manager.Plugins().All()
				if asJSON {
					type row struct {
						Name    string       `json:"name"`
						Version string       `json:"version"`
						Runtime string       `json:"runtime"`
						State   plugin.State `json:"state"`
						Enabled bool         `json:"enabled"`
						AutoRun bool         `json:"autoRun"`
					}
					rows := make([]row, 0, len(ctrls))
					for _, ctrl := range ctrls {
						m := ctrl.Config()
						rows = append(rows, row{m.Name, m.Version, m.RuntimeOrDefault(), ctrl.State(), ctrl.IsEnabled(p), ctrl.AutoRun(p)})
					}
					enc := json.NewEncoder(c.out)
					enc.SetIndent("", "  ")
					return enc.Encode(rows)
				}

				if len(ctrls) == 0 {
					fmt.Fprintf(c.out, "No plugins installed for profile %q\n", p.ID())
					return nil
				}
				w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tVERSION\tRUNTIME\tPERMISSIONS\tENABLED\tAUTORUN")
				for _, ctrl := range ctrls {
					m := ctrl.Config()
					perms := make([]string, 0, len(m.Permissions))
					for _, perm := range m.Permissions {
						perms = append(perms, string(perm))
					}
					enabled := color.New(color.FgHiBlack).Sprint("no")
					if ctrl.IsEnabled(p) {
						enabled = color.GreenString("yes")
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\n",
						m.Name, m.Version, m.RuntimeOrDefault(), strings.Join(perms, ","), enabled, ctrl.AutoRun(p))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func (c *cli) newEnableCmd() *cobra.Command {
	var autoRun bool
	cmd := &cobra.Command{
		Use:   "enable NAME",
		Short: "Enable a plugin for a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withHost(cmd.Context(), nil, func(h *host) error {
				p, err := h.prepare(cmd.Context(), c.profileID)
				if err != nil {
					return err
				}
				if err := h.manager.EnablePlugin(cmd.Context(), p, args[0], autoRun); err != nil {
					return err
				}
				fmt.Fprintf(c.out, "%s Enabled %s for %s\n", color.GreenString("✓"), args[0], p.ID())
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&autoRun, "auto-run", false, "run the plugin whenever the profile is activated")
	return cmd
}

func (c *cli) newDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable NAME",
		Short: "Disable a plugin for a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withHost(cmd.Context(), nil, func(h *host) error {
				p, err := h.prepare(cmd.Context(), c.profileID)
				if err != nil {
					return err
				}
				if err := h.manager.DisablePlugin(cmd.Context(), p, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(c.out, "%s Disabled %s for %s\n", color.GreenString("✓"), args[0], p.ID())
				return nil
			})
		},
	}
}

func (c *cli) newRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove NAME",
		Short: "Uninstall a plugin from a profile",
		Long: `Disable the plugin for the profile and delete the profile's copy of
its directory.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withHost(cmd.Context(), nil, func(h *host) error {
				p, err := h.prepare(cmd.Context(), c.profileID)
				if err != nil {
					return err
				}
				// Other profiles may still have it installed or enabled.
				for _, other := range h.profiles.List() {
					if other.ID() != p.ID() {
						if err := h.manager.PrepareProfile(cmd.Context(), other); err != nil {
							return err
						}
					}
				}
				if err := h.manager.Plugins().RemoveByID(cmd.Context(), args[0], p); err != nil {
					return err
				}
				if _, kept := h.manager.Plugins().FindByID(args[0]); kept {
					fmt.Fprintf(c.out, "Removed %s from %s (still used by other profiles)\n", args[0], p.ID())
				} else {
					fmt.Fprintf(c.out, "%s Removed %s\n", color.GreenString("✓"), args[0])
				}
				return nil
			})
		},
	}
}

func (c *cli) newRunCmd() *cobra.Command {
	var (
		command string
		rawArgs string
	)
	cmd := &cobra.Command{
		Use:   "run [NAME]",
		Short: "Run one plugin, or every enabled plugin of the profile",
		Example: `  walletplug run --profile alice
  walletplug run hello --command hello --args '["Satoshi"]'`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return c.withHost(ctx, nil, func(h *host) error {
				p, err := h.prepare(ctx, c.profileID)
				if err != nil {
					return err
				}
				if len(args) == 0 {
					failures, err := h.manager.ActivateProfile(ctx, p)
					if err != nil {
						return err
					}
					for name, ferr := range failures {
						fmt.Fprintf(c.out, "%s %s: %v\n", color.RedString("✗"), name, ferr)
					}
					fmt.Fprintf(c.out, "Ran %d plugin(s) for %s, %d failed\n",
						len(h.manager.Plugins().Enabled(p)), p.ID(), len(failures))
					if len(failures) > 0 {
						return fmt.Errorf("%d plugin(s) failed", len(failures))
					}
					return nil
				}

				name := args[0]
				h.manager.SwitchProfile(p)
				if err := h.manager.RunPlugin(ctx, p, name); err != nil {
					return err
				}
				if command == "" {
					fmt.Fprintf(c.out, "%s Ran %s\n", color.GreenString("✓"), name)
					return nil
				}
				var cmdArgs []any
				if rawArgs != "" {
					if err := json.Unmarshal([]byte(rawArgs), &cmdArgs); err != nil {
						return fmt.Errorf("--args must be a JSON array: %w", err)
					}
				}
				ctrl, _ := h.manager.Plugins().FindByID(name)
				result, err := ctrl.Hooks().ExecuteCommand(command, cmdArgs...)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(c.out)
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			})
		},
	}
	cmd.Flags().StringVar(&command, "command", "", "command to execute after the run")
	cmd.Flags().StringVar(&rawArgs, "args", "", "JSON array of command arguments")
	return cmd
}
