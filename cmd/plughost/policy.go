package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/plughost/internal/plugin"
	"github.com/dshills/plughost/internal/plugin/policystore"
	"github.com/dshills/plughost/internal/plugin/security"
)

var errNoPolicyDB = errors.New("no policy database configured (set policy_db or --policy-db)")

// withStore opens the configured policy store for the duration of fn.
func (g *globalFlags) withStore(cmd *cobra.Command, fn func(ctx context.Context, s *policystore.Store) error) error {
	cfg, err := g.loadConfig(cmd, nil)
	if err != nil {
		return err
	}
	if cfg.PolicyDB == "" {
		return errNoPolicyDB
	}
	s, err := policystore.Open(cfg.PolicyDB)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(cmd.Context(), s)
}

func newPolicyCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage persisted per-plugin policy overrides",
		Long: `Overrides are applied when a plugin is loaded, on top of the
permissions its manifest requests and the default budget.

Examples:
  plughost policy grant my-plugin file_read
  plughost policy revoke my-plugin network
  plughost policy allow my-plugin os
  plughost policy budget my-plugin --preset strict --max-file-handles 4
  plughost policy disable my-plugin
  plughost policy show`,
	}

	cmd.AddCommand(
		newPolicyShowCmd(g),
		permissionCmd(g, "grant", "Grant permissions to a plugin", (*policystore.Store).Grant),
		permissionCmd(g, "revoke", "Revoke permissions from a plugin", (*policystore.Store).Revoke),
		permissionCmd(g, "clear", "Drop permission overrides of a plugin", (*policystore.Store).ClearPermission),
		moduleCmd(g, "allow", "Allow a plugin to import modules", (*policystore.Store).AllowModule),
		moduleCmd(g, "disallow", "Remove modules from a plugin's allow-list", (*policystore.Store).DisallowModule),
		newPolicyBudgetCmd(g),
		disabledCmd(g, "disable", "Refuse to load a plugin", true),
		disabledCmd(g, "enable", "Allow a disabled plugin to load again", false),
		newPolicyResetCmd(g),
	)
	return cmd
}

func newPolicyShowCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show [plugin-id]",
		Short: "Show overrides for one plugin or every plugin with overrides",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withStore(cmd, func(ctx context.Context, s *policystore.Store) error {
				ids := args
				if len(ids) == 0 {
					var err error
					if ids, err = s.Plugins(ctx); err != nil {
						return err
					}
				}
				out := cmd.OutOrStdout()
				if len(ids) == 0 {
					fmt.Fprintln(out, "no overrides")
					return nil
				}
				for _, id := range ids {
					p, err := s.Policy(ctx, id)
					if err != nil {
						return err
					}
					printPolicy(out, id, p)
				}
				return nil
			})
		},
	}
}

func printPolicy(w io.Writer, id string, p plugin.Policy) {
	fmt.Fprintf(w, "%s\n", id)
	if p.Disabled {
		fmt.Fprintln(w, "  disabled")
	}
	if len(p.Granted) > 0 {
		fmt.Fprintf(w, "  granted:  %s\n", strings.Join(p.Granted, ", "))
	}
	if len(p.Revoked) > 0 {
		fmt.Fprintf(w, "  revoked:  %s\n", strings.Join(p.Revoked, ", "))
	}
	if len(p.Allowed) > 0 {
		fmt.Fprintf(w, "  modules:  %s\n", strings.Join(p.Allowed, ", "))
	}
	if p.Budget != nil {
		fmt.Fprintf(w, "  budget:   %d MB, %s, %d handles, %d connections\n",
			p.Budget.MaxMemoryMB, p.Budget.MaxCPUTime, p.Budget.MaxFileHandles, p.Budget.MaxNetworkConnections)
	}
}

func permissionCmd(g *globalFlags, use, short string, op func(*policystore.Store, context.Context, string, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <plugin-id> <permission>...",
		Short: short,
		Long:  short + ".\n\nPermissions: " + strings.Join(permissionNames(), ", "),
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withStore(cmd, func(ctx context.Context, s *policystore.Store) error {
				for _, perm := range args[1:] {
					if err := op(s, ctx, args[0], perm); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func permissionNames() []string {
	catalog := security.Catalog()
	names := make([]string, len(catalog))
	for i, p := range catalog {
		names[i] = p.Name
	}
	return names
}

func moduleCmd(g *globalFlags, use, short string, op func(*policystore.Store, context.Context, string, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <plugin-id> <module>...",
		Short: short,
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withStore(cmd, func(ctx context.Context, s *policystore.Store) error {
				for _, mod := range args[1:] {
					if err := op(s, ctx, args[0], mod); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func disabledCmd(g *globalFlags, use, short string, disabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <plugin-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withStore(cmd, func(ctx context.Context, s *policystore.Store) error {
				return s.SetDisabled(ctx, args[0], disabled)
			})
		},
	}
}

func newPolicyResetCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <plugin-id>",
		Short: "Drop every override of a plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withStore(cmd, func(ctx context.Context, s *policystore.Store) error {
				return s.Reset(ctx, args[0])
			})
		},
	}
}

func newPolicyBudgetCmd(g *globalFlags) *cobra.Command {
	var (
		preset      string
		memoryMB    int
		cpuTime     time.Duration
		handles     int
		connections int
		drop        bool
	)

	cmd := &cobra.Command{
		Use:   "budget <plugin-id>",
		Short: "Set or clear a plugin's resource budget",
		Long: `Set a plugin's resource budget. The budget starts from --preset
(default, strict or relaxed) and individual flags override its fields.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withStore(cmd, func(ctx context.Context, s *policystore.Store) error {
				if drop {
					return s.ClearBudget(ctx, args[0])
				}

				b, ok := security.BudgetByName(preset)
				if !ok {
					return fmt.Errorf("unknown budget preset %q", preset)
				}
				flags := cmd.Flags()
				if flags.Changed("max-memory-mb") {
					b.MaxMemoryMB = memoryMB
				}
				if flags.Changed("max-cpu-time") {
					b.MaxCPUTime = cpuTime
				}
				if flags.Changed("max-file-handles") {
					b.MaxFileHandles = handles
				}
				if flags.Changed("max-network-connections") {
					b.MaxNetworkConnections = connections
				}
				return s.SetBudget(ctx, args[0], b)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&preset, "preset", "default", "Starting budget (default, strict, relaxed)")
	f.IntVar(&memoryMB, "max-memory-mb", 0, "Memory ceiling in MB (WASM only)")
	f.DurationVar(&cpuTime, "max-cpu-time", 0, "Deadline for each guest call")
	f.IntVar(&handles, "max-file-handles", 0, "Open file handle ceiling")
	f.IntVar(&connections, "max-network-connections", 0, "Declared network connection ceiling")
	f.BoolVar(&drop, "clear", false, "Remove the budget override")
	return cmd
}
