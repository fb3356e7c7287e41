package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/pretty"

	"github.com/dshills/plughost/internal/plugin"
)

// pluginView is the printable form of one plugin.
type pluginView struct {
	ID           string   `json:"plugin_id"`
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	State        string   `json:"state,omitempty"`
	EntryPoint   string   `json:"entry_point,omitempty"`
	Dependencies []string `json:"dependencies"`
	Permissions  []string `json:"permissions"`
	Modules      []string `json:"modules,omitempty"`
	Budget       *budget  `json:"budget,omitempty"`
	LoadTime     string   `json:"load_time,omitempty"`
	Error        string   `json:"error,omitempty"`
}

type budget struct {
	MaxMemoryMB           int    `json:"max_memory_mb"`
	MaxCPUTime            string `json:"max_cpu_time"`
	MaxFileHandles        int    `json:"max_file_handles"`
	MaxNetworkConnections int    `json:"max_network_connections"`
}

func descriptorView(d *plugin.Descriptor) pluginView {
	return pluginView{
		ID:           d.ID,
		Name:         d.Name,
		Version:      d.Version,
		EntryPoint:   d.EntryPoint,
		Dependencies: d.Dependencies,
		Permissions:  d.Permissions,
	}
}

func infoView(info plugin.PluginInfo) pluginView {
	v := pluginView{ID: info.ID, State: info.State.String()}
	if info.Descriptor != nil {
		v = descriptorView(info.Descriptor)
		v.State = info.State.String()
	}
	if info.Error != nil {
		v.Error = info.Error.Error()
	}
	if info.State.IsUsable() {
		v.Permissions = info.Permissions
		v.Modules = info.Modules
		v.Budget = &budget{
			MaxMemoryMB:           info.Budget.MaxMemoryMB,
			MaxCPUTime:            info.Budget.MaxCPUTime.String(),
			MaxFileHandles:        info.Budget.MaxFileHandles,
			MaxNetworkConnections: info.Budget.MaxNetworkConnections,
		}
		if !info.LoadTime.IsZero() {
			v.LoadTime = info.LoadTime.Format(time.RFC3339)
		}
	}
	return v
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(pretty.Pretty(data))
	return err
}

func newDiscoverCmd(g *globalFlags) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List plugins found under the plugin roots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := g.newApp(cmd, nil)
			if err != nil {
				return err
			}
			defer a.Shutdown()

			found, err := a.Manager().Discover()
			if err != nil {
				return err
			}
			ids := make([]string, 0, len(found))
			for id := range found {
				ids = append(ids, id)
			}
			sort.Strings(ids)

			views := make([]pluginView, 0, len(ids))
			for _, id := range ids {
				views = append(views, descriptorView(found[id]))
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, views)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tVERSION\tDEPENDENCIES\tENTRY POINT")
			for _, v := range views {
				deps := strings.Join(v.Dependencies, ",")
				if deps == "" {
					deps = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", v.ID, v.Version, deps, v.EntryPoint)
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			errs := a.Manager().Loader().Errors()
			dirs := make([]string, 0, len(errs))
			for dir := range errs {
				dirs = append(dirs, dir)
			}
			sort.Strings(dirs)
			for _, dir := range dirs {
				fmt.Fprintf(cmd.ErrOrStderr(), "skipped %s: %v\n", dir, errs[dir])
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newDepsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "deps <plugin-id>",
		Short: "Print the dependency load order of a plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.newApp(cmd, nil)
			if err != nil {
				return err
			}
			defer a.Shutdown()

			if _, err := a.Manager().Discover(); err != nil {
				return err
			}
			order, err := a.Manager().LoadOrder(args[0])
			if err != nil {
				return err
			}
			for i, id := range order {
				fmt.Fprintf(cmd.OutOrStdout(), "%d. %s\n", i+1, id)
			}
			return nil
		},
	}
}

func newLoadCmd(g *globalFlags) *cobra.Command {
	var (
		activate bool
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "load <plugin-id>...",
		Short: "Load plugins with their dependencies and report their state",
		Long: `Load each named plugin together with its dependencies, optionally
activate it, print what the sandbox was configured with, then unload
everything again. Use it to check a plugin before deploying it.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.newApp(cmd, nil)
			if err != nil {
				return err
			}
			defer a.Shutdown()

			ctx := cmd.Context()
			m := a.Manager()
			if _, err := m.Discover(); err != nil {
				return err
			}

			var failed []string
			for _, id := range args {
				err := m.Load(ctx, id)
				if err == nil && activate {
					err = m.Activate(ctx, id)
				}
				if err != nil {
					failed = append(failed, id)
				}
			}

			views := make([]pluginView, 0, len(args))
			for _, id := range args {
				info, ok := m.Info(id)
				if !ok {
					views = append(views, pluginView{ID: id, State: plugin.StateUnknown.String(), Error: plugin.ErrPluginNotFound.Error()})
					continue
				}
				views = append(views, infoView(info))
			}

			out := cmd.OutOrStdout()
			if asJSON {
				if err := writeJSON(out, views); err != nil {
					return err
				}
			} else {
				for _, v := range views {
					printView(out, v)
				}
			}

			if len(failed) > 0 {
				return fmt.Errorf("%d of %d plugins failed: %s", len(failed), len(args), strings.Join(failed, ", "))
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&activate, "activate", "a", false, "Activate after loading")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func printView(w io.Writer, v pluginView) {
	fmt.Fprintf(w, "%s (%s)\n", v.ID, v.State)
	if v.Version != "" {
		fmt.Fprintf(w, "  version:     %s\n", v.Version)
	}
	if v.EntryPoint != "" {
		fmt.Fprintf(w, "  entry point: %s\n", v.EntryPoint)
	}
	if len(v.Permissions) > 0 {
		fmt.Fprintf(w, "  permissions: %s\n", strings.Join(v.Permissions, ", "))
	}
	if len(v.Modules) > 0 {
		fmt.Fprintf(w, "  modules:     %s\n", strings.Join(v.Modules, ", "))
	}
	if v.Budget != nil {
		fmt.Fprintf(w, "  budget:      %d MB, %s, %d handles, %d connections\n",
			v.Budget.MaxMemoryMB, v.Budget.MaxCPUTime, v.Budget.MaxFileHandles, v.Budget.MaxNetworkConnections)
	}
	if v.Error != "" {
		fmt.Fprintf(w, "  error:       %s\n", v.Error)
	}
}

func newRunCmd(g *globalFlags) *cobra.Command {
	var (
		watch       bool
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load and activate every plugin and keep them running",
		Long: `Load and activate every discovered plugin, then keep running until
interrupted. With --watch, a changed plugin directory reloads that plugin.
With --metrics-addr, prometheus metrics are served at /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			extra := make(map[string]any)
			if cmd.Flags().Changed("watch") {
				extra["watch"] = watch
			}
			if cmd.Flags().Changed("metrics-addr") {
				extra["metrics_addr"] = metricsAddr
			}

			a, err := g.newApp(cmd, extra)
			if err != nil {
				return err
			}
			return a.Run(cmd.Context())
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Reload plugins when their files change")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address")
	return cmd
}
