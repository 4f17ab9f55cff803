package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/luddite-os/installer/internal/appstore"
	"github.com/luddite-os/installer/internal/catalog"
	"github.com/luddite-os/installer/internal/config"
	"github.com/luddite-os/installer/internal/logging"
	"github.com/luddite-os/installer/internal/server"
)

var (
	version      = "0.1.0"
	cfgFile      string
	outputFormat string
	dryRun       bool
	listenAddr   string
	force        bool
	clearConsole bool
)

var rootCmd = &cobra.Command{
	Use:           "luddite-installer",
	Short:         "Luddite package installer",
	Long:          `luddite-installer browses the Luddite package catalog and downloads and installs packages from it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "List the packages in the remote catalog",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), appOptions{}, func(ctx context.Context, a *app) error {
			snap, err := a.store.Refresh(ctx)
			if err != nil {
				return err
			}
			return catalog.Render(cmd.OutOrStdout(), snap, outputFormat)
		})
	},
}

var installCmd = &cobra.Command{
	Use:   "install <name|objectName>",
	Short: "Download a package and launch its install",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), appOptions{dryRun: dryRun, console: true, clear: clearConsole, out: cmd.OutOrStdout()}, func(ctx context.Context, a *app) error {
			return installByName(ctx, cmd.OutOrStdout(), a, args[0])
		})
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the catalog, install API and event stream over HTTP",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		lines := logging.NewBroadcaster()
		return withApp(cmd.Context(), appOptions{lines: lines}, func(ctx context.Context, a *app) error {
			addr := a.cfg.ListenAddr
			if listenAddr != "" {
				addr = listenAddr
			}
			srv := server.New(server.Config{Addr: addr, Store: a.store, Lines: lines, Version: version})
			return srv.ListenAndServe(ctx)
		})
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or create configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets redacted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(cfg.Redacted())
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the default settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.Path(cfgFile)
		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.SaveTo(config.Default(), cfgFile); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Config written to %s\n", path)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "luddite-installer v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is installer.yaml in the user config dir)")

	catalogCmd.Flags().StringVarP(&outputFormat, "output", "o", catalog.FormatTable, "output format: table, json or yaml")
	installCmd.Flags().BoolVar(&dryRun, "dry-run", false, "download only and log the install instead of launching it")
	installCmd.Flags().BoolVar(&clearConsole, "clear", false, "clear the console before the install starts")
	configInitCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (overrides listen_addr)")

	configCmd.AddCommand(configShowCmd, configInitCmd)
	rootCmd.AddCommand(catalogCmd, installCmd, serveCmd, configCmd, versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func installByName(ctx context.Context, out io.Writer, a *app, key string) error {
	snap, err := a.store.Refresh(ctx)
	if err != nil {
		return err
	}
	pkg, ok := snap.Lookup(key)
	if !ok {
		return fmt.Errorf("no catalog entry named %q", key)
	}

	rep, err := a.store.Install(ctx, pkg)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return errors.New("install cancelled")
		}
		return err
	}
	if rep.Result != appstore.ResultSuccess {
		return fmt.Errorf("install of %s failed: %s", pkg.Name, rep.Reason)
	}
	fmt.Fprintf(out, "%s %s: install launched (%s)\n", pkg.Name, pkg.Version, rep.ArtifactPath)
	if rep.LaunchWarning != "" {
		fmt.Fprintf(out, "warning: %s\n", rep.LaunchWarning)
	}
	return nil
}
