package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caffeineduck/pyedit/internal/pypi"
	"github.com/spf13/cobra"
)

var depsCmd = &cobra.Command{
	Use:   "deps",
	Short: "Manage Python packages and the interpreter binary",
	Long: `Install and manage Python packages available to the interpreter.

Packages are downloaded directly from PyPI (no pip required) into the
packages directory, which is mounted at /packages in the guest.
Only pure Python wheels are supported - packages with C extensions won't work.`,
}

var depsInstallCmd = &cobra.Command{
	Use:   "install [packages...]",
	Short: "Install packages from PyPI",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDepsInstall,
}

var depsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed packages",
	Args:  cobra.NoArgs,
	RunE:  runDepsList,
}

var depsRemoveCmd = &cobra.Command{
	Use:   "remove [packages...]",
	Short: "Remove packages",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDepsRemove,
}

var depsRuntimeCmd = &cobra.Command{
	Use:   "runtime <url>",
	Short: "Download the Python WASM binary",
	Long: `Download the Python WASM binary to the --wasm path (default python.wasm).
An existing file is kept unless --force is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runDepsRuntime,
}

func init() {
	depsRuntimeCmd.Flags().Bool("force", false, "Replace an existing binary")

	depsCmd.AddCommand(depsInstallCmd, depsListCmd, depsRemoveCmd, depsRuntimeCmd)
	rootCmd.AddCommand(depsCmd)
}

// depsInstaller builds an installer without starting a runtime.
func depsInstaller(cmd *cobra.Command) (*pypi.Installer, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	in := pypi.NewInstaller(cfg.PackagesDir(), nil)
	if cfg.PyPIIndex != "" {
		in.IndexURL = cfg.PyPIIndex
	}
	return in, nil
}

func runDepsInstall(cmd *cobra.Command, args []string) error {
	in, err := depsInstaller(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, spec := range args {
		name, _ := pypi.ParseSpec(spec)
		if reason, blocked := pypi.Blocked(name); blocked {
			return fmt.Errorf("%s is not supported in WASM (%s)", name, reason)
		}
		fmt.Fprintf(out, "Installing %s...\n", spec)
		if err := in.Install(cmd.Context(), spec); err != nil {
			return fmt.Errorf("installing %s: %w", name, err)
		}
	}
	fmt.Fprintln(out, "Done.")
	return nil
}

func runDepsList(cmd *cobra.Command, args []string) error {
	in, err := depsInstaller(cmd)
	if err != nil {
		return err
	}
	names, err := in.List()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(names) == 0 {
		fmt.Fprintf(out, "No packages installed in %s\n", in.Dir)
		return nil
	}
	for _, name := range names {
		fmt.Fprintln(out, name)
	}
	return nil
}

func runDepsRemove(cmd *cobra.Command, args []string) error {
	in, err := depsInstaller(cmd)
	if err != nil {
		return err
	}
	for _, name := range args {
		if err := in.Remove(name); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", name)
	}
	return nil
}

func runDepsRuntime(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	force, _ := cmd.Flags().GetBool("force")
	dest := cfg.Wasm

	if _, err := os.Stat(dest); err == nil && !force {
		fmt.Fprintf(cmd.OutOrStdout(), "%s already exists\n", dest)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create runtime dir: %w", err)
	}

	in := pypi.NewInstaller(cfg.PackagesDir(), nil)
	if err := in.Download(cmd.Context(), args[0], dest); err != nil {
		return fmt.Errorf("downloading runtime: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Saved %s\n", dest)
	return nil
}
