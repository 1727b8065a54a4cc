package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/corvalhq/corval/internal/plugins"
)

func newPluginCmd(env *cliEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugin",
		Short: "Inspect plugins before installing them",
	}
	cmd.AddCommand(newPluginValidateCmd(env))
	return cmd
}

func newPluginValidateCmd(env *cliEnv) *cobra.Command {
	var manifestPath string

	cmd := &cobra.Command{
		Use:   "validate <source.go>",
		Short: "Check a plugin manifest and compile the source in the sandbox",
		Long: "Validates the manifest against the naming, capability, and hook rules, then\n" +
			"compile-checks the plugin source inside the sandbox interpreter. The manifest\n" +
			"defaults to manifest.json next to the source file.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sourcePath := args[0]
			source, err := os.ReadFile(sourcePath)
			if err != nil {
				return fmt.Errorf("read plugin source: %w", err)
			}

			if strings.TrimSpace(manifestPath) == "" {
				manifestPath = filepath.Join(filepath.Dir(sourcePath), "manifest.json")
			}
			rawManifest, err := os.ReadFile(manifestPath)
			if err != nil {
				return fmt.Errorf("read plugin manifest: %w", err)
			}

			manifest, err := plugins.ParseManifest(rawManifest)
			if err != nil {
				return fmt.Errorf("manifest invalid: %w", err)
			}

			cfg, err := env.loadConfig()
			if err != nil {
				return err
			}

			executor := plugins.NewExecutor(plugins.ExecutorConfig{
				Timeout:        cfg.Plugins.Timeout,
				MaxSourceBytes: cfg.Plugins.MaxSourceBytes,
			})

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if err := executor.Compile(ctx, string(source), manifest.Entrypoint); err != nil {
				return fmt.Errorf("source rejected: %w", err)
			}

			cmd.Printf("plugin %s %s is valid\n", manifest.Name, manifest.Version)
			if len(manifest.Hooks) > 0 {
				cmd.Printf("hooks: %s\n", strings.Join(manifest.Hooks, ", "))
			}
			if len(manifest.Capabilities) > 0 {
				cmd.Printf("capabilities: %s\n", strings.Join(manifest.Capabilities, ", "))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&manifestPath, "manifest", "", "Path to the manifest (default: manifest.json next to the source)")

	return cmd
}
