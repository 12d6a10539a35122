// Package cli implements the pullci command line.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"pullci/internal/config"
	"pullci/internal/core"
	"pullci/internal/handlers"
)

// ErrRunFailed is returned when a local run finishes with a failed step.
var ErrRunFailed = errors.New("pipeline run failed")

type rootFlags struct {
	ConfigPath string
}

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	rf := &rootFlags{}
	rootCmd := &cobra.Command{
		Use:           "pullci",
		Short:         "Event-triggered declarative pipeline executor",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&rf.ConfigPath, "config", os.Getenv("PULLCI_CONFIG"), "Config file (defaults to PULLCI_CONFIG)")

	rootCmd.AddCommand(serveCmd(rf))
	rootCmd.AddCommand(validateCmd(rf))
	rootCmd.AddCommand(runCmd(rf))
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(dbCmd(rf))
	return rootCmd
}

func (rf *rootFlags) load() (config.Config, error) {
	cfg, err := config.Load(rf.ConfigPath)
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newRegistry registers the built-in handlers configured from cfg.
func newRegistry(cfg config.Config, runner handlers.CommandRunner) (*core.Registry, error) {
	reg := core.NewRegistry()
	err := handlers.RegisterBuiltins(reg, handlers.Deps{
		Runner:           runner,
		Upload:           cfg.Upload,
		ToolchainInstall: cfg.Toolchain.Install,
		ComponentAdd:     cfg.Toolchain.ComponentAdd,
	})
	if err != nil {
		return nil, err
	}
	return reg, nil
}

// loadPipelines loads path and checks every step names a registered handler.
func loadPipelines(path string, reg *core.Registry) ([]*core.Pipeline, error) {
	ps, err := core.Load(path)
	if err != nil {
		return nil, err
	}
	if err := core.ValidateHandlers(ps, reg); err != nil {
		return nil, err
	}
	return ps, nil
}
