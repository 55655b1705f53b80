package main

import (
	"log/slog"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/acmsl/licdata-artifact/internal/config"
)

// app carries what every subcommand needs once flags are parsed.
type app struct {
	cfgFile string
	cfg     *config.Config
	logger  *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "licdata-artifact",
		Short:         "Build and publish licdata images through event-driven sagas",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
	}
	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "",
		"config file (yaml, json or toml); LICDATA_* variables override it")

	root.AddCommand(
		newServeCmd(a),
		newRequestImageCmd(a),
		newRequestPushCmd(a),
		newProvideCredentialCmd(a),
		newHistoryCmd(a),
		newSagasCmd(a),
	)
	return root
}

func (a *app) init() error {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = log.InfoLevel
	}
	handler := log.NewWithOptions(os.Stderr, log.Options{
		Prefix:          "licdata-artifact",
		ReportTimestamp: true,
		Level:           level,
	})
	a.logger = slog.New(handler)
	slog.SetDefault(a.logger)
	return nil
}
