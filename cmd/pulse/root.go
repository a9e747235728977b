package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/socialpulse/pulse/engine/config"
)

type globals struct {
	configPath string
	logLevel   string
	logFormat  string
	envFiles   []string

	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "pulse",
		Short:         "Social media collection and enrichment pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := config.LoadEnvFiles(g.envFiles...); err != nil {
				return err
			}
			logger, err := newLogger(cmd.ErrOrStderr(), g.logLevel, g.logFormat)
			if err != nil {
				return err
			}
			g.logger = logger
			slog.SetDefault(logger)
			return nil
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&g.configPath, "config", os.Getenv("PULSE_CONFIG"), "YAML config file ($PULSE_CONFIG)")
	f.StringVar(&g.logLevel, "log-level", "info", "log level: debug|info|warn|error")
	f.StringVar(&g.logFormat, "log-format", "json", "log format: json|text")
	f.StringSliceVar(&g.envFiles, "env-file", []string{".env"}, ".env files to load before reading the environment")

	root.AddCommand(
		newServeCmd(g),
		newCollectCmd(g),
		newProcessCmd(g),
		newStatusCmd(g),
		newMigrateCmd(g),
	)
	return root
}

func (g *globals) settings() (config.Settings, error) {
	return config.Load(g.configPath)
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return lvl, nil
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "json", "":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}
