package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/aixgo-dev/genorch/internal/logging"
	"github.com/aixgo-dev/genorch/pkg/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// cli carries the state every subcommand shares. It is filled in by the
// root command's pre-run hook.
type cli struct {
	configPath string
	envFile    string
	logLevel   string

	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "genorch",
		Short:         "Credit-metered generation orchestrator",
		Long:          "genorch admits generation requests against a credit ledger, grounds them in retrieved design patterns, runs the model and tool loop, and settles the ledger.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load(cmd.Annotations[annotationLogOutput])
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&c.configPath, "config", "c", os.Getenv("GENORCH_CONFIG"), "configuration file (YAML)")
	flags.StringVar(&c.envFile, "env-file", ".env", "dotenv file loaded before the configuration; missing files are ignored")
	flags.StringVar(&c.logLevel, "log-level", "", "override logging.level")

	root.AddCommand(
		newServeCmd(c),
		newGenerateCmd(c),
		newReplCmd(c),
		newBalanceCmd(c),
		newSeedCmd(c),
		newModelsCmd(c),
		newConfigCmd(c),
		newVersionCmd(),
	)
	return root
}

// annotationLogOutput lets a command choose the log sink. Commands that
// print results on stdout log to stderr by default.
const annotationLogOutput = "genorch/log-output"

func (c *cli) load(output string) error {
	if c.envFile != "" {
		if err := godotenv.Load(c.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", c.envFile, err)
		}
	}

	cfg, err := config.LoadConfig(c.configPath)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.Logging.Level = c.logLevel
	}

	if output == "" {
		output = "stderr"
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, output)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.logger = logger
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		// Needs no configuration.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), Version)
			return err
		},
	}
}
