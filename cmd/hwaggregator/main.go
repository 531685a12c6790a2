package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kernelci/hwaggregator/pkg/config"
)

var (
	// Version information set at build time.
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
	log       *logrus.Logger
)

func main() {
	// Command output goes to stdout, logs stay on stderr.
	log = logrus.New()
	log.SetOutput(os.Stderr)

	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Fatal("hwaggregator failed")
	}
}

func newFormatter(format string) (logrus.Formatter, error) {
	switch format {
	case "text":
		return &logrus.TextFormatter{FullTimestamp: true}, nil
	case "json":
		return &logrus.JSONFormatter{}, nil
	default:
		return nil, fmt.Errorf("unknown log format %q (want text or json)", format)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hwaggregator",
	Short: "Incremental KernelCI hardware status aggregator",
	Long: `hwaggregator maintains per (origin, platform, checkout) pass/fail/incomplete
counters from raw KCIDB checkouts, builds and tests. Entities whose parents
have not arrived yet wait in a pending queue and are aggregated once they
resolve; a processed-entity ledger guarantees nothing is counted twice.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		formatter, err := newFormatter(logFormat)
		if err != nil {
			return err
		}

		log.SetFormatter(formatter)

		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("bad --log-level %q: %w", logLevel, err)
		}

		log.SetLevel(level)

		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "hwaggregator %s (commit %s, built %s)\n",
			version, commit, date)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "YAML config file (HWAGG_* env vars override it)")
	flags.StringVar(&logLevel, "log-level", config.DefaultLogLevel,
		"log level ("+strings.Join(levelNames(), ", ")+")")
	flags.StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	rootCmd.AddCommand(versionCmd)
}

func levelNames() []string {
	names := make([]string, len(logrus.AllLevels))
	for i, l := range logrus.AllLevels {
		names[i] = l.String()
	}

	return names
}

// loadConfig reads the optional config file. The config's log level applies
// unless --log-level was given explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if !cmd.Flags().Changed("log-level") {
		level, err := logrus.ParseLevel(cfg.Global.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid global.log_level %q: %w", cfg.Global.LogLevel, err)
		}

		log.SetLevel(level)
	}

	return cfg, nil
}
