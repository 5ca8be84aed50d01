// Command hall-sensor reads Hall-effect key switches through an ADC and
// reports key positions to MQTT, a web page and an optional virtual keyboard.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sweeney/hall-sensor/internal/config"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	broker     string
	httpAddr   string
	driver     string
	policy     string
	logLevel   string
	store      string
}

func main() {
	if err := newRootCmd(&globalFlags{}).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(gf *globalFlags) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "hall-sensor",
		Short: "Hall-effect key switch daemon",
		Long: `hall-sensor samples analog Hall-effect sensors, turns them into debounced
key presses with rapid trigger and SOCD resolution, and publishes every
key-position change.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, gf)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&gf.configPath, "config", "c", "", "YAML config file")
	pf.StringVar(&gf.broker, "broker", "", "MQTT broker address (empty disables)")
	pf.StringVar(&gf.httpAddr, "http", "", "HTTP status address (empty disables)")
	pf.StringVar(&gf.driver, "adc", "", "ADC driver: mcp3008, serial or fake")
	pf.StringVar(&gf.policy, "policy", "", "SOCD policy: neutral, first or last")
	pf.StringVar(&gf.logLevel, "log-level", "", "log level: error, warn, info or debug")
	pf.StringVar(&gf.store, "store", "", "calibration history database path")

	rootCmd.AddCommand(runCmd(gf))
	rootCmd.AddCommand(calibrateCmd(gf))
	rootCmd.AddCommand(printStateCmd(gf))
	rootCmd.AddCommand(historyCmd(gf))
	return rootCmd
}

func runCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the daemon (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, gf)
		},
	}
}

// loadConfig applies defaults, the config file and changed flags, then
// validates the result.
func loadConfig(cmd *cobra.Command, gf *globalFlags) (config.Config, error) {
	cfg := config.DefaultConfig()
	if gf.configPath != "" {
		var err error
		if cfg, err = config.Load(gf.configPath); err != nil {
			return config.Config{}, err
		}
	}

	var o config.Overrides
	flags := cmd.Flags()
	if flags.Changed("broker") {
		o.Broker = &gf.broker
	}
	if flags.Changed("http") {
		o.HTTPAddr = &gf.httpAddr
	}
	if flags.Changed("adc") {
		o.Driver = &gf.driver
	}
	if flags.Changed("policy") {
		o.Policy = &gf.policy
	}
	if flags.Changed("log-level") {
		o.LogLevel = &gf.logLevel
	}
	if flags.Changed("store") {
		o.Store = &gf.store
	}
	o.Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger. The level was checked by Validate.
func newLogger(cfg config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.Logging.Level)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}
