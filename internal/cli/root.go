// Package cli implements the assetlink command line.
package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/carlosprados/assetlink/internal/config"
	"github.com/carlosprados/assetlink/internal/events"
	"github.com/carlosprados/assetlink/internal/report"
	"github.com/carlosprados/assetlink/internal/supervisor"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	cfgFile string
	verbose bool
	asJSON  bool
)

// rootCmd is the base command when called without subcommands.
var rootCmd = &cobra.Command{
	Use:   "assetlink",
	Short: "Launch, watch and talk to the local asset daemon",
	Long: `assetlink supervises the local asset daemon: it starts it on one of the
configured loopback ports, checks that it answers, falls back to another port
when it stops answering and explains why it exited.`,
	SilenceUsage: true,
}

// Execute runs the root command. It is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "preferences file (default is <user config dir>/assetlink/assetlink.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "output as JSON")
}

func defaultConfigPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return "assetlink.toml"
	}
	return filepath.Join(base, "assetlink", "assetlink.toml")
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return defaultConfigPath()
}

// loadConfig reads .env files, the preferences file and sets up logging.
func loadConfig() (config.Config, error) {
	config.LoadDotEnvDefault(filepath.Dir(configPath()))
	cfg, err := config.Load(configPath())
	if err != nil {
		return cfg, fmt.Errorf("failed to load config: %w", err)
	}
	setupLogging(cfg.Log, os.Stderr)
	if err := cfg.ResolveSystemID(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// setupLogging installs the global logger: console output plus an optional
// rotating file.
func setupLogging(lc config.Log, console io.Writer) {
	level, err := zerolog.ParseLevel(strings.ToLower(lc.Level))
	if err != nil || lc.Level == "" {
		level = zerolog.InfoLevel
	}
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	writers := []io.Writer{zerolog.ConsoleWriter{Out: console, TimeFormat: time.RFC3339}}
	if lc.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   lc.File,
			MaxSize:    20, // MB
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		})
	}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
}

// newSupervisor wires a Supervisor from cfg. The returned func releases the
// broker connection.
func newSupervisor(cfg config.Config) (*supervisor.Supervisor, func(), error) {
	var pub *events.Publisher
	if cfg.Events.NATSURL != "" {
		t, err := events.Dial(cfg.Events.NATSURL, "assetlink-"+cfg.SystemID)
		if err != nil {
			log.Warn().Str("component", "cli").Str("url", cfg.Events.NATSURL).Err(err).Msg("events disabled")
		} else {
			pub = events.NewPublisher(t, cfg.Events.Subject, cfg.SystemID)
		}
	}
	sink := report.NewLimited(report.LogSink{}, 30*time.Second, 1)
	sup, err := supervisor.New(cfg, supervisor.Options{Sink: sink, Events: pub})
	if err != nil {
		if pub != nil {
			_ = pub.Close()
		}
		return nil, func() {}, err
	}
	return sup, func() {
		if pub != nil {
			_ = pub.Close()
		}
	}, nil
}
