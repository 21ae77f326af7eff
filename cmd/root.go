package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/audiolibrelab/stereorec/internal/config"
	"github.com/audiolibrelab/stereorec/internal/service"
)

var (
	cfg          *config.Config
	cfgFile      string
	pipeline     string
	profile      string
	verboseLevel int
)

var rootCmd = &cobra.Command{
	Use:   "stereorec [song-name]",
	Short: "Stereo audio recorder writing WAV or raw PCM segments",
	Long: `stereorec captures a stereo input, buffers it per channel and writes
a WAV or raw PCM segment every flush interval. Segments of a recording can be
stitched into one file, played back, uploaded or served over HTTP.

When a song name is provided, it acts as 'stereorec run [song-name]'.`,
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging(verboseLevel, config.LogConfig{})

		var err error
		cfg, err = loadConfig()
		if err != nil {
			return err
		}
		setupLogging(verboseLevel, cfg.Log)

		return validatePipeline()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			return runCmd.RunE(cmd, args)
		}
		return cmd.Help()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/stereorec.yaml)")
	rootCmd.PersistentFlags().StringVarP(&pipeline, "pipeline", "p", "", "pipeline steps: r=record, s=stitch, p=play (e.g., 'rsp', 'sp', 'rs')")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "configuration profile to use (overrides active_config from file)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug, 2=debug with source locations")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(stitchCmd)
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(infoCmd)
}

func defaultConfigFile() string {
	return os.ExpandEnv(filepath.Join("$HOME", ".config", "stereorec.yaml"))
}

// loadConfig resolves the configuration. A missing default file falls back
// to the built-in defaults; a missing explicit file is an error.
func loadConfig() (*config.Config, error) {
	explicit := cfgFile != ""
	if !explicit {
		cfgFile = defaultConfigFile()
	}

	c, err := config.LoadWithProfile(cfgFile, profile)
	if err == nil {
		return c, nil
	}
	if !explicit && config.IsNotExist(err) && profile == "" {
		slog.Debug("No config file, using defaults", "path", cfgFile)
		cfgFile = ""
		return config.LoadDefault()
	}
	return nil, fmt.Errorf("failed to load config: %w", err)
}

func newService() *service.StereoRecService {
	return service.New(cfg, cfgFile, service.Options{})
}

// setupLogging configures slog based on the verbose level. When a log file
// is configured, records also go to a rotated file.
func setupLogging(level int, logCfg config.LogConfig) {
	var slogLevel slog.Level
	switch {
	case level >= 1:
		slogLevel = slog.LevelDebug
	default:
		slogLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     slogLevel,
		AddSource: level >= 2,
	}

	var out io.Writer = os.Stderr
	if logCfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(logCfg.File), 0755); err != nil {
			fmt.Fprintf(os.Stderr, "cannot create log directory: %v\n", err)
		} else {
			out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
				Filename:   logCfg.File,
				MaxSize:    logCfg.MaxSizeMB,
				MaxBackups: logCfg.MaxBackups,
				MaxAge:     logCfg.MaxAgeDays,
			})
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(out, opts)))
}
