package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vango-dev/deltacast/internal/config"
	"github.com/vango-dev/deltacast/internal/errors"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootOptions carries the persistent flags and the loaded config to the
// subcommands.
type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
	noColor    bool

	cfg    *config.Config
	logger *slog.Logger
}

func main() {
	if err := newRootCmd(os.Stderr).Execute(); err != nil {
		errors.PrintError(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(logOut io.Writer) *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "deltacast",
		Short: "Stream a screen to many receivers as dirty-region deltas",
		Long: `deltacast captures a screen, encodes only the regions that changed,
and fans the result out to every connected receiver over QUIC.

  • Dirty rectangles are merged, tiled and lz4-compressed in parallel
  • Frames travel as unreliable datagrams; new receivers get a reliable sync
  • Receivers rebuild the composite frame and can archive it as PNG
  • Both ends expose /healthz, /metrics and a live status stream`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd, logOut)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Config file (default ./"+config.DefaultFile+" if present)")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	flags.StringVar(&opts.logFormat, "log-format", "", "Log format: text or json")
	flags.BoolVar(&opts.noColor, "no-color", false, "Disable colored error output")

	rootCmd.AddCommand(
		sendCmd(opts),
		receiveCmd(opts),
		configCmd(opts),
		versionCmd(),
	)

	return rootCmd
}

// load reads the config file, applies the logging flags and installs the
// process logger.
func (o *rootOptions) load(cmd *cobra.Command, logOut io.Writer) error {
	if o.noColor {
		errors.DisableColors()
	}

	cfg, err := config.LoadOrDefault(o.configPath)
	if err != nil {
		return err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Log.Format = o.logFormat
	}

	logger, err := newLogger(logOut, cfg.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	o.cfg = cfg
	o.logger = logger
	return nil
}

// newLogger builds a text or JSON slog handler at the configured level.
func newLogger(w io.Writer, lc config.LogConfig) (*slog.Logger, error) {
	level, err := config.ParseLevel(lc.Level)
	if err != nil {
		return nil, errors.New("D200").
			WithDetail(fmt.Sprintf("unknown log level %q", lc.Level)).
			WithSuggestion("Use debug, info, warn or error")
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(lc.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	default:
		return nil, errors.New("D200").
			WithDetail(fmt.Sprintf("unknown log format %q", lc.Format)).
			WithSuggestion("Use text or json")
	}
}

// success prints a success message.
func success(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "\033[32m✓\033[0m %s\n", fmt.Sprintf(format, args...))
}
