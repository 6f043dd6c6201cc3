// cmd/ccrec/main.go
// Package main implements the entry point for the recording exporter.
// By default it performs a single export and exits; the daemon subcommand
// runs exports on a schedule and serves the run history over HTTP.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/config"
	errordefs "github.com/RegistryAccord/registryaccord-ccrec-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/telemetry"
	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/timeframe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(execute(os.Args[1:]))
}

// flags holds command-line overrides of the environment configuration.
type flags struct {
	timeframe           string
	from, to            string
	channel             string
	dir                 string
	pageSize            int
	skipExisting        bool
	verbose             bool
	failOnDownloadError bool

	// daemon only
	schedule string
	addr     string
}

// execute runs the command line and returns the process exit code.
func execute(args []string) int {
	root, _ := newRootCmd()
	// A nil slice would make cobra fall back to os.Args
	if args == nil {
		args = []string{}
	}
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return 0
	}
	fmt.Fprintln(os.Stderr, "error:", err)
	return errordefs.ExitCode(err)
}

func newRootCmd() (*cobra.Command, *flags) {
	f := &flags{}
	root := &cobra.Command{
		Use:   "ccrec",
		Short: "Export contact-center recordings to a local directory",
		Long: "ccrec lists the contact-center recordings of a time range and downloads each one\n" +
			"into the target directory as {start_time}_{engagement_id}_{recording_id}.{mp3|mp4}.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOnce(cmd, f)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&f.timeframe, "timeframe", "", "named range: "+strings.Join(timeframe.Names(), ", "))
	pf.StringVar(&f.from, "from", "", "range start, 2006-01-02T15:04:05 (requires --to)")
	pf.StringVar(&f.to, "to", "", "range end, 2006-01-02T15:04:05 (requires --from)")
	pf.StringVar(&f.channel, "channel", "", "channel type: voice, video, chat or sms")
	pf.StringVar(&f.dir, "dir", "", "target directory")
	pf.IntVar(&f.pageSize, "page-size", -1, "list page size, 0 to let the API choose")
	pf.BoolVar(&f.skipExisting, "skip-existing", false, "keep non-empty files instead of overwriting them")
	pf.BoolVarP(&f.verbose, "verbose", "v", false, "debug logging")

	root.Flags().BoolVar(&f.failOnDownloadError, "fail-on-download-error", false, "exit non-zero when any recording could not be saved")

	root.AddCommand(newDaemonCmd(f), newTimeframesCmd())
	return root, f
}

// loadConfig reads the environment, applies flag overrides and validates the result.
func loadConfig(cmd *cobra.Command, f *flags) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, errordefs.Wrap(errordefs.CCREC_CONFIG_INVALID, "load configuration", err)
	}

	if f.timeframe != "" {
		cfg.Timeframe = f.timeframe
	}
	if f.from != "" || f.to != "" {
		cfg.From, cfg.To = f.from, f.to
	}
	if f.channel != "" {
		cfg.ChannelType = strings.ToLower(strings.TrimSpace(f.channel))
	}
	if f.dir != "" {
		cfg.RecordingPath = f.dir
	}
	if f.pageSize >= 0 {
		cfg.PageSize = f.pageSize
	}
	if cmd.Flags().Changed("skip-existing") {
		cfg.SkipExisting = f.skipExisting
	}
	if f.schedule != "" {
		cfg.Schedule = f.schedule
	}
	if f.addr != "" {
		cfg.MetricsAddr = f.addr
	}

	if err := cfg.Validate(); err != nil {
		return cfg, errordefs.Wrap(errordefs.CCREC_CONFIG_INVALID, "invalid configuration", err)
	}
	return cfg, nil
}

// newLogger configures structured logging for the application.
func newLogger(cfg config.Config, verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if cfg.Env == "dev" || verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)
	return logger
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// initTracing starts span export when a trace file is configured.
func initTracing(cfg config.Config, logger *slog.Logger) func() {
	if _, err := telemetry.InitTracer("ccrec", version, cfg.TraceFile); err != nil {
		logger.Warn("tracing disabled", "error", err)
		return func() {}
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx)
	}
}

// runOnce performs a single export.
func runOnce(cmd *cobra.Command, f *flags) error {
	cfg, err := loadConfig(cmd, f)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, f.verbose)
	defer initTracing(cfg, logger)()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	summary, err := a.exporter.Run(ctx)
	if cfg.MetricsFile != "" {
		if werr := metrics.WriteTextfile(cfg.MetricsFile); werr != nil {
			logger.Warn("metrics textfile not written", "path", cfg.MetricsFile, "error", werr)
		}
	}
	if err != nil {
		logger.Error("export failed", "code", errordefs.CodeOf(err), "error", err)
		return err
	}

	if f.failOnDownloadError && summary.Failed() > 0 {
		return errordefs.NewWithDetails(errordefs.CCREC_DOWNLOAD_FAILURE,
			fmt.Sprintf("%d of %d recordings not saved", summary.Failed(), summary.Found), summary.RunID)
	}
	return nil
}

func newTimeframesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "timeframes",
		Short: "Print the named ranges as they resolve now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			now := time.Now()
			for _, name := range timeframe.Names() {
				fn, _ := timeframe.ByName(name)
				tr := fn(now)
				fmt.Fprintf(cmd.OutOrStdout(), "%-16s %s  %s\n", name, tr.From, tr.To)
			}
			return nil
		},
	}
}
