// ============================================================================
// contimg CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: cobra commands wrapping the imaging controller
//
// Command Structure:
//   contimg                        # Root command
//   ├── run                        # Detect mode from the manifests and image
//   ├── continuum                  # Force continuum_mses.txt
//   ├── fullwindow                 # Force to_image.json
//   ├── status                     # Last run report and ledger summary
//   ├── --config, -c               # YAML config (defaults when omitted)
//   ├── --workdir                  # Directory holding the manifests
//   └── --version
//
// Run flags (override the config file and EXCLUDE_7M):
//   --exclude-7m   drop CM antennas / datasets
//   --workers      concurrent units
//   --policy       exists | ledger
//
// Configuration precedence (low → high):
//   defaults → config file → environment → flags
//
// Signal Handling:
//   SIGINT/SIGTERM cancel the run context; the running CASA process is
//   killed, in-flight units are recorded as failed and the run report is
//   still written.
//
// Examples:
//   ./contimg run
//   EXCLUDE_7M=1 ./contimg continuum --workdir /data/obs1
//   ./contimg fullwindow -c contimg.yaml --workers 4
//   ./contimg status --workdir /data/obs1
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ChuLiYu/contimg/internal/config"
	"github.com/ChuLiYu/contimg/internal/controller"
	"github.com/ChuLiYu/contimg/internal/ledger"
	"github.com/ChuLiYu/contimg/internal/metrics"
	"github.com/ChuLiYu/contimg/internal/toolkit"
	"github.com/ChuLiYu/contimg/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

// Version is reported by --version.
var Version = "dev"

// ToolkitFactory builds the toolkit for one run.
type ToolkitFactory func(cfg *config.Config, obs toolkit.Observer) (toolkit.Toolkit, error)

// CASAToolkit runs CASA as configured in cfg.Toolkit.
func CASAToolkit(cfg *config.Config, obs toolkit.Observer) (toolkit.Toolkit, error) {
	return toolkit.NewCASA(toolkit.CASAConfig{
		Command:     cfg.Toolkit.Command,
		WorkDir:     cfg.WorkDir,
		PythonPath:  cfg.Toolkit.PythonPath,
		Timeout:     cfg.Toolkit.Timeout,
		KeepScripts: cfg.Toolkit.KeepScripts,
		Observer:    obs,
	})
}

type options struct {
	configFile string
	workDir    string
	exclude7M  bool
	workers    int
	policy     string

	newToolkit ToolkitFactory
}

// BuildCLI returns the contimg root command backed by CASA.
func BuildCLI() *cobra.Command {
	return buildCLI(CASAToolkit)
}

func buildCLI(newToolkit ToolkitFactory) *cobra.Command {
	opts := &options{newToolkit: newToolkit}

	rootCmd := &cobra.Command{
		Use:   "contimg",
		Short: "contimg: CASA continuum and full-window imaging",
		Long: `contimg images calibrated ALMA measurement sets with CASA tclean:
- continuum imaging from continuum_mses.txt
- full-window line imaging from to_image.json
- optional exclusion of 7m (CM) antennas
- resumable: completed images are skipped on rerun`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file path (defaults when empty)")
	rootCmd.PersistentFlags().StringVar(&opts.workDir, "workdir", "", "directory holding the manifests (overrides work_dir)")

	rootCmd.AddCommand(buildRunCommand(opts, "run", "Detect the manifest and image every unit", ""))
	rootCmd.AddCommand(buildRunCommand(opts, "continuum", "Image every dataset in continuum_mses.txt", types.ModeContinuum))
	rootCmd.AddCommand(buildRunCommand(opts, "fullwindow", "Image every band/field in to_image.json", types.ModeFullWindow))
	rootCmd.AddCommand(buildStatusCommand(opts))

	return rootCmd
}

func buildRunCommand(opts *options, use, short string, mode types.Mode) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImaging(cmd, opts, mode)
		},
	}

	cmd.Flags().BoolVar(&opts.exclude7M, "exclude-7m", false, "exclude 7m (CM) antennas")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "number of units imaged concurrently")
	cmd.Flags().StringVar(&opts.policy, "policy", "", "completion policy: exists or ledger")

	return cmd
}

func buildStatusCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the status of the last run",
		Long:  "Print the run report and the completion ledger summary of the output directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			st, err := controller.LoadStatus(controller.FromConfig(cfg))
			if err != nil {
				return fmt.Errorf("failed to load status: %w", err)
			}
			printStatus(cmd.OutOrStdout(), cfg, st)
			return nil
		},
	}
}

// loadConfig layers the config file, the environment and the flags that
// were set on cmd, then validates the result.
func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.ApplyEnv(os.LookupEnv)

	flags := cmd.Flags()
	if flags.Changed("workdir") {
		cfg.WorkDir = opts.workDir
	}
	if flags.Changed("exclude-7m") {
		cfg.Exclude7M = opts.exclude7M
	}
	if flags.Changed("workers") {
		cfg.Workers.Count = opts.workers
	}
	if flags.Changed("policy") {
		cfg.CompletionPolicy = opts.policy
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runImaging(cmd *cobra.Command, opts *options, mode types.Mode) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	if err := setupLogging(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var collector *metrics.Collector
	var obs toolkit.Observer
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		collector = metrics.NewCollector(reg)
		obs = collector

		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Port, reg); err != nil {
				slog.Error("Metrics server error", "error", err)
			}
		}()
	}

	tk, err := opts.newToolkit(cfg, obs)
	if err != nil {
		return fmt.Errorf("failed to create toolkit: %w", err)
	}

	ctrlOpts := []controller.Option{}
	if collector != nil {
		ctrlOpts = append(ctrlOpts, controller.WithMetrics(collector))
	}
	ctrl, err := controller.NewController(controller.FromConfig(cfg), tk, ctrlOpts...)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}

	report, err := ctrl.Run(ctx, mode)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Warn("Run interrupted", "run_id", ctrl.RunID())
		}
		return fmt.Errorf("imaging run %s failed: %w", ctrl.RunID(), err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Run %s finished: %d units (%s)\n", report.RunID, len(report.Units), report.Mode)
	return nil
}

// setupLogging installs the default slog logger writing to w.
func setupLogging(w io.Writer, level, format string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	handlerOpts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "", "text":
		handler = slog.NewTextHandler(w, handlerOpts)
	case "json":
		handler = slog.NewJSONHandler(w, handlerOpts)
	default:
		return fmt.Errorf("invalid log format %q: want text or json", format)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

func printStatus(w io.Writer, cfg *config.Config, st controller.Status) {
	r := st.Report

	fmt.Fprintln(w, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           contimg Run Status                              ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📋 Run:")
	fmt.Fprintf(w, "  ├─ Run ID:       %s\n", r.RunID)
	fmt.Fprintf(w, "  ├─ Mode:         %s\n", r.Mode)
	fmt.Fprintf(w, "  ├─ Output Dir:   %s\n", controller.FromConfig(cfg).ResolvedOutputDir())
	if r.StartedAt > 0 && r.FinishedAt >= r.StartedAt {
		fmt.Fprintf(w, "  ├─ Duration:     %ds\n", (r.FinishedAt-r.StartedAt)/1000)
	}
	if r.Error != "" {
		fmt.Fprintf(w, "  └─ ❌ Error:      %s\n", r.Error)
	} else {
		fmt.Fprintln(w, "  └─ ✅ Finished without error")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📊 Units:")
	fmt.Fprintf(w, "  ├─ Total:        %d\n", len(st.Units))
	fmt.Fprintf(w, "  ├─ ⏳ Pending:    %d\n", st.Stats[string(types.StatusPending)])
	fmt.Fprintf(w, "  ├─ ✅ Completed:  %d\n", st.Stats[string(types.StatusCompleted)])
	fmt.Fprintf(w, "  ├─ ⏭  Skipped:    %d\n", st.Stats[string(types.StatusSkipped)])
	fmt.Fprintf(w, "  └─ ❌ Failed:     %d\n", st.Stats[string(types.StatusFailed)])
	fmt.Fprintln(w)

	for _, u := range st.Units {
		line := fmt.Sprintf("  %-10s %s  images=%d skipped=%d", u.Status, u.ID, u.Images, u.Skipped)
		if u.Error != "" {
			line += "  error=" + u.Error
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "💾 Ledger:")
	fmt.Fprintf(w, "  ├─ Events:       %d\n", st.LedgerEvents)
	fmt.Fprintf(w, "  ├─ Completed:    %d\n", st.Images[ledger.EventCompleted])
	fmt.Fprintf(w, "  ├─ Skipped:      %d\n", st.Images[ledger.EventSkipped])
	fmt.Fprintf(w, "  ├─ Failed:       %d\n", st.Images[ledger.EventFailed])
	fmt.Fprintf(w, "  └─ Unfinished:   %d\n", st.Images[ledger.EventStarted])
	fmt.Fprintln(w)

	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
}
