package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/opwatch/internal/logging"
	"github.com/JakeFAU/opwatch/internal/monitor"
	"github.com/JakeFAU/opwatch/internal/operation"
	"github.com/JakeFAU/opwatch/internal/registry"
	"github.com/JakeFAU/opwatch/internal/server"
)

// exitFailed is returned when the watched request ends FAILED.
const exitFailed = 2

type watchOptions struct {
	requestID string
	kind      string
	jsonOut   bool
	verbose   bool
}

// newWatchCmd creates the 'watch' subcommand, which follows one request in the foreground.
func newWatchCmd() *cobra.Command {
	opts := &watchOptions{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follows one request until it finishes",
		Long: `Polls the configured source for a single request id and prints every progress update.
The command exits 0 when the request succeeds and 2 when it fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWatchCommand(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.requestID, "request-id", "", "orchestration request id to follow")
	cmd.Flags().StringVar(&opts.kind, "kind", string(registry.KindOperation), "monitor kind: operation or version")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "print the final status as JSON")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "emit structured logs to stderr")
	_ = cmd.MarkFlagRequired("request-id")
	return cmd
}

func runWatchCommand(cmd *cobra.Command, opts *watchOptions) error {
	cfg, err := resolveConfig(cmd.Context())
	if err != nil {
		return err
	}
	if strings.TrimSpace(opts.requestID) == "" {
		return errors.New("--request-id must not be blank")
	}
	requestID, err := operation.ParseRequestID(opts.requestID)
	if err != nil {
		return err
	}
	kind, err := registry.ParseKind(opts.kind)
	if err != nil {
		return err
	}

	logger := zap.NewNop()
	if opts.verbose {
		if logger, err = logging.New(cfg.Logging.Development); err != nil {
			return fmt.Errorf("logger init failed: %w", err)
		}
		defer func() { _ = logging.Sync(logger) }()
	}

	source, err := server.NewStatusSource(cfg, logger)
	if err != nil {
		return err
	}
	policy, err := cfg.RetryPolicy()
	if err != nil {
		return err
	}

	interval := cfg.Monitor.PollInterval
	if kind == registry.KindVersion {
		interval = cfg.Monitor.VersionPollInterval
	}
	mon := monitor.New(source, monitor.Config{
		PollInterval: interval,
		Deadline:     cfg.Monitor.Deadline,
	}, monitor.WithLogger(logger.Named("monitor")), monitor.WithRetryPolicy(policy))

	out := cmd.OutOrStdout()
	if !opts.jsonOut {
		mon.OnUpdate(func(op operation.Operation) {
			printUpdate(out, op)
		})
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := mon.Start(ctx, requestID); err != nil {
		return fmt.Errorf("start monitor: %w", err)
	}
	final, waitErr := mon.Wait(ctx)
	if ctx.Err() != nil {
		mon.Cancel()
	}

	if opts.jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(final); err != nil {
			return fmt.Errorf("encode status: %w", err)
		}
	} else {
		printSummary(out, final)
	}

	switch {
	case waitErr == nil:
		return nil
	case final.State == operation.StateFailed:
		return &exitError{code: exitFailed, err: fmt.Errorf("request %s failed: %w", requestID, waitErr)}
	default:
		return fmt.Errorf("request %s: %w", requestID, waitErr)
	}
}

func printUpdate(w io.Writer, op operation.Operation) {
	fmt.Fprintf(w, "%s request=%s state=%s percent=%d\n",
		op.UpdatedAt.Format("15:04:05"), op.RequestID, op.State, op.Percent)
}

func printSummary(w io.Writer, op operation.Operation) {
	fmt.Fprintf(w, "request %s finished %s at %d%%\n", op.RequestID, op.State, op.Percent)
	if op.Failure != nil {
		fmt.Fprintf(w, "  %s\n", op.Failure.Reason.UserMessage())
		if len(op.FailedTasks) > 0 {
			fmt.Fprintf(w, "  failed tasks: %s\n", strings.Join(op.FailedTasks, ", "))
		}
	}
	for _, h := range op.Hosts {
		fmt.Fprintf(w, "  %-20s %-12s %3d%% (%d/%d)\n", h.Host, h.State, h.Percent, h.Completed, h.Total)
	}
}
