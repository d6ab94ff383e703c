package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mirrorops/mirrorsyncd/internal/config"
	"github.com/mirrorops/mirrorsyncd/internal/gitops"
	"github.com/mirrorops/mirrorsyncd/internal/ledger"
	"github.com/mirrorops/mirrorsyncd/internal/notify"
	"github.com/mirrorops/mirrorsyncd/internal/orchestrator"
	"github.com/mirrorops/mirrorsyncd/internal/scheduler"
	"github.com/mirrorops/mirrorsyncd/internal/webhook"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// Command flags
	syncDryRun bool
	resetYes   bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mirrorsyncd",
	Short: "Bidirectional synchronization between a private repository and its public mirror",
	Long: `mirrorsyncd keeps a private repository's publish branch and the main branch
of its public mirror in sync, in both directions.

Pulls merge new external commits into the publish branch; pushes publish the
branch head as the new external main. Conflicts are never auto-resolved: they
are recorded in the job ledger, escalated to the notification target and block
further automated syncs until a human resolves them.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:       "sync {pull|push}",
	Short:     "Run a one-time sync in the given direction",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"pull", "push"},
	RunE:      runSync,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon: scheduled pulls plus the push webhook server",
	Long: `Serve runs the long-lived daemon. Pulls fire on the configured cron
schedule; pushes fire on webhook events for the publish branch.`,
	RunE: runServe,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show branch state, recent jobs and open conflicts",
	RunE:  runStatus,
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <report-id>",
	Short: "Mark a conflict report as resolved, unblocking its destination",
	Args:  cobra.ExactArgs(1),
	RunE:  runResolve,
}

var releaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Manage release gates for the divergence branch",
}

var releaseOpenCmd = &cobra.Command{
	Use:   "open",
	Short: "Open a release gate proposing the divergence head for publication",
	Args:  cobra.NoArgs,
	RunE:  runReleaseOpen,
}

var releaseApproveCmd = &cobra.Command{
	Use:   "approve <gate-id>",
	Short: "Approve an open release gate",
	Args:  cobra.ExactArgs(1),
	RunE:  runReleaseApprove,
}

var releaseMergeCmd = &cobra.Command{
	Use:   "merge <gate-id>",
	Short: "Merge an approved release gate and push the result externally",
	Args:  cobra.ExactArgs(1),
	RunE:  runReleaseMerge,
}

var releaseCloseCmd = &cobra.Command{
	Use:   "close <gate-id>",
	Short: "Abandon an open release gate without merging",
	Args:  cobra.ExactArgs(1),
	RunE:  runReleaseClose,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the divergence branch to the publish head and flag stale branches",
	Args:  cobra.NoArgs,
	RunE:  runReset,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mirrorsyncd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/mirrorsyncd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	syncCmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "show what would be synced without running the job")
	resetCmd.Flags().BoolVar(&resetYes, "yes", false, "confirm the reset (required)")

	releaseCmd.AddCommand(releaseOpenCmd)
	releaseCmd.AddCommand(releaseApproveCmd)
	releaseCmd.AddCommand(releaseMergeCmd)
	releaseCmd.AddCommand(releaseCloseCmd)

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(releaseCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(versionCmd)
}

// app holds the wired components behind every command.
type app struct {
	cfg    *config.Config
	ledger *ledger.Ledger
	orch   *orchestrator.Orchestrator
	logger *slog.Logger
}

func (a *app) close() {
	if err := a.ledger.Close(); err != nil {
		a.logger.Error("failed to close ledger", "error", err)
	}
}

func setup(ctx context.Context) (*app, error) {
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	l, err := ledger.Open(cfg.LedgerPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	repo, err := gitops.Open(ctx, gitops.Options{
		Dir:        cfg.RepoDir(),
		PrivateURL: cfg.Pair.PrivateURL,
		PublicURL:  cfg.Pair.PublicURL,
		TokenFile:  cfg.Auth.TokenFile,
	})
	if err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("failed to open clone: %w", err)
	}

	var notifier notify.Notifier = &notify.LogNotifier{Logger: logger}
	if cfg.Notify.Target != "" {
		notifier = notify.NewHTTPNotifier(cfg.Notify.Target, logger)
	}

	orch := orchestrator.New(cfg, l, repo, notifier, logger)
	if err := orch.Bootstrap(ctx); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("bootstrap failed: %w", err)
	}

	return &app{cfg: cfg, ledger: l, orch: orch, logger: logger}, nil
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	dir := ledger.DirectionPull
	if args[0] == "push" {
		dir = ledger.DirectionPush
	}

	if syncDryRun {
		src := fmt.Sprintf("public/%s", a.cfg.Branches.ExternalMain)
		dst := fmt.Sprintf("private/%s", a.cfg.Branches.Publish)
		if dir == ledger.DirectionPush {
			src, dst = dst, src
		}
		a.logger.Info("dry run, no job created", "direction", dir, "source", src, "destination", dst)
		fmt.Printf("would sync %s -> %s\n", src, dst)
		return nil
	}

	a.logger.Info("starting sync operation", "direction", dir)
	job, err := a.orch.Dispatcher.OnManualRequest(ctx, dir)
	if err != nil {
		a.logger.Error("sync rejected", "error", err)
		return err
	}
	if job.Status != ledger.StatusSucceeded {
		return fmt.Errorf("job %s finished %s: %s", job.ID, job.Status, job.Error)
	}
	fmt.Printf("job %s succeeded, %s head is now %s\n", job.ID, job.DestBranch, job.ResultCommit)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	sched, err := scheduler.New(a.cfg.Sync.SchedulePullCron, a.orch.Dispatcher, a.logger)
	if err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	srv, err := webhook.NewServer(a.cfg, a.orch.Dispatcher, a.logger)
	if err != nil {
		return err
	}
	return srv.Start(ctx)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	branches, err := a.ledger.Branches(ctx)
	if err != nil {
		return err
	}
	jobs, err := a.ledger.RecentJobs(ctx, 10)
	if err != nil {
		return err
	}
	conflicts, err := a.ledger.OpenConflicts(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "BRANCH\tHEAD\tAHEAD\tBEHIND\tUPDATED")
	for _, b := range branches {
		fmt.Fprintf(w, "%s/%s\t%.8s\t%d\t%d\t%s\n",
			b.Repo, b.Name, b.Head, b.Ahead, b.Behind, b.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "JOB\tDIRECTION\tTRIGGER\tSTATUS\tDEST\tCREATED")
	for _, j := range jobs {
		fmt.Fprintf(w, "%.8s\t%s\t%s\t%s\t%s\t%s\n",
			j.ID, j.Direction, j.Trigger, j.Status, j.DestBranch, j.CreatedAt.Format("2006-01-02 15:04:05"))
	}

	if len(conflicts) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "CONFLICT\tJOB\tCLASS\tDEST\tCREATED")
		for _, c := range conflicts {
			fmt.Fprintf(w, "%.8s\t%.8s\t%s\t%s\t%s\n",
				c.ID, c.JobID, c.Classification, c.DestBranch, c.CreatedAt.Format("2006-01-02 15:04:05"))
		}
	}
	return w.Flush()
}

func runResolve(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.orch.Escalator.Resolve(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("conflict %s resolved\n", args[0])
	return nil
}

func runReleaseOpen(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	gate, err := a.orch.Gates.Open(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("release gate %s opened (%s -> %s)\n", gate.ID, gate.SourceBranch, gate.TargetBranch)
	return nil
}

func runReleaseApprove(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.orch.Gates.Approve(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("release gate %s approved\n", args[0])
	return nil
}

func runReleaseMerge(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	gate, job, err := a.orch.Gates.Merge(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("release gate %s merged at %.8s\n", gate.ID, gate.MergeCommit)
	if job != nil {
		fmt.Printf("push job %s finished %s\n", job.ID, job.Status)
	}
	return nil
}

func runReleaseClose(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.orch.Gates.Close(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("release gate %s closed\n", args[0])
	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	if !resetYes {
		return fmt.Errorf("reset force-pushes the divergence branch; pass --yes to confirm")
	}

	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	res, err := a.orch.Reset.Reset(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("divergence branch reset %.8s -> %.8s, %d branches flagged for rebase\n",
		res.PriorHead, res.NewHead, len(res.Flagged))
	return nil
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = fmt.Sprintf("%s/.config/mirrorsyncd/config.yaml", home)
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"private", cfg.Pair.PrivateURL,
		"public", cfg.Pair.PublicURL,
		"workdir", cfg.Pair.Workdir,
		"publish", cfg.Branches.Publish)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
