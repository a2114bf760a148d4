package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/deviceingest/internal/config"
	"github.com/3leaps/deviceingest/internal/observability"
	"github.com/3leaps/deviceingest/pkg/blob"
	"github.com/3leaps/deviceingest/pkg/ingest"
	"github.com/3leaps/deviceingest/pkg/jobspec"
	"github.com/3leaps/deviceingest/pkg/record"
	"github.com/3leaps/deviceingest/pkg/recordstore"
	"github.com/3leaps/deviceingest/pkg/sources"
)

var runCmd = &cobra.Command{
	Use:   "run [artifact-dir]",
	Short: "Run one ingest job",
	Long: `Run one ingest job read from stdin (or --job).

The job description is a single JSON object with a required groupId and an
optional config object per source (carelink, diasend, tconnect, dexcom).

When artifact-dir is given it must be an existing, writable directory; a
failed run writes error.json there with the failure reason.

Exit codes: 0 on success, 255 on any failure.

Examples:
  deviceingest run < job.json
  deviceingest run --job job.yaml /var/run/ingest
  echo '{"groupId":"g1","dexcom":{"stagingFile":"/spool/g1/*.csv"}}' | deviceingest run`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

var runJobPath string

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runJobPath, "job", "j", "", "Path to job description (default: stdin)")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	artifactDir := ""
	if len(args) == 1 {
		artifactDir = args[0]
		if err := ingest.CheckArtifactDir(artifactDir); err != nil {
			observability.CLILogger.Warn("Artifact directory unusable; failure artifact disabled",
				zap.String("dir", artifactDir), zap.Error(err))
			artifactDir = ""
		}
	}

	code := executeJob(ctx, artifactDir, cmd.InOrStdin())
	if code != ingest.ExitSuccess {
		return reportedExit(code)
	}
	return nil
}

// executeJob runs one job end to end. Every outcome goes through the reporter.
func executeJob(ctx context.Context, artifactDir string, stdin io.Reader) int {
	reporter := ingest.NewReporter(artifactDir, observability.CLILogger)

	cfg, err := loadConfig(ctx)
	if err != nil {
		return reporter.Fail(&ingest.JobError{Kind: ingest.KindConfig, Op: "load config", Err: err})
	}
	logger := observability.CLILogger
	reporter = ingest.NewReporter(artifactDir, logger)

	job, err := readJob(stdin)
	if err != nil {
		return reporter.Fail(err)
	}

	store, err := openRecordStore(ctx, cfg)
	if err != nil {
		return reporter.Fail(&ingest.JobError{Kind: ingest.KindPersistence, Op: "open store", Err: err})
	}
	reporter.Attach(store)

	blobs, err := openBlobStore(ctx, cfg)
	if err != nil {
		return reporter.Fail(&ingest.JobError{Kind: ingest.KindConfig, Op: "open blob store", Err: err})
	}
	defer func() { _ = blobs.Close() }()

	runner, metrics, err := newRunner(cfg, store, blobs, logger)
	if err != nil {
		return reporter.Fail(&ingest.JobError{Kind: ingest.KindConfig, Err: err})
	}

	sum, runErr := runner.Run(ctx, job)
	if err := metrics.Push(context.WithoutCancel(ctx), cfg.Metrics.PushgatewayURL, cfg.Metrics.JobName, job.GroupID); err != nil {
		logger.Warn("Failed to push metrics", zap.Error(err))
	}
	return reporter.Report(sum, runErr)
}

func readJob(stdin io.Reader) (*jobspec.Description, error) {
	if runJobPath != "" {
		return ingest.LoadJob(runJobPath)
	}
	return ingest.ReadJob(stdin)
}

func newRunner(cfg *config.Config, store recordstore.Store, blobs blob.Store, logger *zap.Logger) (*ingest.Runner, *ingest.Metrics, error) {
	metrics := ingest.NewMetrics()

	opts := sourceOptions(cfg)
	opts.InvalidRecords = sources.InvalidPolicy(cfg.Job.InvalidRecords)
	if policy, err := sources.ParseInvalidPolicy(cfg.Job.InvalidRecords); err == nil && policy != sources.PolicyNone {
		validator, err := record.NewSchemaValidator()
		if err != nil {
			return nil, nil, err
		}
		opts.Validator = validator
		opts.OnSkip = func(source jobspec.SourceKey, err error) {
			metrics.ObserveSkipped(source)
			logger.Warn("Skipping invalid record", zap.String("source", string(source)), zap.Error(err))
		}
	}
	registry, err := sources.Default(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("build source adapters: %w", err)
	}

	runner, err := ingest.NewRunner(ingest.Deps{
		Registry: registry,
		Blobs:    blobs,
		Store:    store,
		Logger:   logger,
		Metrics:  metrics,
	}, ingest.Config{
		ReplaceMode:  ingest.ReplaceMode(cfg.Job.ReplaceMode),
		MergeBuffer:  cfg.Job.MergeBuffer,
		DiscardBlobs: cfg.Blob.Discard,
	})
	if err != nil {
		return nil, nil, err
	}
	return runner, metrics, nil
}
