package cmd

import (
	"context"
	"fmt"
	"runtime"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/deviceingest/internal/config"
	"github.com/3leaps/deviceingest/internal/observability"
	"github.com/3leaps/deviceingest/pkg/ingest"
	"github.com/3leaps/deviceingest/pkg/sources"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks against the effective configuration: record
store connectivity, blob backend access and source adapter wiring.

Examples:
  deviceingest doctor
  deviceingest doctor --config /etc/deviceingest.yaml`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

// doctorCheck is one diagnostic step. It returns a short detail for the
// report line, or an error.
type doctorCheck struct {
	name string
	run  func(ctx context.Context) (string, error)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	log := observability.CLILogger
	bannerName := appIdentity.BinaryName + " doctor"
	log.Info("=== " + bannerName + " ===")

	var cfg *config.Config
	checks := []doctorCheck{
		{name: "Go version", run: func(context.Context) (string, error) {
			return runtime.Version(), nil
		}},
		{name: "Gofulmen access", run: func(context.Context) (string, error) {
			v := crucible.GetVersion()
			if v.Gofulmen == "" {
				return "", fmt.Errorf("cannot access Gofulmen")
			}
			return "v" + v.Gofulmen, nil
		}},
		{name: "configuration", run: func(ctx context.Context) (string, error) {
			var err error
			cfg, err = loadConfig(ctx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("store=%s blob=%s mode=%s", cfg.Store.Driver, cfg.Blob.Backend, cfg.Job.ReplaceMode), nil
		}},
		{name: "record store", run: func(ctx context.Context) (string, error) {
			if cfg == nil {
				return "", fmt.Errorf("skipped: no configuration")
			}
			store, err := openRecordStore(ctx, cfg)
			if err != nil {
				return "", err
			}
			_ = store.Close()
			return cfg.Store.Driver, nil
		}},
		{name: "blob backend", run: func(ctx context.Context) (string, error) {
			if cfg == nil {
				return "", fmt.Errorf("skipped: no configuration")
			}
			if cfg.Blob.Backend == config.BlobBackendS3 {
				return checkS3Credentials(ctx, cfg.Blob.S3.Profile)
			}
			blobs, err := openBlobStore(ctx, cfg)
			if err != nil {
				return "", err
			}
			_ = blobs.Close()
			if err := ingest.CheckArtifactDir(cfg.Blob.Dir); err != nil {
				return "", err
			}
			return cfg.Blob.Dir, nil
		}},
		{name: "source adapters", run: func(context.Context) (string, error) {
			if cfg == nil {
				return "", fmt.Errorf("skipped: no configuration")
			}
			reg, err := sources.Default(sourceOptions(cfg))
			if err != nil {
				return "", err
			}
			if err := reg.Validate(); err != nil {
				return "", err
			}
			return "carelink, diasend, tconnect, dexcom", nil
		}},
		{name: "environment", run: func(context.Context) (string, error) {
			return runtime.GOOS + "/" + runtime.GOARCH, nil
		}},
	}

	failed := 0
	for i, c := range checks {
		detail, err := c.run(ctx)
		label := fmt.Sprintf("[%d/%d] Checking %s...", i+1, len(checks), c.name)
		if err != nil {
			failed++
			log.Error(label+" ❌", zap.Error(err))
			continue
		}
		log.Info(label+" ✅ "+detail, zap.String("check", c.name))
	}

	if failed > 0 {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
		return exitError(foundry.ExitExternalServiceUnavailable, "doctor found problems", fmt.Errorf("failed_checks=%d", failed))
	}
	log.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", appIdentity.BinaryName))
	return nil
}

// checkS3Credentials resolves AWS credentials the way the s3 blob backend will.
func checkS3Credentials(ctx context.Context, profile string) (string, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		printAWSCredentialsHelp()
		return "", fmt.Errorf("cannot load AWS config: %w", err)
	}
	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		printAWSCredentialsHelp()
		return "", fmt.Errorf("cannot retrieve credentials: %w", err)
	}
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	return fmt.Sprintf("access key %s via %s", maskAccessKey(creds.AccessKeyID), source), nil
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	log := observability.CLILogger
	log.Info("To configure AWS credentials for the s3 blob backend:")
	log.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY, or")
	log.Info("  2. Set blob.s3.profile to a profile from 'aws configure', or")
	log.Info("  3. Use an IAM role when running on AWS infrastructure")
	log.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set blob.s3.endpoint")
}
