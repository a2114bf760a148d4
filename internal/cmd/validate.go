package cmd

import (
	"fmt"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/deviceingest/internal/observability"
	"github.com/3leaps/deviceingest/pkg/jobspec"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a job description without running it",
	Long: `Validate a job description against the job schema.

Reads the description from stdin unless --job is given. Nothing is fetched
or stored.

Examples:
  deviceingest validate < job.json
  deviceingest validate --job job.yaml`,
	Args: cobra.NoArgs,
	RunE: runValidate,
}

var validateJobPath string

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().StringVarP(&validateJobPath, "job", "j", "", "Path to job description (default: stdin)")
}

func runValidate(cmd *cobra.Command, args []string) error {
	var (
		job *jobspec.Description
		err error
	)
	if validateJobPath != "" {
		job, err = jobspec.Load(validateJobPath)
	} else {
		job, err = jobspec.Read(cmd.InOrStdin())
	}
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid job description", err)
	}

	keys := make([]string, 0, len(job.Configured()))
	for _, k := range job.Configured() {
		keys = append(keys, k.String())
	}
	observability.CLILogger.Debug("Validated job description",
		zap.String("group_id", job.GroupID),
		zap.Strings("sources", keys))

	sourcesLabel := "none"
	if len(keys) > 0 {
		sourcesLabel = strings.Join(keys, ", ")
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "valid: groupId=%s sources=%s\n", job.GroupID, sourcesLabel)
	return nil
}
