package cmd

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetVersionInfo(t *testing.T) {
	orig := versionInfo
	defer func() { versionInfo = orig }()

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{name: "set all values", version: "1.0.0", commit: "abc123", buildDate: "2024-01-15"},
		{name: "set dev version", version: "dev", commit: "HEAD", buildDate: "unknown"},
		{name: "set empty values"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
		})
	}
}

func TestGetAppIdentity(t *testing.T) {
	id := GetAppIdentity()
	require.NotNil(t, id)
	assert.Equal(t, "deviceingest", id.BinaryName)
	assert.Equal(t, "DEVINGEST", id.EnvPrefix)
}

func TestExitError(t *testing.T) {
	cause := errors.New("bad input")
	err := exitError(foundry.ExitInvalidArgument, "Invalid job description", cause)

	var ee *exitCodeError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, foundry.ExitInvalidArgument, ee.code)
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "Invalid job description: bad input", err.Error())

	assert.Equal(t, "ingest failed", reportedExit(255).Error())
}

func TestExecute_Version(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	}()

	assert.Equal(t, 0, Execute(context.Background()))
	assert.Contains(t, out.String(), "deviceingest")
	assert.Contains(t, out.String(), "commit:")
}

func TestExecute_UnknownCommand(t *testing.T) {
	rootCmd.SetArgs([]string{"frobnicate"})
	defer rootCmd.SetArgs(nil)

	assert.Equal(t, 1, Execute(context.Background()))
}
