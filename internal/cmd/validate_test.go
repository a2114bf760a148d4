package cmd

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunValidate(t *testing.T) {
	defer func() { validateJobPath = "" }()

	tests := []struct {
		name     string
		input    string
		wantOut  string
		wantCode int
	}{
		{name: "valid", input: `{"groupId":"g1","dexcom":{},"carelink":{}}`, wantOut: "valid: groupId=g1 sources=carelink, dexcom"},
		{name: "no sources", input: `{"groupId":"g2"}`, wantOut: "sources=none"},
		{name: "missing group", input: `{"dexcom":{}}`, wantCode: foundry.ExitInvalidArgument},
		{name: "unknown key ignored", input: `{"groupId":"g1","requestedBy":"ops","tconnect":{}}`, wantOut: "groupId=g1 sources=tconnect"},
		{name: "source not an object", input: `{"groupId":"g1","dexcom":"yes"}`, wantCode: foundry.ExitInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			validateCmd.SetOut(&out)
			validateCmd.SetIn(strings.NewReader(tt.input))
			defer func() {
				validateCmd.SetOut(nil)
				validateCmd.SetIn(nil)
			}()

			err := runValidate(validateCmd, nil)
			if tt.wantCode != 0 {
				var ee *exitCodeError
				require.True(t, errors.As(err, &ee))
				assert.Equal(t, tt.wantCode, ee.code)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, out.String(), tt.wantOut)
		})
	}

	t.Run("job flag", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "job.yaml")
		require.NoError(t, os.WriteFile(path, []byte("groupId: g9\ntconnect: {}\n"), 0o600))
		validateJobPath = path

		var out bytes.Buffer
		validateCmd.SetOut(&out)
		defer validateCmd.SetOut(nil)

		require.NoError(t, runValidate(validateCmd, nil))
		assert.Contains(t, out.String(), "groupId=g9 sources=tconnect")
	})
}
