package sources

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/deviceingest/pkg/jobspec"
	"github.com/3leaps/deviceingest/pkg/record"
)

func TestParseInvalidPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    InvalidPolicy
		wantErr bool
	}{
		{in: "", want: PolicyNone},
		{in: "none", want: PolicyNone},
		{in: "skip", want: PolicySkip},
		{in: "fail", want: PolicyFail},
		{in: "drop", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseInvalidPolicy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidating(t *testing.T) {
	input := "Time,Event Type,Device ID\n" +
		"2024-03-01T10:00:00Z,cbg,pump-1\n" +
		"2024-03-01T10:05:00Z,,pump-1\n" +
		"2024-03-01T10:10:00Z,cbg,pump-1\n"
	validator, err := record.NewSchemaValidator()
	require.NoError(t, err)

	t.Run("none yields every record", func(t *testing.T) {
		v := &Validating{Parser: &CSVParser{Source: jobspec.Carelink}, Source: jobspec.Carelink, Validator: validator, Policy: PolicyNone}
		recs, err := collect(t, v, input, `{}`)
		require.NoError(t, err)
		assert.Len(t, recs, 3)
	})

	t.Run("skip drops and reports", func(t *testing.T) {
		var skipped []jobspec.SourceKey
		v := &Validating{
			Parser:    &CSVParser{Source: jobspec.Carelink},
			Source:    jobspec.Carelink,
			Validator: validator,
			Policy:    PolicySkip,
			OnSkip: func(source jobspec.SourceKey, err error) {
				assert.True(t, errors.Is(err, record.ErrInvalidRecord))
				skipped = append(skipped, source)
			},
		}
		recs, err := collect(t, v, input, `{}`)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, "2024-03-01T10:10:00Z", recs[1][record.FieldTime])
		assert.Equal(t, []jobspec.SourceKey{jobspec.Carelink}, skipped)
	})

	t.Run("fail ends the sequence", func(t *testing.T) {
		v := &Validating{Parser: &CSVParser{Source: jobspec.Carelink}, Source: jobspec.Carelink, Validator: validator, Policy: PolicyFail}
		recs, err := collect(t, v, input, `{}`)
		require.Error(t, err)
		assert.True(t, errors.Is(err, record.ErrInvalidRecord))
		assert.Contains(t, err.Error(), "carelink:")
		assert.Len(t, recs, 1)
	})
}

func TestDefault_InvalidRecords(t *testing.T) {
	t.Run("no validation by default", func(t *testing.T) {
		reg, err := Default(Options{})
		require.NoError(t, err)
		p, err := reg.Parser(jobspec.Dexcom)
		require.NoError(t, err)
		assert.IsType(t, &CSVParser{}, p)
	})

	t.Run("policy wraps every parser", func(t *testing.T) {
		validator, err := record.NewSchemaValidator()
		require.NoError(t, err)
		reg, err := Default(Options{InvalidRecords: PolicySkip, Validator: validator})
		require.NoError(t, err)
		for _, k := range jobspec.Keys() {
			p, err := reg.Parser(k)
			require.NoError(t, err)
			assert.IsType(t, &Validating{}, p, k)
		}
	})

	t.Run("policy without validator", func(t *testing.T) {
		_, err := Default(Options{InvalidRecords: PolicyFail})
		assert.Error(t, err)
	})

	t.Run("unknown policy", func(t *testing.T) {
		_, err := Default(Options{InvalidRecords: "drop"})
		assert.Error(t, err)
	})
}
