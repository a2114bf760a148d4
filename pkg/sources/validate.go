package sources

import (
	"context"
	"fmt"
	"io"
	"iter"

	"github.com/3leaps/deviceingest/pkg/jobspec"
	"github.com/3leaps/deviceingest/pkg/record"
)

// InvalidPolicy decides what an adapter does with records its validator rejects.
type InvalidPolicy string

const (
	// PolicyNone disables validation; every parsed record is yielded.
	PolicyNone InvalidPolicy = "none"

	// PolicySkip drops invalid records and reports each one to OnSkip.
	PolicySkip InvalidPolicy = "skip"

	// PolicyFail ends the sequence with an error on the first invalid record.
	PolicyFail InvalidPolicy = "fail"
)

// ParseInvalidPolicy parses a policy name. Empty means PolicyNone.
func ParseInvalidPolicy(s string) (InvalidPolicy, error) {
	switch InvalidPolicy(s) {
	case "", PolicyNone:
		return PolicyNone, nil
	case PolicySkip, PolicyFail:
		return InvalidPolicy(s), nil
	default:
		return "", fmt.Errorf("invalid record policy %q (want none, skip or fail)", s)
	}
}

// Validating wraps a parser so that only records passing Validator are yielded.
//
// The records the wrapper yields are the adapter's output; downstream stages
// persist them as-is.
type Validating struct {
	Parser    Parser
	Source    jobspec.SourceKey
	Validator record.Validator
	Policy    InvalidPolicy

	// OnSkip is called for every record dropped under PolicySkip.
	OnSkip func(source jobspec.SourceKey, err error)
}

var _ Parser = (*Validating)(nil)

func (v *Validating) Parse(ctx context.Context, r io.Reader, cfg jobspec.SourceConfig) iter.Seq2[record.Record, error] {
	inner := v.Parser.Parse(ctx, r, cfg)
	if v.Validator == nil || v.Policy == PolicyNone || v.Policy == "" {
		return inner
	}
	return func(yield func(record.Record, error) bool) {
		for rec, err := range inner {
			if err != nil {
				yield(nil, err)
				return
			}
			if rec != nil {
				if verr := v.Validator.Validate(rec); verr != nil {
					if v.Policy == PolicyFail {
						yield(nil, fmt.Errorf("%s: %w", v.Source, verr))
						return
					}
					if v.OnSkip != nil {
						v.OnSkip(v.Source, verr)
					}
					continue
				}
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}
