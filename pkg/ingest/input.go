package ingest

import (
	"io"

	"github.com/3leaps/deviceingest/pkg/jobspec"
)

// ReadJob reads one job description from r. Failures are config errors.
func ReadJob(r io.Reader) (*jobspec.Description, error) {
	desc, err := jobspec.Read(r)
	if err != nil {
		return nil, &JobError{Kind: KindConfig, Op: "read job", Err: err}
	}
	return desc, nil
}

// LoadJob reads one job description from a file. Failures are config errors.
func LoadJob(path string) (*jobspec.Description, error) {
	desc, err := jobspec.Load(path)
	if err != nil {
		return nil, &JobError{Kind: KindConfig, Op: "load job", Err: err}
	}
	return desc, nil
}
