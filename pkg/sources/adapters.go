package sources

import (
	"errors"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/3leaps/deviceingest/pkg/jobspec"
	"github.com/3leaps/deviceingest/pkg/record"
)

// Options configures the built-in adapters.
type Options struct {
	// HTTPClient is shared by the HTTP fetchers. Nil uses DefaultHTTPTimeout.
	HTTPClient *http.Client

	// RateLimit caps HTTP fetches per second across sources. Zero is unlimited.
	RateLimit float64

	// BaseURLs are per-source export URLs used when a job omits "url".
	BaseURLs map[jobspec.SourceKey]string

	// InvalidRecords selects record validation for every parser.
	// Empty means PolicyNone.
	InvalidRecords InvalidPolicy

	// Validator checks parsed records. Required unless InvalidRecords is none.
	Validator record.Validator

	// OnSkip observes records dropped under PolicySkip.
	OnSkip func(source jobspec.SourceKey, err error)
}

// Default builds a registry with the built-in adapter for every source key.
//
//	carelink  HTTP export, CSV
//	diasend   HTTP export, JSON
//	tconnect  HTTP export, JSON
//	dexcom    local staging file, CSV
func Default(opts Options) (*Registry, error) {
	policy, err := ParseInvalidPolicy(string(opts.InvalidRecords))
	if err != nil {
		return nil, err
	}
	if policy != PolicyNone && opts.Validator == nil {
		return nil, errors.New("record validator is required when invalid-record policy is " + string(policy))
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}
	httpFetcher := func(key jobspec.SourceKey, ext string) *HTTPFetcher {
		return &HTTPFetcher{
			Source:  key,
			BaseURL: opts.BaseURLs[key],
			Client:  client,
			Limiter: limiter,
			Ext:     ext,
		}
	}

	reg := NewRegistry()
	adapters := map[jobspec.SourceKey]Adapter{
		jobspec.Carelink: {Fetcher: httpFetcher(jobspec.Carelink, ".csv"), Parser: &CSVParser{Source: jobspec.Carelink}},
		jobspec.Diasend:  {Fetcher: httpFetcher(jobspec.Diasend, ".json"), Parser: &JSONParser{Source: jobspec.Diasend}},
		jobspec.Tconnect: {Fetcher: httpFetcher(jobspec.Tconnect, ".json"), Parser: &JSONParser{Source: jobspec.Tconnect}},
		jobspec.Dexcom:   {Fetcher: &StagingFetcher{Source: jobspec.Dexcom}, Parser: &CSVParser{Source: jobspec.Dexcom}},
	}
	for _, k := range jobspec.Keys() {
		a := adapters[k]
		if policy != PolicyNone {
			a.Parser = &Validating{Parser: a.Parser, Source: k, Validator: opts.Validator, Policy: policy, OnSkip: opts.OnSkip}
		}
		if err := reg.Register(k, a); err != nil {
			return nil, err
		}
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return reg, nil
}
