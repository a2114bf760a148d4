package cmd

import (
	"context"
	"fmt"
	"net/http"

	"github.com/3leaps/deviceingest/internal/config"
	"github.com/3leaps/deviceingest/pkg/blob"
	"github.com/3leaps/deviceingest/pkg/blob/file"
	"github.com/3leaps/deviceingest/pkg/blob/s3"
	"github.com/3leaps/deviceingest/pkg/jobspec"
	"github.com/3leaps/deviceingest/pkg/recordstore"
	"github.com/3leaps/deviceingest/pkg/recordstore/chstore"
	"github.com/3leaps/deviceingest/pkg/recordstore/pgstore"
	"github.com/3leaps/deviceingest/pkg/recordstore/sqlstore"
	"github.com/3leaps/deviceingest/pkg/sources"
)

// openBlobStore creates the configured payload store.
func openBlobStore(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	switch cfg.Blob.Backend {
	case config.BlobBackendFile:
		return file.New(file.Config{BaseDir: cfg.Blob.Dir})
	case config.BlobBackendS3:
		return s3.New(ctx, s3.Config{
			Bucket:         cfg.Blob.S3.Bucket,
			Prefix:         cfg.Blob.S3.Prefix,
			Region:         cfg.Blob.S3.Region,
			Endpoint:       cfg.Blob.S3.Endpoint,
			Profile:        cfg.Blob.S3.Profile,
			ForcePathStyle: cfg.Blob.S3.ForcePathStyle,
		})
	default:
		return nil, fmt.Errorf("unsupported blob backend: %s", cfg.Blob.Backend)
	}
}

// openRecordStore connects the configured record store.
func openRecordStore(ctx context.Context, cfg *config.Config) (recordstore.Store, error) {
	switch cfg.Store.Driver {
	case config.StoreDriverSQLite:
		return sqlstore.Open(ctx, sqlstore.Config{
			Path:      cfg.Store.Path,
			URL:       cfg.Store.URL,
			AuthToken: cfg.Store.AuthToken,
		})
	case config.StoreDriverPostgres:
		return pgstore.Open(ctx, pgstore.Config{
			DSN:      cfg.Store.DSN,
			MaxConns: int32(cfg.Store.MaxConns),
		})
	case config.StoreDriverClickHouse:
		return chstore.Open(ctx, chstore.Config{DSN: cfg.Store.DSN})
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// sourceOptions maps the sources config onto the built-in adapters.
func sourceOptions(cfg *config.Config) sources.Options {
	opts := sources.Options{
		RateLimit: cfg.Sources.RateLimit,
		BaseURLs:  make(map[jobspec.SourceKey]string),
	}
	if cfg.Sources.HTTPTimeout > 0 {
		opts.HTTPClient = &http.Client{Timeout: cfg.Sources.HTTPTimeout}
	}
	for key, ep := range map[jobspec.SourceKey]config.SourceEndpoint{
		jobspec.Carelink: cfg.Sources.Carelink,
		jobspec.Diasend:  cfg.Sources.Diasend,
		jobspec.Tconnect: cfg.Sources.Tconnect,
	} {
		if ep.BaseURL != "" {
			opts.BaseURLs[key] = ep.BaseURL
		}
	}
	return opts
}
