package commands

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/systmms/rdsrotate/internal/config"
	"github.com/systmms/rdsrotate/internal/database"
	"github.com/systmms/rdsrotate/internal/logging"
	"github.com/systmms/rdsrotate/internal/metrics"
	"github.com/systmms/rdsrotate/internal/retry"
	"github.com/systmms/rdsrotate/internal/rotation"
	"github.com/systmms/rdsrotate/internal/secretstore"
)

// IdentityAPI is the STS call doctor uses to report the caller.
type IdentityAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// Runtime holds the clients a command talks to.
type Runtime struct {
	Store    *secretstore.Store
	Database rotation.Database
	Metrics  *metrics.Recorder
	Identity IdentityAPI
}

// NewRuntime builds the clients for a loaded configuration. Tests replace it.
var NewRuntime = func(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	store, err := secretstore.New(ctx, cfg.Store,
		secretstore.WithRetryPolicy(retryPolicy(cfg)),
		secretstore.WithLogger(cfg.Logger),
	)
	if err != nil {
		return nil, err
	}

	awsCfg, err := secretstore.LoadAWSConfig(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	var stsOpts []func(*sts.Options)
	if cfg.Store.Endpoint != "" {
		endpoint := cfg.Store.Endpoint
		stsOpts = append(stsOpts, func(o *sts.Options) {
			o.BaseEndpoint = &endpoint
		})
	}

	return &Runtime{
		Store:    store,
		Database: database.New(cfg.Database, database.WithLogger(cfg.Logger)),
		Metrics:  metrics.New(cfg.Metrics),
		Identity: sts.NewFromConfig(awsCfg, stsOpts...),
	}, nil
}

// Handler returns the rotation handler over the runtime's clients.
func (r *Runtime) Handler(cfg *config.Config) *rotation.Handler {
	return rotation.NewHandler(r.Store, r.Database,
		rotation.WithRetryPolicy(retryPolicy(cfg)),
		rotation.WithMetrics(r.Metrics),
		rotation.WithLogger(cfg.Logger),
	)
}

func retryPolicy(cfg *config.Config) retry.Policy {
	return retry.Policy{
		Attempts: cfg.Rotation.MaxRetries,
		Delay:    cfg.Rotation.RetryDelay,
	}
}

// loadConfig resolves cfg and upgrades the logger when LOG_DEBUG or the
// config file turned on debug output.
func loadConfig(cfg *config.Config) error {
	if cfg.Logger == nil {
		cfg.Logger = logging.New(cfg.Debug, cfg.NoColor)
	}
	if err := cfg.Load(); err != nil {
		return err
	}
	if cfg.Debug && !cfg.Logger.DebugEnabled() {
		cfg.Logger = logging.New(true, cfg.NoColor)
	}
	cfg.Logger.Debug("Configuration: max retries %d, retry delay %s, connect timeout %s, replication grace %s",
		cfg.Rotation.MaxRetries, cfg.Rotation.RetryDelay, cfg.Database.ConnectTimeout, cfg.Database.ReplicationGrace)
	return nil
}
