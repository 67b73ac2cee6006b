// Package bootstrap builds the proxy's adapter registry and wires it to
// the directory service: Start builds the per-region adapter map, probes
// the directory's healthz, registers the active placement policy, and
// ensures every region's scratch bucket exists with the configured
// versioning mode.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/skystore/skyproxy/internal/backend"
	"github.com/skystore/skyproxy/internal/circuit"
	"github.com/skystore/skyproxy/internal/config"
	"github.com/skystore/skyproxy/internal/directory"
	"github.com/skystore/skyproxy/pkg/errors"
)

// AdapterFactory builds one backend.Adapter for a configured region. Tests
// substitute a fake factory; production wiring (cmd/skyproxy) supplies one
// that dispatches on RegionSpec.Provider to NewAWSAdapter/NewGCSAdapter/
// NewAzureAdapter.
type AdapterFactory func(ctx context.Context, cfg *config.Configuration, region config.RegionSpec) (backend.Adapter, error)

// DefaultAdapterFactory builds a real provider adapter for region,
// pointing AWS-compatible adapters at the local emulator when LOCAL=true.
func DefaultAdapterFactory(ctx context.Context, cfg *config.Configuration, region config.RegionSpec) (backend.Adapter, error) {
	switch region.Provider {
	case "aws":
		return backend.NewAWSAdapter(ctx, region.RegionTag(), region.Region, cfg.AdapterEndpoint(),
			cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey)
	case "gcs":
		return backend.NewGCSAdapter(ctx, region.RegionTag())
	case "azure":
		return backend.NewAzureAdapter(ctx, region.RegionTag(), cfg.StorageAccount, cfg.StorageAccessKey)
	default:
		return nil, errors.New(errors.ErrCodeUnknownBackend, "unknown provider").
			WithComponent("bootstrap").WithDetail("provider", region.Provider)
	}
}

// Bootstrap owns the adapter registry and directory client built at
// startup; both are shared by reference and never mutated afterward.
type Bootstrap struct {
	Config    *config.Configuration
	Registry  *backend.Registry
	Directory *directory.Client
	Breakers  *circuit.Manager
	Log       *logrus.Logger

	started bool
}

// New constructs a Bootstrap from a loaded configuration. It performs no
// I/O; Start does.
func New(cfg *config.Configuration, log *logrus.Logger) *Bootstrap {
	if log == nil {
		log = logrus.New()
	}
	return &Bootstrap{
		Config:   cfg,
		Breakers: circuit.NewManager(circuit.Config{}),
		Log:      log,
	}
}

// Start builds one adapter per configured region via factory, probes the
// directory's healthz, registers the active GET/PUT policy, and ensures
// every region's scratch bucket exists with the configured versioning
// mode. Any failure here is fatal, except bucket-already-exists on the
// scratch-bucket create, which is swallowed, and NotImplemented from
// PutBucketVersioning, which is logged and tolerated.
func (b *Bootstrap) Start(ctx context.Context, factory AdapterFactory) error {
	if b.started {
		return errors.New(errors.ErrCodeInternalError, "bootstrap already started").WithComponent("bootstrap")
	}

	b.Log.WithFields(logrus.Fields{
		"regions":       len(b.Config.InitRegions),
		"client_region": b.Config.ClientFromRegion,
		"local":         b.Config.Local,
	}).Info("starting skyproxy bootstrap")

	adapters := make([]backend.Adapter, 0, len(b.Config.InitRegions))
	for _, region := range b.Config.InitRegions {
		a, err := factory(ctx, b.Config, region)
		if err != nil {
			return errors.Wrap(errors.ErrCodeInternalError, err, "adapter factory failed").
				WithComponent("bootstrap").WithDetail("region_tag", region.RegionTag())
		}
		adapters = append(adapters, backend.Guard(a, b.Breakers))
		b.Log.WithField("region_tag", region.RegionTag()).Info("adapter ready")
	}
	b.Registry = backend.NewRegistry(adapters...)

	if b.Directory == nil {
		b.Directory = directory.New(b.Config.DirectoryBaseURL())
	}
	if err := b.Directory.Healthz(ctx); err != nil {
		return errors.Wrap(errors.ErrCodeInternalError, err, "directory healthz failed").WithComponent("bootstrap")
	}
	b.Log.Info("directory healthz ok")

	if err := b.Directory.UpdatePolicy(ctx, b.Config.GetPolicy, b.Config.PutPolicy); err != nil {
		return errors.Wrap(errors.ErrCodeInternalError, err, "update_policy failed").WithComponent("bootstrap")
	}
	b.Log.WithFields(logrus.Fields{"get_policy": b.Config.GetPolicy, "put_policy": b.Config.PutPolicy}).Info("policy registered")

	for i, region := range b.Config.InitRegions {
		if err := b.ensureScratchBucket(ctx, adapters[i], region); err != nil {
			return err
		}
	}

	b.started = true
	b.Log.Info("skyproxy bootstrap complete")
	return nil
}

// ensureScratchBucket creates region's scratch bucket (swallowing
// already-exists) and sets its versioning mode to match
// Config.VersionEnable. Azure's PutBucketVersioning is unsupported;
// NotImplemented is logged and tolerated rather than treated as a fatal
// bootstrap error, since Azure's lack of container-level versioning is a
// known, permanent provider limitation rather than a transient fault.
func (b *Bootstrap) ensureScratchBucket(ctx context.Context, a backend.Adapter, region config.RegionSpec) error {
	name := b.Config.ScratchBucketName(region)

	err := a.CreateBucket(ctx, name)
	if err != nil && !isBucketAlreadyExists(err) {
		return errors.Wrap(errors.ErrCodeInternalError, err, "create scratch bucket failed").
			WithComponent("bootstrap").WithDetail("bucket", name)
	}

	if err := a.PutBucketVersioning(ctx, name, b.Config.VersionEnable); err != nil {
		if errors.IsNotImplemented(err) {
			b.Log.WithField("region_tag", region.RegionTag()).Warn("bucket versioning not supported by provider, skipping")
			return nil
		}
		return errors.Wrap(errors.ErrCodeInternalError, err, "put_bucket_versioning failed").
			WithComponent("bootstrap").WithDetail("bucket", name)
	}
	return nil
}

// isBucketAlreadyExists reports whether err represents a bucket that
// already exists, which bootstrap swallows on the scratch-bucket create.
func isBucketAlreadyExists(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsAny(msg, "BucketAlreadyOwnedByYou", "BucketAlreadyExists", "ContainerAlreadyExists", "409")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(sub) > 0 && indexOf(s, sub) >= 0 {
			return true
		}
	}
	return false
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

// Stop releases every adapter's pooled connections.
func (b *Bootstrap) Stop() error {
	if b.Registry == nil {
		return nil
	}
	b.Log.Info("stopping skyproxy bootstrap")
	if err := b.Registry.Close(); err != nil {
		return fmt.Errorf("closing adapter registry: %w", err)
	}
	return nil
}
