// Package config loads the proxy's env-driven bootstrap configuration:
// region list,
// client region, local-emulator toggle, directory address, scratch-bucket
// prefix, placement policy strings, versioning mode, and provider
// credentials.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/skystore/skyproxy/internal/model"
	"github.com/skystore/skyproxy/pkg/errors"
)

// RegionSpec is one entry of INIT_REGIONS: a configured (provider, region)
// pair the bootstrap component builds an adapter for.
type RegionSpec struct {
	Provider string // "aws", "gcs", or "azure"
	Region   string
}

// RegionTag returns the "provider:region" form used throughout the data
// model (PhysicalLocator.RegionTag, directory locator records).
func (r RegionSpec) RegionTag() string { return r.Provider + ":" + r.Region }

// Configuration is the complete set of env-driven settings bootstrap
// needs to build adapters, register the placement policy, and stand up
// the directory client.
type Configuration struct {
	InitRegions       []RegionSpec
	ClientFromRegion  string
	Local             bool
	LocalServer       bool
	ServerAddr        string
	BucketPrefix      string
	GetPolicy         string
	PutPolicy         string
	VersionEnable     model.VersioningMode
	AWSAccessKeyID    string
	AWSSecretAccessKey string
	StorageAccount    string
	StorageAccessKey  string
}

// fileOverrides mirrors the subset of Configuration an operator may want to
// pin in a checked-in file rather than an environment variable: the region
// fleet and the placement policy names. Credentials and local-emulator
// toggles stay environment-only so they never land in a committed file.
type fileOverrides struct {
	InitRegions      []string `yaml:"init_regions"`
	ClientFromRegion string   `yaml:"client_from_region"`
	BucketPrefix     string   `yaml:"bucket_prefix"`
	GetPolicy        string   `yaml:"get_policy"`
	PutPolicy        string   `yaml:"put_policy"`
	VersionEnable    string   `yaml:"version_enable"`
}

// LoadFromFile reads a YAML overrides file and applies its fields onto cfg.
// Env vars are read after LoadFromFile by LoadFromEnv, so exporting a
// variable still takes precedence over the file, matching the layering
// LoadFromEnv already documents for SKYPROXY_CONFIG_FILE.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var ov fileOverrides
	if err := yaml.Unmarshal(data, &ov); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	if len(ov.InitRegions) > 0 {
		regions := make([]RegionSpec, 0, len(ov.InitRegions))
		for _, r := range ov.InitRegions {
			spec, err := parseRegions(r)
			if err != nil {
				return err
			}
			regions = append(regions, spec...)
		}
		c.InitRegions = regions
	}
	if ov.ClientFromRegion != "" {
		c.ClientFromRegion = ov.ClientFromRegion
	}
	if ov.BucketPrefix != "" {
		c.BucketPrefix = ov.BucketPrefix
	}
	if ov.GetPolicy != "" {
		c.GetPolicy = ov.GetPolicy
	}
	if ov.PutPolicy != "" {
		c.PutPolicy = ov.PutPolicy
	}
	if ov.VersionEnable != "" {
		c.VersionEnable = model.VersioningMode(ov.VersionEnable)
	}
	return nil
}

// localEmulatorEndpoint is where AWS adapters point when LOCAL=true. GCS
// and Azure adapters do not use it and connect to their providers'
// default endpoints.
const localEmulatorEndpoint = "http://localhost:8014"

// localDirectoryAddr is the directory address when LOCAL_SERVER=true.
const localDirectoryAddr = "127.0.0.1:3000"

// LoadFromEnv reads and validates the configuration from the process
// environment. A missing required variable is a fatal startup condition.
func LoadFromEnv() (*Configuration, error) {
	cfg := &Configuration{
		Local:       parseBool(os.Getenv("LOCAL")),
		LocalServer: parseBool(os.Getenv("LOCAL_SERVER")),
		ServerAddr:  os.Getenv("SERVER_ADDR"),

		AWSAccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		AWSSecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		StorageAccount:     os.Getenv("STORAGE_ACCOUNT"),
		StorageAccessKey:   os.Getenv("STORAGE_ACCESS_KEY"),
	}

	// The region fleet and placement policy may be pinned in a checked-in
	// YAML file; individually exported env vars still win below so an
	// operator can override one field of a shared file without forking it.
	if path := os.Getenv("SKYPROXY_CONFIG_FILE"); path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, err
		}
	}

	if raw := os.Getenv("INIT_REGIONS"); raw != "" {
		regions, err := parseRegions(raw)
		if err != nil {
			return nil, err
		}
		cfg.InitRegions = regions
	}
	if val := os.Getenv("CLIENT_FROM_REGION"); val != "" {
		cfg.ClientFromRegion = val
	}
	if val := os.Getenv("SKYSTORE_BUCKET_PREFIX"); val != "" {
		cfg.BucketPrefix = val
	}
	if val := os.Getenv("GET_POLICY"); val != "" {
		cfg.GetPolicy = val
	}
	if val := os.Getenv("PUT_POLICY"); val != "" {
		cfg.PutPolicy = val
	}
	if val := os.Getenv("VERSION_ENABLE"); val != "" {
		cfg.VersionEnable = model.VersioningMode(val)
	}

	if cfg.VersionEnable == "" {
		cfg.VersionEnable = model.VersioningNull
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseRegions parses the comma-separated "provider:region" list.
func parseRegions(raw string) ([]RegionSpec, error) {
	if raw == "" {
		return nil, missingConfig("INIT_REGIONS")
	}
	parts := strings.Split(raw, ",")
	specs := make([]RegionSpec, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		kv := strings.SplitN(p, ":", 2)
		if len(kv) != 2 || kv[0] == "" || kv[1] == "" {
			return nil, errors.New(errors.ErrCodeMissingConfig, "INIT_REGIONS entry must be provider:region").
				WithComponent("config").WithDetail("entry", p)
		}
		specs = append(specs, RegionSpec{Provider: strings.ToLower(kv[0]), Region: kv[1]})
	}
	if len(specs) == 0 {
		return nil, missingConfig("INIT_REGIONS")
	}
	return specs, nil
}

// Validate checks that every required variable is present, and that
// provider-specific credentials are set for any configured region.
func (c *Configuration) Validate() error {
	if len(c.InitRegions) == 0 {
		return missingConfig("INIT_REGIONS")
	}
	if c.ClientFromRegion == "" {
		return missingConfig("CLIENT_FROM_REGION")
	}
	if c.BucketPrefix == "" {
		return missingConfig("SKYSTORE_BUCKET_PREFIX")
	}
	if c.GetPolicy == "" {
		return missingConfig("GET_POLICY")
	}
	if c.PutPolicy == "" {
		return missingConfig("PUT_POLICY")
	}
	switch c.VersionEnable {
	case model.VersioningEnabled, model.VersioningSuspended, model.VersioningNull:
	default:
		return errors.New(errors.ErrCodeMissingConfig, "VERSION_ENABLE must be Enabled, Suspended, or NULL").
			WithComponent("config").WithDetail("value", string(c.VersionEnable))
	}

	needsAWS, needsAzure := false, false
	for _, r := range c.InitRegions {
		switch r.Provider {
		case "aws":
			needsAWS = true
		case "azure":
			needsAzure = true
		case "gcs":
			// GCS adapters use ambient application-default credentials;
			// nothing to validate here.
		default:
			return errors.New(errors.ErrCodeUnknownBackend, "unknown provider in INIT_REGIONS").
				WithComponent("config").WithDetail("provider", r.Provider)
		}
	}
	if needsAWS && !c.Local {
		if c.AWSAccessKeyID == "" {
			return missingConfig("AWS_ACCESS_KEY_ID")
		}
		if c.AWSSecretAccessKey == "" {
			return missingConfig("AWS_SECRET_ACCESS_KEY")
		}
	}
	if needsAzure {
		if c.StorageAccount == "" {
			return missingConfig("STORAGE_ACCOUNT")
		}
		if c.StorageAccessKey == "" {
			return missingConfig("STORAGE_ACCESS_KEY")
		}
	}
	if !c.Local && !c.LocalServer && c.ServerAddr == "" {
		return missingConfig("SERVER_ADDR")
	}
	return nil
}

// DirectoryBaseURL resolves the directory's base URL: localhost when
// LOCAL_SERVER is set, otherwise SERVER_ADDR on port 3000.
func (c *Configuration) DirectoryBaseURL() string {
	if c.LocalServer {
		return fmt.Sprintf("http://%s", localDirectoryAddr)
	}
	return fmt.Sprintf("http://%s:3000", c.ServerAddr)
}

// AdapterEndpoint resolves the endpoint an AWS-compatible adapter should
// target: the local emulator when LOCAL is set, otherwise the real
// provider endpoint (empty string lets the SDK derive it from region).
func (c *Configuration) AdapterEndpoint() string {
	if c.Local {
		return localEmulatorEndpoint
	}
	return ""
}

// ScratchBucketName derives the deterministic per-region scratch-bucket
// name bootstrap ensures exists, prefixed by SKYSTORE_BUCKET_PREFIX.
func (c *Configuration) ScratchBucketName(r RegionSpec) string {
	return fmt.Sprintf("%s-%s-%s", c.BucketPrefix, r.Provider, sanitizeRegion(r.Region))
}

func sanitizeRegion(region string) string {
	return strings.ToLower(strings.ReplaceAll(region, "_", "-"))
}

func missingConfig(name string) error {
	return errors.New(errors.ErrCodeMissingConfig, "missing required environment variable").
		WithComponent("config").WithDetail("variable", name)
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}
