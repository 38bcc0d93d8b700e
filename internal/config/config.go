package config

import (
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jeremywohl/flatten"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/metal-toolbox/conductor/internal/model"
)

var (
	defaultNatsConnectTimeout = 100 * time.Millisecond
	defaultLockLease          = time.Minute
	defaultLockTimeout        = 30 * time.Second
	defaultTaskRetention      = time.Hour
	defaultCallTimeout        = 30 * time.Second
	defaultRetryDelay         = 500 * time.Millisecond
	defaultRetryMaxDelay      = 10 * time.Second
	defaultPowerSyncInterval  = time.Minute
)

// NatsConfig holds NATS specific configuration
type NatsConfig struct {
	URL            string        `mapstructure:"url"`
	CredsFile      string        `mapstructure:"creds_file"`
	KVReplicas     int           `mapstructure:"kv_replicas"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	LockBucket     string        `mapstructure:"lock_bucket"`
	JournalBucket  string        `mapstructure:"journal_bucket"`
}

func newNatsConfig() *NatsConfig {
	return &NatsConfig{
		ConnectTimeout: defaultNatsConnectTimeout,
		LockBucket:     "conductor-node-locks",
		JournalBucket:  "conductor-journal",
	}
}

// FleetDBOptions defines configuration for the fleetdb client.
// https://github.com/metal-toolbox/fleetdb
type FleetDBOptions struct {
	Endpoint             string   `mapstructure:"endpoint"`
	OidcIssuerEndpoint   string   `mapstructure:"oidc_issuer_endpoint"`
	OidcAudienceEndpoint string   `mapstructure:"oidc_audience_endpoint"`
	OidcClientSecret     string   `mapstructure:"oidc_client_secret"`
	OidcClientID         string   `mapstructure:"oidc_client_id"`
	OidcClientScopes     []string `mapstructure:"oidc_client_scopes"`
	DisableOAuth         bool     `mapstructure:"disable_oauth"`
}

// TasksConfig bounds task lock handling.
type TasksConfig struct {
	// LockLease is the lease duration on a node reservation. Leases are
	// renewed at a third of this interval while a call is in flight.
	LockLease time.Duration `mapstructure:"lock_lease"`

	// LockTimeout bounds how long a task retries lock acquisition on a
	// contended node before it fails.
	LockTimeout time.Duration `mapstructure:"lock_timeout"`

	// Retention is how long a closed task stays queryable. Tasks closed
	// longer ago are pruned, along with their idempotency tokens.
	Retention time.Duration `mapstructure:"retention"`
}

// ExecutorConfig bounds a single out-of-band call.
type ExecutorConfig struct {
	CallTimeout   time.Duration `mapstructure:"call_timeout"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	RetryMaxDelay time.Duration `mapstructure:"retry_max_delay"`
}

// PowerSyncConfig tunes the background power state reconciler.
type PowerSyncConfig struct {
	Disable     bool          `mapstructure:"disable"`
	Interval    time.Duration `mapstructure:"interval"`
	MaxFailures int           `mapstructure:"max_failures"`
}

// Configuration holds application configuration read from a YAML or set by env variables.
// nolint:govet // prefer readability over field alignment optimization for this case.
type Configuration struct {
	// LogLevel is the app verbose logging level.
	// one of - info, debug, trace
	LogLevel string `mapstructure:"log_level"`

	// Concurrency is the number of concurrent tasks that can be running at once.
	Concurrency int `mapstructure:"concurrency"`

	// FacilityCode limits this service to events in a facility.
	FacilityCode string `mapstructure:"facility_code"`

	// Store selects the node inventory backend.
	Store model.StoreKind `mapstructure:"store"`

	// Locks selects the node lock backend. The NATS backend shares
	// reservations across a fleet of conductors.
	Locks model.LockKind `mapstructure:"locks"`

	// Dryrun routes all out-of-band calls to the simulated driver.
	Dryrun bool `mapstructure:"dryrun"`

	Tasks     TasksConfig     `mapstructure:"tasks"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	PowerSync PowerSyncConfig `mapstructure:"power_sync"`

	Endpoints Endpoints `mapstructure:"endpoints"`

	EnableProfiling bool `mapstructure:"enable_profiling"`
}

type Endpoints struct {
	// NatsConfig defines the NATs events broker configuration parameters.
	Nats *NatsConfig `mapstructure:"nats"`

	// FleetDBOptions defines the fleetdb client configuration parameters
	FleetDB *FleetDBOptions `mapstructure:"fleetdb"`
}

// New creates an empty configuration struct.
func New() *Configuration {
	config := &Configuration{}

	// these are initialized here so viper can read in configuration from env vars
	// once https://github.com/spf13/viper/pull/1429 is merged, this can go.
	config.Endpoints.FleetDB = &FleetDBOptions{}
	config.Endpoints.Nats = newNatsConfig()

	return config
}

func (c *Configuration) AsLogFields() []any {
	return []any{
		"logLevel", c.LogLevel,
		"concurrency", c.Concurrency,
		"facilityCode", c.FacilityCode,
		"store", string(c.Store),
		"locks", string(c.Locks),
		"dryrun", c.Dryrun,
		"disableOAuth", c.Endpoints.FleetDB.DisableOAuth,
		"fleetDBUrl", c.Endpoints.FleetDB.Endpoint,
		"natsURL", c.Endpoints.Nats.URL,
		"enableProfiling", c.EnableProfiling,
	}
}

func (c *Configuration) LoadArgs(args *model.Args) {
	c.LogLevel = args.LogLevel
	c.EnableProfiling = args.EnableProfiling
	c.FacilityCode = args.FacilityCode

	if args.Dryrun {
		c.Dryrun = true
	}
}

// Load the application configuration
// Reads in the configFile when available and overrides from environment variables.
func Load(args *model.Args) (*Configuration, error) {
	viperConfig := viper.New()
	viperConfig.SetConfigType("yaml")
	viperConfig.SetEnvPrefix(model.AppName)
	viperConfig.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viperConfig.AutomaticEnv()

	if args.ConfigFile != "" {
		fh, err := os.Open(args.ConfigFile)
		if err != nil {
			return nil, errors.Wrap(model.ErrConfig, err.Error())
		}

		if err = viperConfig.ReadConfig(fh); err != nil {
			return nil, errors.Wrap(model.ErrConfig, "ReadConfig error: "+err.Error())
		}
	}

	config := New()

	if err := config.envBindVars(viperConfig); err != nil {
		return nil, errors.Wrap(model.ErrConfig, "env var bind error: "+err.Error())
	}

	if err := viperConfig.Unmarshal(config); err != nil {
		return nil, errors.Wrap(model.ErrConfig, "Unmarshal error: "+err.Error())
	}

	config.LoadArgs(args)

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// envBindVars binds environment variables to the struct
// without a configuration file being unmarshalled,
// this is a workaround for a viper bug,
//
// This can be replaced by the solution in https://github.com/spf13/viper/pull/1429
// once that PR is merged.
func (c *Configuration) envBindVars(viperConfig *viper.Viper) error {
	envKeysMap := map[string]interface{}{}
	if err := mapstructure.Decode(c, &envKeysMap); err != nil {
		return err
	}

	// Flatten nested conf map
	flat, err := flatten.Flatten(envKeysMap, "", flatten.DotStyle)
	if err != nil {
		return errors.Wrap(err, "Unable to flatten configuration")
	}

	for k := range flat {
		if err := viperConfig.BindEnv(k); err != nil {
			return errors.Wrap(model.ErrConfig, "env var bind error: "+err.Error())
		}
	}

	return nil
}

// nolint:gocyclo // parameter defaulting and validation is cyclomatic
func (c *Configuration) validate() error {
	if c.FacilityCode == "" {
		return errors.Wrap(model.ErrConfig, "no facility code")
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.Concurrency == 0 {
		c.Concurrency = 1
	}

	if c.Store == "" {
		c.Store = model.StoreKindMemory
	}

	if c.Locks == "" {
		c.Locks = model.LockKindMemory
	}

	if c.Tasks.LockLease == 0 {
		c.Tasks.LockLease = defaultLockLease
	}

	if c.Tasks.LockTimeout == 0 {
		c.Tasks.LockTimeout = defaultLockTimeout
	}

	if c.Tasks.Retention == 0 {
		c.Tasks.Retention = defaultTaskRetention
	}

	if c.Executor.CallTimeout == 0 {
		c.Executor.CallTimeout = defaultCallTimeout
	}

	if c.Executor.MaxAttempts == 0 {
		c.Executor.MaxAttempts = 3
	}

	if c.Executor.RetryDelay == 0 {
		c.Executor.RetryDelay = defaultRetryDelay
	}

	if c.Executor.RetryMaxDelay == 0 {
		c.Executor.RetryMaxDelay = defaultRetryMaxDelay
	}

	if c.PowerSync.Interval == 0 {
		c.PowerSync.Interval = defaultPowerSyncInterval
	}

	if c.PowerSync.MaxFailures == 0 {
		c.PowerSync.MaxFailures = 3
	}

	if c.Store == model.StoreKindFleetDB {
		if err := c.validateFleetDB(); err != nil {
			return err
		}
	}

	// the condition listener, the journal and the shared lock backend
	// all ride on NATS, the service cannot start without it
	if c.Endpoints.Nats.URL == "" {
		return errors.Wrap(model.ErrConfig, "missing parameter: nats.url")
	}

	return nil
}

func (c *Configuration) validateFleetDB() error {
	if c.Endpoints.FleetDB == nil || c.Endpoints.FleetDB.Endpoint == "" {
		return errors.Wrap(model.ErrConfig, "missing parameter: fleetdb.endpoint")
	}

	if _, err := url.Parse(c.Endpoints.FleetDB.Endpoint); err != nil {
		return errors.Wrap(model.ErrConfig, "fleetdb endpoint URL error: "+err.Error())
	}

	if c.Endpoints.FleetDB.DisableOAuth {
		return nil
	}

	required := map[string]string{
		"fleetdb.oidc_issuer_endpoint":   c.Endpoints.FleetDB.OidcIssuerEndpoint,
		"fleetdb.oidc_audience_endpoint": c.Endpoints.FleetDB.OidcAudienceEndpoint,
		"fleetdb.oidc_client_secret":     c.Endpoints.FleetDB.OidcClientSecret,
		"fleetdb.oidc_client_id":         c.Endpoints.FleetDB.OidcClientID,
	}

	for param, value := range required {
		if value == "" {
			return errors.Wrap(model.ErrConfig, "missing parameter: "+param)
		}
	}

	if len(c.Endpoints.FleetDB.OidcClientScopes) == 0 {
		return errors.Wrap(model.ErrConfig, "missing parameter: fleetdb.oidc_client_scopes")
	}

	return nil
}
