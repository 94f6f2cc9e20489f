// Package config provides configuration loading and management for the dataset cache.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/stacklok/socrata-cache/internal/telemetry"
)

const (
	// ResourceTypeCSV is the comma separated values artifact type
	ResourceTypeCSV = "csv"

	// ResourceTypeJSON is the JSON artifact type
	ResourceTypeJSON = "json"

	// ResourceTypeXML is the XML artifact type
	ResourceTypeXML = "xml"
)

const (
	// StorageTypeFile keeps dataset records in a JSON document in the data directory
	StorageTypeFile = "file"

	// StorageTypeDatabase keeps dataset records in PostgreSQL
	StorageTypeDatabase = "database"
)

const (
	// DefaultRetentionDays is the age threshold used when retentionDays is not set
	DefaultRetentionDays = 14

	// DefaultRetentionSize is the size cap in gigabytes used when retentionSize is not set
	DefaultRetentionSize = 50

	// DefaultFreshnessSchedule is the cron spec of the freshness detector
	DefaultFreshnessSchedule = "@every 5m"

	// DefaultDownloadSchedule is the cron spec of the publish pipeline
	DefaultDownloadSchedule = "@every 5m"

	// DefaultRetentionSchedule is the cron spec of the retention evictor
	DefaultRetentionSchedule = "@every 1m"

	// DefaultRequestsPerSecond bounds the request rate against the source
	DefaultRequestsPerSecond = 5.0
)

const (
	// EnvPrefix is the prefix of every environment variable read by the service
	EnvPrefix = "SOCRATACACHE"

	// DatabasePasswordEnv is the environment variable consulted for the database password
	DatabasePasswordEnv = EnvPrefix + "_DATABASE_PASSWORD"
)

// resource ids end up in file names, so they are restricted to a safe alphabet
var resourceIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML (or JSON) file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		// Validate the path to prevent path traversal attacks
		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	// BaseURL is the Socrata portal root, e.g. https://data.cityofchicago.org
	BaseURL string `yaml:"baseUrl"`

	// AppToken is sent as X-App-Token to raise the portal's throttling limits
	AppToken string `yaml:"appToken,omitempty"`

	// RequestsPerSecond limits outgoing requests to the portal
	RequestsPerSecond float64 `yaml:"requestsPerSecond,omitempty"`

	Resources []ResourceConfig `yaml:"resources"`

	// RetentionDays is the age threshold after which downloaded datasets are evicted
	RetentionDays *int `yaml:"retentionDays,omitempty"`

	// RetentionSize is the size cap of the downloads directory in gigabytes
	RetentionSize *int `yaml:"retentionSize,omitempty"`

	// WebhookURL receives a POST for every dataset status change
	WebhookURL string `yaml:"webhookUrl,omitempty"`

	Schedules *SchedulesConfig  `yaml:"schedules,omitempty"`
	Storage   *StorageConfig    `yaml:"storage,omitempty"`
	Database  *DatabaseConfig   `yaml:"database,omitempty"`
	Telemetry *telemetry.Config `yaml:"telemetry,omitempty"`
}

// ResourceConfig defines a single remote dataset to cache
type ResourceConfig struct {
	// ResourceID is the local identifier, used in artifact file names
	ResourceID string `yaml:"resourceId"`

	// SocrataID is the four-by-four identifier of the dataset on the portal
	SocrataID string `yaml:"socrataId"`

	// Type is the artifact format: csv, json or xml. Defaults to csv.
	Type string `yaml:"type,omitempty"`

	// ExcludedColumns are dropped from the download column selection
	ExcludedColumns []string `yaml:"excludedColumns,omitempty"`

	// Query holds extra SoQL parameters appended to the download URL
	Query map[string]string `yaml:"query,omitempty"`

	// RetainLastFile keeps the newest downloaded dataset through eviction
	RetainLastFile bool `yaml:"retainLastFile,omitempty"`
}

// SchedulesConfig holds the cron specs of the three procedures
type SchedulesConfig struct {
	Freshness string `yaml:"freshness,omitempty"`
	Download  string `yaml:"download,omitempty"`
	Retention string `yaml:"retention,omitempty"`
}

// StorageConfig selects where dataset records are kept
type StorageConfig struct {
	Type string `yaml:"type"`
}

// DatabaseConfig defines database connection settings
type DatabaseConfig struct {
	// Host is the database server hostname or IP address
	Host string `yaml:"host"`

	// Port is the database server port
	Port int `yaml:"port"`

	// User is the database username
	User string `yaml:"user"`

	// PasswordFile is the path to a file containing the database password
	// This is the recommended approach for production deployments
	// The file should contain only the password with optional trailing whitespace
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// Database is the database name
	Database string `yaml:"database"`

	// SSLMode is the SSL mode for the connection (disable, require, verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty"`

	// MaxOpenConns is the maximum number of open connections to the database
	MaxOpenConns int32 `yaml:"maxOpenConns,omitempty"`

	// MaxIdleConns is the maximum number of idle connections in the pool
	MaxIdleConns int32 `yaml:"maxIdleConns,omitempty"`

	// ConnMaxLifetime is the maximum lifetime of a connection (e.g., "1h", "30m")
	ConnMaxLifetime string `yaml:"connMaxLifetime,omitempty"`
}

// GetPassword returns the database password using the following priority:
// 1. Read from PasswordFile if specified
// 2. Read from SOCRATACACHE_DATABASE_PASSWORD environment variable
//
// The password from file will have leading/trailing whitespace trimmed.
func (d *DatabaseConfig) GetPassword() (string, error) {
	if d.PasswordFile != "" {
		cleanPath := filepath.Clean(d.PasswordFile)

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read password from file %s: %w", d.PasswordFile, err)
		}

		return strings.TrimSpace(string(data)), nil
	}

	if envPassword := os.Getenv(DatabasePasswordEnv); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf(
		"no database password configured: set passwordFile or %s environment variable", DatabasePasswordEnv,
	)
}

// GetConnectionString builds a PostgreSQL connection string with proper password handling.
// The password is URL-escaped to handle special characters safely.
func (d *DatabaseConfig) GetConnectionString() (string, error) {
	password, err := d.GetPassword()
	if err != nil {
		return "", err
	}

	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User,
		url.QueryEscape(password),
		d.Host,
		d.Port,
		d.Database,
		sslMode,
	)

	return connString, nil
}

// LoadConfig loads and parses configuration from a YAML file.
// JSON documents are accepted as well since they are valid YAML.
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return ParseConfig(data)
}

// ParseConfig parses and validates a YAML or JSON configuration document.
// Keys are camelCase and matched exactly; an unknown key is an error.
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// GetBaseURL returns the portal root without a trailing slash
func (c *Config) GetBaseURL() string {
	return strings.TrimRight(c.BaseURL, "/")
}

// GetRetentionDays returns the age threshold in days
func (c *Config) GetRetentionDays() int {
	if c.RetentionDays == nil {
		return DefaultRetentionDays
	}
	return *c.RetentionDays
}

// GetRetentionSize returns the size cap in gigabytes
func (c *Config) GetRetentionSize() int {
	if c.RetentionSize == nil {
		return DefaultRetentionSize
	}
	return *c.RetentionSize
}

// GetRetentionSizeBytes returns the size cap in bytes
func (c *Config) GetRetentionSizeBytes() int64 {
	return int64(c.GetRetentionSize()) * 1024 * 1024 * 1024
}

// GetRequestsPerSecond returns the request rate limit against the portal
func (c *Config) GetRequestsPerSecond() float64 {
	if c.RequestsPerSecond <= 0 {
		return DefaultRequestsPerSecond
	}
	return c.RequestsPerSecond
}

// GetStorageType returns the configured record storage, file by default
func (c *Config) GetStorageType() string {
	if c.Storage == nil || c.Storage.Type == "" {
		return StorageTypeFile
	}
	return c.Storage.Type
}

// GetSchedules returns the cron specs with defaults applied
func (c *Config) GetSchedules() SchedulesConfig {
	s := SchedulesConfig{
		Freshness: DefaultFreshnessSchedule,
		Download:  DefaultDownloadSchedule,
		Retention: DefaultRetentionSchedule,
	}
	if c.Schedules == nil {
		return s
	}
	if c.Schedules.Freshness != "" {
		s.Freshness = c.Schedules.Freshness
	}
	if c.Schedules.Download != "" {
		s.Download = c.Schedules.Download
	}
	if c.Schedules.Retention != "" {
		s.Retention = c.Schedules.Retention
	}
	return s
}

// GetResource returns the resource with the given id
func (c *Config) GetResource(resourceID string) (*ResourceConfig, bool) {
	for i := range c.Resources {
		if c.Resources[i].ResourceID == resourceID {
			return &c.Resources[i], true
		}
	}
	return nil, false
}

// GetType returns the artifact type, csv when unset
func (r *ResourceConfig) GetType() string {
	if r.Type == "" {
		return ResourceTypeCSV
	}
	return strings.ToLower(r.Type)
}

// IsExcluded reports whether a column is removed from the download selection
func (r *ResourceConfig) IsExcluded(column string) bool {
	for _, excluded := range r.ExcludedColumns {
		if excluded == column {
			return true
		}
	}
	return false
}

func (c *Config) validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if c.BaseURL == "" {
		return fmt.Errorf("baseUrl is required")
	}
	if u, err := url.Parse(c.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("baseUrl must be an absolute URL, got %q", c.BaseURL)
	}

	if len(c.Resources) == 0 {
		return fmt.Errorf("at least one resource must be configured")
	}

	resourceIDs := make(map[string]bool)
	for i := range c.Resources {
		res := &c.Resources[i]
		if res.ResourceID == "" {
			return fmt.Errorf("resource[%d]: resourceId is required", i)
		}
		if resourceIDs[res.ResourceID] {
			return fmt.Errorf("resource[%d]: duplicate resourceId '%s'", i, res.ResourceID)
		}
		resourceIDs[res.ResourceID] = true

		if err := validateResourceConfig(res, i); err != nil {
			return err
		}
	}

	if err := c.validateRetention(); err != nil {
		return err
	}

	if c.WebhookURL != "" {
		if u, err := url.Parse(c.WebhookURL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("webhookUrl must be an absolute URL, got %q", c.WebhookURL)
		}
	}

	if err := validateSchedules(c.GetSchedules()); err != nil {
		return err
	}

	if err := c.validateStorage(); err != nil {
		return err
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	return nil
}

func validateResourceConfig(res *ResourceConfig, index int) error {
	prefix := fmt.Sprintf("resource[%d] (%s)", index, res.ResourceID)

	if !resourceIDPattern.MatchString(res.ResourceID) {
		return fmt.Errorf("%s: resourceId may only contain letters, digits, '.', '_' and '-'", prefix)
	}
	if res.SocrataID == "" {
		return fmt.Errorf("%s: socrataId is required", prefix)
	}

	switch res.GetType() {
	case ResourceTypeCSV, ResourceTypeJSON, ResourceTypeXML:
	default:
		return fmt.Errorf("%s: type must be one of %s, %s or %s, got %s",
			prefix, ResourceTypeCSV, ResourceTypeJSON, ResourceTypeXML, res.Type)
	}

	return nil
}

func (c *Config) validateRetention() error {
	if c.RetentionDays != nil && *c.RetentionDays < 0 {
		return fmt.Errorf("retentionDays must not be negative, got %d", *c.RetentionDays)
	}
	if c.RetentionSize != nil && *c.RetentionSize < 0 {
		return fmt.Errorf("retentionSize must not be negative, got %d", *c.RetentionSize)
	}
	return nil
}

func validateSchedules(s SchedulesConfig) error {
	specs := map[string]string{
		"freshness": s.Freshness,
		"download":  s.Download,
		"retention": s.Retention,
	}
	for name, spec := range specs {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("schedules.%s: invalid cron spec %q: %w", name, spec, err)
		}
	}
	return nil
}

func (c *Config) validateStorage() error {
	switch c.GetStorageType() {
	case StorageTypeFile:
		return nil
	case StorageTypeDatabase:
		if c.Database == nil {
			return fmt.Errorf("database configuration is required when storage.type is %s", StorageTypeDatabase)
		}
		if c.Database.Host == "" || c.Database.Database == "" || c.Database.User == "" {
			return fmt.Errorf("database: host, database and user are required")
		}
		return nil
	default:
		return fmt.Errorf("storage.type must be %s or %s, got %s", StorageTypeFile, StorageTypeDatabase, c.Storage.Type)
	}
}
