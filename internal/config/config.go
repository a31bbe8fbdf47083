package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds the supervisor settings.
type Config struct {
	// Name identifies this deployment in logs and in the service manager.
	Name string `yaml:"name" mapstructure:"name"`
	// Port is the port the app service must listen on.
	Port int `yaml:"port" mapstructure:"port"`
	// ManagePort is the port the manage service must listen on.
	ManagePort int `yaml:"manage_port" mapstructure:"manage_port"`
	// DiagPort is where the diagnostic API is served. Zero disables it.
	DiagPort int `yaml:"diag_port" mapstructure:"diag_port"`
	// AppRepository is the owner/name of the release feed for app. Required.
	AppRepository string `yaml:"app_repository" mapstructure:"app_repository"`
	// ManageRepository is the owner/name of the release feed for manage. Optional.
	ManageRepository string `yaml:"manage_repository" mapstructure:"manage_repository"`
	// ReleaseAPI is the base URL of the release hosting API.
	ReleaseAPI string `yaml:"release_api" mapstructure:"release_api"`
	// AssetSuffix marks a release asset as an installable bundle.
	AssetSuffix string `yaml:"asset_suffix" mapstructure:"asset_suffix"`
	// InstallRoot holds one directory per service with one subdirectory per tag.
	InstallRoot string `yaml:"install_root" mapstructure:"install_root"`
	// EntryPoint is the file, relative to a version directory, that starts the program.
	EntryPoint string `yaml:"entry_point" mapstructure:"entry_point"`
	// Runtime is the command prefix used to run the entry point.
	Runtime []string `yaml:"runtime" mapstructure:"runtime"`
	// ExtractCommand unpacks an archive; {archive} and {dir} are substituted.
	ExtractCommand []string `yaml:"extract_command" mapstructure:"extract_command"`
	// InstallCommand installs dependencies inside an extracted version directory.
	InstallCommand []string `yaml:"install_command" mapstructure:"install_command"`
	// MonitorInterval is how often the release feeds are checked again.
	MonitorInterval time.Duration `yaml:"monitor_interval" mapstructure:"monitor_interval"`
	// StartTimeout bounds how long a program may take to become ready.
	StartTimeout time.Duration `yaml:"start_timeout" mapstructure:"start_timeout"`
	// StopTimeout bounds how long a program may take to exit after SIGTERM.
	StopTimeout time.Duration `yaml:"stop_timeout" mapstructure:"stop_timeout"`
	// Production enables file logging and process restarts on unrecoverable swaps.
	Production bool `yaml:"production" mapstructure:"production"`
	// Store selects the persisted history backend.
	Store Store `yaml:"store" mapstructure:"store"`
	// Log controls the supervisor and program logs.
	Log Log `yaml:"log" mapstructure:"log"`

	// path is the file this configuration was loaded from.
	path string
}

// Store selects and locates the persisted history backend.
type Store struct {
	// Type is "file" (JSON document) or "sqlite".
	Type string `yaml:"type" mapstructure:"type"`
	// Path is the database file.
	Path string `yaml:"path" mapstructure:"path"`
}

// Log controls logging destinations and rotation.
type Log struct {
	Level string `yaml:"level" mapstructure:"level"`
	// ProgramLevel is the minimum level at which program output is echoed to the main log.
	ProgramLevel string `yaml:"program_level" mapstructure:"program_level"`
	// File is the production log file.
	File string `yaml:"file" mapstructure:"file"`
	// Dir holds the per-service program output files.
	Dir        string `yaml:"dir" mapstructure:"dir"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

const (
	// DefaultConfigFilename is the default filename for supervisor settings.
	DefaultConfigFilename = "service-core.yaml"

	// DefaultReleaseAPI is the GitHub REST API.
	DefaultReleaseAPI = "https://api.github.com"

	// DefaultAssetSuffix marks installable release assets.
	DefaultAssetSuffix = "-sc.zip"

	// DefaultEntryPoint is the program entry point inside a version directory.
	DefaultEntryPoint = "index.mjs"

	// DefaultMonitorInterval is the pause between periodic update checks.
	DefaultMonitorInterval = 6 * time.Hour

	// DefaultStartTimeout bounds program start.
	DefaultStartTimeout = 60 * time.Second

	// DefaultStopTimeout bounds program stop before it is killed.
	DefaultStopTimeout = 10 * time.Second

	// DefaultStoreFilename is the JSON store file.
	DefaultStoreFilename = "db.json"

	// DefaultFilePermissions is the default file permission for config files.
	DefaultFilePermissions = 0o600

	envPrefix = "SERVICE_CORE"
)

const (
	// StoreFile keeps the history in a JSON document.
	StoreFile = "file"
	// StoreSQLite keeps the history in a SQLite database.
	StoreSQLite = "sqlite"
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errPortRequired is returned when a service port is missing.
	errPortRequired = errors.New("port must be provided")
	// errPortsClash is returned when two contexts share a port.
	errPortsClash = errors.New("ports must differ")
	// errUnknownStore is returned for an unsupported store type.
	errUnknownStore = errors.New("unknown store type")
	// errRuntimeRequired is returned when no runtime command is configured.
	errRuntimeRequired = errors.New("runtime command must be provided")
)

// Load reads configuration from the provided path and validates essential fields.
// Every key may be overridden from the environment, e.g. SERVICE_CORE_PORT
// or SERVICE_CORE_STORE_PATH.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	v := viper.New()
	v.SetConfigFile(filepath.Clean(path))
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	cfg.path = abs

	return &cfg, nil
}

// Save writes Settings to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	// Restrict permissions.
	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate checks the provided settings for required fields and fills defaults.
func Validate(settings *Config) error {
	if settings == nil {
		return errConfigIsNotSet
	}

	if settings.Port <= 0 || settings.ManagePort <= 0 {
		return errPortRequired
	}

	if settings.Port == settings.ManagePort ||
		(settings.DiagPort > 0 && (settings.DiagPort == settings.Port || settings.DiagPort == settings.ManagePort)) {
		return errPortsClash
	}

	if settings.Name == "" {
		settings.Name = "service-core"
	}

	if settings.ReleaseAPI == "" {
		settings.ReleaseAPI = DefaultReleaseAPI
	}

	if _, err := url.ParseRequestURI(settings.ReleaseAPI); err != nil {
		return fmt.Errorf("invalid release api URI: %w", err)
	}

	if settings.AssetSuffix == "" {
		settings.AssetSuffix = DefaultAssetSuffix
	}

	if settings.InstallRoot == "" {
		settings.InstallRoot = "."
	}

	if settings.EntryPoint == "" {
		settings.EntryPoint = DefaultEntryPoint
	}

	if len(settings.Runtime) == 0 {
		if filepath.Ext(settings.EntryPoint) != ".mjs" && filepath.Ext(settings.EntryPoint) != ".js" {
			return errRuntimeRequired
		}

		settings.Runtime = []string{"node"}
	}

	if len(settings.ExtractCommand) == 0 {
		settings.ExtractCommand = []string{"7z", "x", "-y", "-o{dir}", "{archive}"}
	}

	if len(settings.InstallCommand) == 0 {
		settings.InstallCommand = []string{
			"npm", "install", "--production", "--no-optional", "--no-package-lock", "--no-audit",
		}
	}

	if settings.MonitorInterval <= 0 {
		settings.MonitorInterval = DefaultMonitorInterval
	}

	if settings.StartTimeout <= 0 {
		settings.StartTimeout = DefaultStartTimeout
	}

	if settings.StopTimeout <= 0 {
		settings.StopTimeout = DefaultStopTimeout
	}

	return validateStore(&settings.Store)
}

func validateStore(s *Store) error {
	switch s.Type {
	case "":
		s.Type = StoreFile
	case StoreFile, StoreSQLite:
	default:
		return fmt.Errorf("%w: %s", errUnknownStore, s.Type)
	}

	if s.Path == "" {
		s.Path = DefaultStoreFilename
		if s.Type == StoreSQLite {
			s.Path = "db.sqlite"
		}
	}

	return nil
}

// Path returns the absolute path of the file the settings were loaded from.
func (c *Config) Path() string {
	return c.path
}

// Repository returns the configured release repository for a service name.
func (c *Config) Repository(service string) string {
	switch service {
	case "app":
		return c.AppRepository
	case "manage":
		return c.ManageRepository
	default:
		return ""
	}
}

// PortFor returns the port a service is expected to bind.
func (c *Config) PortFor(service string) int {
	if service == "manage" {
		return c.ManagePort
	}

	return c.Port
}
