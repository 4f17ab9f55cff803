package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// DefaultAPIURL is the catalog endpoint used when none is configured.
const DefaultAPIURL = "https://download.luddite-os.ch/api/apks"

// DefaultInstallAction is the intent-style action passed to install launchers.
const DefaultInstallAction = "com.luddite.app.store.INSTALL_PACKAGE"

type Config struct {
	APIURL                 string `mapstructure:"api_url" yaml:"api_url"`
	APIKey                 string `mapstructure:"api_key" yaml:"api_key"`
	CatalogTimeoutSeconds  int    `mapstructure:"catalog_timeout_seconds" yaml:"catalog_timeout_seconds"`
	CatalogMaxRetries      int    `mapstructure:"catalog_max_retries" yaml:"catalog_max_retries"`
	DownloadDir            string `mapstructure:"download_dir" yaml:"download_dir"`
	DownloadTimeoutSeconds int    `mapstructure:"download_timeout_seconds" yaml:"download_timeout_seconds"`
	MinFreeBytes           uint64 `mapstructure:"min_free_bytes" yaml:"min_free_bytes"`
	Workers                int    `mapstructure:"workers" yaml:"workers"`
	QueueSize              int    `mapstructure:"queue_size" yaml:"queue_size"`
	Visibility             string `mapstructure:"visibility" yaml:"visibility"`
	AllowMetered           bool   `mapstructure:"allow_metered" yaml:"allow_metered"`
	AllowRoaming           bool   `mapstructure:"allow_roaming" yaml:"allow_roaming"`

	InstallCommand []string `mapstructure:"install_command" yaml:"install_command"`
	InstallAction  string   `mapstructure:"install_action" yaml:"install_action"`

	StorageBucketURL      string `mapstructure:"storage_bucket_url" yaml:"storage_bucket_url"`
	S3Region              string `mapstructure:"s3_region" yaml:"s3_region"`
	S3Endpoint            string `mapstructure:"s3_endpoint" yaml:"s3_endpoint"`
	S3AccessKeyID         string `mapstructure:"s3_access_key_id" yaml:"s3_access_key_id"`
	S3SecretAccessKey     string `mapstructure:"s3_secret_access_key" yaml:"s3_secret_access_key"`
	S3SessionToken        string `mapstructure:"s3_session_token" yaml:"s3_session_token"`
	GCSCredentialsFile    string `mapstructure:"gcs_credentials_file" yaml:"gcs_credentials_file"`
	AzureConnectionString string `mapstructure:"azure_connection_string" yaml:"azure_connection_string"`
	B2AccountID           string `mapstructure:"b2_account_id" yaml:"b2_account_id"`
	B2ApplicationKey      string `mapstructure:"b2_application_key" yaml:"b2_application_key"`

	LogFormat     string `mapstructure:"log_format" yaml:"log_format"`
	LogLevel      string `mapstructure:"log_level" yaml:"log_level"`
	LogFile       string `mapstructure:"log_file" yaml:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb" yaml:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups" yaml:"log_max_backups"`
	AuditURL      string `mapstructure:"audit_url" yaml:"audit_url"`
	AuditLevel    string `mapstructure:"audit_level" yaml:"audit_level"`

	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

func Default() *Config {
	return &Config{
		APIURL:                 DefaultAPIURL,
		CatalogTimeoutSeconds:  30,
		CatalogMaxRetries:      0,
		DownloadDir:            filepath.Join(dataDir(), "apk_downloads"),
		DownloadTimeoutSeconds: 3600,
		MinFreeBytes:           64 * 1024 * 1024,
		Workers:                1,
		QueueSize:              4,
		Visibility:             "visible",
		AllowMetered:           true,
		AllowRoaming:           true,
		InstallAction:          DefaultInstallAction,
		LogFormat:              "text",
		LogLevel:               "info",
		LogMaxSizeMB:           10,
		LogMaxBackups:          3,
		AuditLevel:             "warn",
		ListenAddr:             "127.0.0.1:8420",
	}
}

// CatalogTimeout returns the catalog request timeout.
func (c *Config) CatalogTimeout() time.Duration {
	return time.Duration(c.CatalogTimeoutSeconds) * time.Second
}

// DownloadTimeout returns how long a tracked download may take.
func (c *Config) DownloadTimeout() time.Duration {
	return time.Duration(c.DownloadTimeoutSeconds) * time.Second
}

// Load reads configuration from cfgFile (or installer.yaml in the config
// dir or working dir), then LUDDITE_* environment variables. A .env file in
// the working directory is loaded into the environment first.
func Load(cfgFile string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	v := newViper(cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("installer")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newViper binds every key to its LUDDITE_ env variable with the defaults
// as fallbacks, so AutomaticEnv also reaches keys absent from the file.
func newViper(defaults *Config) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("LUDDITE")
	v.AutomaticEnv()
	for key, value := range defaults.settings() {
		v.SetDefault(key, value)
	}
	return v
}

// Redacted returns a copy with credentials masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	out.InstallCommand = append([]string(nil), c.InstallCommand...)
	for _, secret := range []*string{
		&out.APIKey,
		&out.S3SecretAccessKey,
		&out.S3SessionToken,
		&out.AzureConnectionString,
		&out.B2ApplicationKey,
	} {
		if *secret != "" {
			*secret = "********"
		}
	}
	return &out
}

// Path is the file SaveTo writes for cfgFile.
func Path(cfgFile string) string {
	if cfgFile != "" {
		return cfgFile
	}
	return filepath.Join(configDir(), "installer.yaml")
}

// SaveTo writes cfg to cfgFile, or to installer.yaml in the user config dir
// when cfgFile is empty.
func SaveTo(cfg *Config, cfgFile string) error {
	v := viper.New()
	for key, value := range cfg.settings() {
		v.Set(key, value)
	}

	cfgPath := Path(cfgFile)
	if dir := filepath.Dir(cfgPath); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}

	if err := v.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	// Owner-only: the file holds the API key and storage credentials.
	return os.Chmod(cfgPath, 0600)
}

func (c *Config) settings() map[string]any {
	return map[string]any{
		"api_url":                  c.APIURL,
		"api_key":                  c.APIKey,
		"catalog_timeout_seconds":  c.CatalogTimeoutSeconds,
		"catalog_max_retries":      c.CatalogMaxRetries,
		"download_dir":             c.DownloadDir,
		"download_timeout_seconds": c.DownloadTimeoutSeconds,
		"min_free_bytes":           c.MinFreeBytes,
		"workers":                  c.Workers,
		"queue_size":               c.QueueSize,
		"visibility":               c.Visibility,
		"allow_metered":            c.AllowMetered,
		"allow_roaming":            c.AllowRoaming,
		"install_command":          c.InstallCommand,
		"install_action":           c.InstallAction,
		"storage_bucket_url":       c.StorageBucketURL,
		"s3_region":                c.S3Region,
		"s3_endpoint":              c.S3Endpoint,
		"s3_access_key_id":         c.S3AccessKeyID,
		"s3_secret_access_key":     c.S3SecretAccessKey,
		"s3_session_token":         c.S3SessionToken,
		"gcs_credentials_file":     c.GCSCredentialsFile,
		"azure_connection_string":  c.AzureConnectionString,
		"b2_account_id":            c.B2AccountID,
		"b2_application_key":       c.B2ApplicationKey,
		"log_format":               c.LogFormat,
		"log_level":                c.LogLevel,
		"log_file":                 c.LogFile,
		"log_max_size_mb":          c.LogMaxSizeMB,
		"log_max_backups":          c.LogMaxBackups,
		"audit_url":                c.AuditURL,
		"audit_level":              c.AuditLevel,
		"listen_addr":              c.ListenAddr,
	}
}

func configDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "luddite-installer")
	}
	return "."
}

func dataDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "luddite-installer")
	}
	return os.TempDir()
}
