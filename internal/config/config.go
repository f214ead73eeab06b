package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "SOULSNAP"

type StorageType string

const (
	StorageLocal StorageType = "local"
	StorageS3    StorageType = "s3"
)

// ByteSize accepts either a byte count or a human string such as "20MiB".
type ByteSize int64

type Config struct {
	APIURL        string        `mapstructure:"api_url"`
	LedgerPath    string        `mapstructure:"ledger_path"`
	MaxSize       ByteSize      `mapstructure:"max_size"`
	Timeout       time.Duration `mapstructure:"timeout"`
	DeleteTimeout time.Duration `mapstructure:"delete_timeout"`
	Archiver      string        `mapstructure:"archiver"`
	Cipher        string        `mapstructure:"cipher"`
	Log           LogConfig     `mapstructure:"log"`
	Server        ServerConfig  `mapstructure:"server"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file,omitempty"`
}

type ServerConfig struct {
	Addr          string        `mapstructure:"addr"`
	PublicURL     string        `mapstructure:"public_url"`
	Storage       StorageType   `mapstructure:"storage"`
	Path          string        `mapstructure:"path"`
	PresignExpiry time.Duration `mapstructure:"presign_expiry"`
	S3            S3Config      `mapstructure:"s3"`
}

type S3Config struct {
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Prefix    string `mapstructure:"prefix"`
}

func ConfigDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".soulsnap")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

func Default() *Config {
	return &Config{
		APIURL:        "https://soul-upload.com",
		LedgerPath:    "soul-backup-recovery.txt",
		MaxSize:       20 * 1024 * 1024,
		Timeout:       5 * time.Minute,
		DeleteTimeout: 30 * time.Second,
		Archiver:      "tar",
		Cipher:        "openssl",
		Log: LogConfig{
			Level:  "normal",
			Format: "text",
		},
		Server: ServerConfig{
			Addr:          "127.0.0.1:8080",
			Storage:       StorageLocal,
			Path:          filepath.Join(ConfigDir(), "store"),
			PresignExpiry: 15 * time.Minute,
			S3: S3Config{
				Region: "us-east-1",
				Prefix: "soulsnap",
			},
		},
	}
}

// SetDefaults registers every key so environment variables are picked up
// for keys absent from the file.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("api_url", d.APIURL)
	v.SetDefault("ledger_path", d.LedgerPath)
	v.SetDefault("max_size", int64(d.MaxSize))
	v.SetDefault("timeout", d.Timeout)
	v.SetDefault("delete_timeout", d.DeleteTimeout)
	v.SetDefault("archiver", d.Archiver)
	v.SetDefault("cipher", d.Cipher)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.public_url", d.Server.PublicURL)
	v.SetDefault("server.storage", string(d.Server.Storage))
	v.SetDefault("server.path", d.Server.Path)
	v.SetDefault("server.presign_expiry", d.Server.PresignExpiry)
	v.SetDefault("server.s3.bucket", d.Server.S3.Bucket)
	v.SetDefault("server.s3.region", d.Server.S3.Region)
	v.SetDefault("server.s3.endpoint", d.Server.S3.Endpoint)
	v.SetDefault("server.s3.access_key", d.Server.S3.AccessKey)
	v.SetDefault("server.s3.secret_key", d.Server.S3.SecretKey)
	v.SetDefault("server.s3.prefix", d.Server.S3.Prefix)
}

// Load resolves configuration from defaults, the YAML file, SOULSNAP_*
// environment variables and any flags already bound to v, in increasing
// precedence. An explicit path must exist; the default path is optional.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else if _, err := os.Stat(ConfigPath()); err == nil {
		v.SetConfigFile(ConfigPath())
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", ConfigPath(), err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		byteSizeHook,
		mapstructure.StringToTimeDurationHookFunc(),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func byteSizeHook(from, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(ByteSize(0)) || from.Kind() != reflect.String {
		return data, nil
	}
	n, err := humanize.ParseBytes(data.(string))
	if err != nil {
		return nil, fmt.Errorf("invalid size %q: %w", data, err)
	}
	return ByteSize(n), nil
}

func (c *Config) Validate() error {
	var errs []error

	if u, err := url.Parse(c.APIURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("api_url must be an http(s) URL, got %q", c.APIURL))
	}
	if c.LedgerPath == "" {
		errs = append(errs, errors.New("ledger_path must not be empty"))
	}
	if c.MaxSize <= 0 {
		errs = append(errs, errors.New("max_size must be greater than 0"))
	}
	if c.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be greater than 0"))
	}
	if c.DeleteTimeout <= 0 {
		errs = append(errs, errors.New("delete_timeout must be greater than 0"))
	}
	if !oneOf(c.Archiver, "tar", "native") {
		errs = append(errs, fmt.Errorf("invalid archiver %q, must be one of: tar, native", c.Archiver))
	}
	if !oneOf(c.Cipher, "openssl", "native") {
		errs = append(errs, fmt.Errorf("invalid cipher %q, must be one of: openssl, native", c.Cipher))
	}
	if !oneOf(c.Log.Level, "quiet", "normal", "verbose") {
		errs = append(errs, fmt.Errorf("invalid log.level %q, must be one of: quiet, normal, verbose", c.Log.Level))
	}
	if !oneOf(c.Log.Format, "text", "json") {
		errs = append(errs, fmt.Errorf("invalid log.format %q, must be one of: text, json", c.Log.Format))
	}
	switch c.Server.Storage {
	case StorageLocal:
	case StorageS3:
		if c.Server.S3.Bucket == "" {
			errs = append(errs, errors.New("server.s3.bucket is required when server.storage is s3"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid server.storage %q, must be one of: local, s3", c.Server.Storage))
	}

	return errors.Join(errs...)
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// fileConfig is the on-disk YAML shape. Durations and sizes are written in
// their human form.
type fileConfig struct {
	APIURL        string     `yaml:"api_url"`
	LedgerPath    string     `yaml:"ledger_path"`
	MaxSize       string     `yaml:"max_size"`
	Timeout       string     `yaml:"timeout"`
	DeleteTimeout string     `yaml:"delete_timeout"`
	Archiver      string     `yaml:"archiver"`
	Cipher        string     `yaml:"cipher"`
	Log           LogConfig  `yaml:"log"`
	Server        fileServer `yaml:"server"`
}

type fileServer struct {
	Addr          string      `yaml:"addr"`
	PublicURL     string      `yaml:"public_url,omitempty"`
	Storage       StorageType `yaml:"storage"`
	Path          string      `yaml:"path,omitempty"`
	PresignExpiry string      `yaml:"presign_expiry"`
	S3            fileS3      `yaml:"s3,omitempty"`
}

type fileS3 struct {
	Bucket    string `yaml:"bucket,omitempty"`
	Region    string `yaml:"region,omitempty"`
	Endpoint  string `yaml:"endpoint,omitempty"`
	AccessKey string `yaml:"access_key,omitempty"`
	SecretKey string `yaml:"secret_key,omitempty"`
	Prefix    string `yaml:"prefix,omitempty"`
}

func Save(cfg *Config, path string) error {
	if path == "" {
		path = ConfigPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	fc := fileConfig{
		APIURL:        cfg.APIURL,
		LedgerPath:    cfg.LedgerPath,
		MaxSize:       formatSize(cfg.MaxSize),
		Timeout:       cfg.Timeout.String(),
		DeleteTimeout: cfg.DeleteTimeout.String(),
		Archiver:      cfg.Archiver,
		Cipher:        cfg.Cipher,
		Log:           cfg.Log,
		Server: fileServer{
			Addr:          cfg.Server.Addr,
			PublicURL:     cfg.Server.PublicURL,
			Storage:       cfg.Server.Storage,
			Path:          cfg.Server.Path,
			PresignExpiry: cfg.Server.PresignExpiry.String(),
			S3:            fileS3(cfg.Server.S3),
		},
	}

	data, err := yaml.Marshal(&fc)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// formatSize writes whole MiB or KiB in their short form and anything else
// as a plain byte count, so the value survives a reload exactly.
func formatSize(n ByteSize) string {
	switch {
	case n > 0 && n%(1024*1024) == 0:
		return fmt.Sprintf("%dMiB", n/(1024*1024))
	case n > 0 && n%1024 == 0:
		return fmt.Sprintf("%dKiB", n/1024)
	default:
		return fmt.Sprintf("%d", n)
	}
}
