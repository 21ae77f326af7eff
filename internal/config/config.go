package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/brunoga/deep"
	"github.com/spf13/viper"

	"github.com/audiolibrelab/stereorec/internal/audio"
	"github.com/audiolibrelab/stereorec/internal/encoder"
)

const (
	DefaultProfile = "default"
	EnvPrefix      = "STEREOREC"

	Inherited       = "inherited"
	ProfileSpecific = "profile-specific"
)

type RootConfig struct {
	ActiveConfig string             `mapstructure:"active_config" yaml:"active_config"`
	Globals      *GlobalsConfig     `mapstructure:"globals,omitempty" yaml:"globals,omitempty"`
	Configs      map[string]*Config `mapstructure:"configs" yaml:"configs"`
}

// GlobalsConfig holds settings shared by every profile. A global recordings
// directory wins over the profile's output directory.
type GlobalsConfig struct {
	Output GlobalOutputConfig `mapstructure:"output" yaml:"output"`
	Server ServerConfig       `mapstructure:"server" yaml:"server"`
	Log    LogConfig          `mapstructure:"log" yaml:"log"`
}

type GlobalOutputConfig struct {
	RecordingsDirectory string `mapstructure:"recordings_directory" yaml:"recordings_directory"`
}

type Config struct {
	Audio     AudioConfig     `mapstructure:"audio" yaml:"audio"`
	Recording RecordingConfig `mapstructure:"recording" yaml:"recording"`
	Output    OutputConfig    `mapstructure:"output" yaml:"output"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`

	// Profile is the name of the resolved profile.
	Profile string `mapstructure:"-" yaml:"profile,omitempty"`
	// Internal field to track inheritance information for the config command
	Inheritance *InheritanceInfo `mapstructure:"-" yaml:"-"`
}

// InheritanceInfo maps a dotted field name to Inherited or ProfileSpecific.
type InheritanceInfo struct {
	Fields map[string]string
}

// Source returns where a field's value came from.
func (i *InheritanceInfo) Source(field string) string {
	if i == nil {
		return ProfileSpecific
	}
	if s, ok := i.Fields[field]; ok {
		return s
	}
	return Inherited
}

// Names returns the tracked fields in sorted order.
func (i *InheritanceInfo) Names() []string {
	if i == nil {
		return nil
	}
	names := make([]string, 0, len(i.Fields))
	for n := range i.Fields {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

type AudioConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"` // "auto", "malgo", "pulse", "pipewire", "portaudio", "tone"
	Device  string `mapstructure:"device" yaml:"device"`   // empty selects the system default
	// SampleRate 0 keeps the device's native rate.
	SampleRate int `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels   int `mapstructure:"channels" yaml:"channels"`
	// BufferSize 0 lets the platform choose.
	BufferSize int `mapstructure:"buffer_size" yaml:"buffer_size"`
}

type RecordingConfig struct {
	Format          string `mapstructure:"format" yaml:"format"` // "wav", "pcm" or their mime types
	FlushIntervalMS int    `mapstructure:"flush_interval_ms" yaml:"flush_interval_ms"`
}

// FlushInterval returns the configured flush period.
func (r RecordingConfig) FlushInterval() time.Duration {
	return time.Duration(r.FlushIntervalMS) * time.Millisecond
}

type OutputConfig struct {
	Directory string    `mapstructure:"directory" yaml:"directory"`
	UploadURL string    `mapstructure:"upload_url" yaml:"upload_url,omitempty"`
	S3        S3Config  `mapstructure:"s3" yaml:"s3,omitempty"`
	GCS       GCSConfig `mapstructure:"gcs" yaml:"gcs,omitempty"`
}

type S3Config struct {
	Bucket          string `mapstructure:"bucket" yaml:"bucket,omitempty"`
	Prefix          string `mapstructure:"prefix" yaml:"prefix,omitempty"`
	Region          string `mapstructure:"region" yaml:"region,omitempty"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	UsePathStyle    bool   `mapstructure:"use_path_style" yaml:"use_path_style,omitempty"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"-"`
}

type GCSConfig struct {
	Bucket          string `mapstructure:"bucket" yaml:"bucket,omitempty"`
	Prefix          string `mapstructure:"prefix" yaml:"prefix,omitempty"`
	CredentialsFile string `mapstructure:"credentials_file" yaml:"credentials_file,omitempty"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
}

type ServerConfig struct {
	Port            int    `mapstructure:"port" yaml:"port"`
	UploadDirectory string `mapstructure:"upload_directory" yaml:"upload_directory"`
	Metrics         *bool  `mapstructure:"metrics" yaml:"metrics,omitempty"`
}

// MetricsEnabled reports whether /metrics is served. Unset means enabled.
func (s ServerConfig) MetricsEnabled() bool {
	return s.Metrics == nil || *s.Metrics
}

type LogConfig struct {
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// Default returns the built-in configuration used when no file exists.
func Default() *Config {
	base := filepath.Join("~", "Audio", "stereorec")
	return &Config{
		Audio: AudioConfig{
			Backend:  string(audio.BackendTypeAuto),
			Channels: 2,
		},
		Recording: RecordingConfig{
			Format:          "wav",
			FlushIntervalMS: 1000,
		},
		Output: OutputConfig{
			Directory: base,
		},
		Server: ServerConfig{
			Port:            8080,
			UploadDirectory: filepath.Join(base, "uploads"),
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Profile: DefaultProfile,
	}
}

// LoadDefault returns the built-in configuration, resolved and validated.
func LoadDefault() (*Config, error) {
	return finish(Default())
}

// LoadWithProfile reads configFile and resolves the given profile, or the
// file's active_config when profile is empty. Profiles other than default
// fall back to configs.default, then to the built-in defaults.
func LoadWithProfile(configFile, profile string) (*Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("no config file specified, use --config flag")
	}
	if _, err := os.Stat(configFile); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	configName := profile
	if configName == "" {
		configName = rootConfig.ActiveConfig
	}
	if configName == "" {
		configName = DefaultProfile
	}

	selected, exists := rootConfig.Configs[configName]
	if !exists && configName != DefaultProfile {
		return nil, fmt.Errorf("configuration profile '%s' not found", configName)
	}

	result := mergeConfigs(Default(), rootConfig.Configs[DefaultProfile])
	if configName != DefaultProfile {
		result = mergeConfigs(result, selected)
	}
	result.Profile = configName

	applyGlobals(result, rootConfig.Globals)
	return finish(result)
}

// IsNotExist reports whether a load failed because the file is missing.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

func finish(c *Config) (*Config, error) {
	c.Output.Directory = expandPath(c.Output.Directory)
	c.Server.UploadDirectory = expandPath(c.Server.UploadDirectory)
	c.Log.File = expandPath(c.Log.File)
	c.Output.GCS.CredentialsFile = expandPath(c.Output.GCS.CredentialsFile)

	if err := Validate(c); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return c, nil
}

func applyGlobals(c *Config, g *GlobalsConfig) {
	if g == nil {
		return
	}
	if g.Output.RecordingsDirectory != "" {
		c.Output.Directory = g.Output.RecordingsDirectory
	}
	inh := c.Inheritance
	setIfSet(&c.Server.Port, g.Server.Port, "", inh)
	setIfSet(&c.Server.UploadDirectory, g.Server.UploadDirectory, "", inh)
	if g.Server.Metrics != nil {
		c.Server.Metrics = g.Server.Metrics
	}
	setIfSet(&c.Log.File, g.Log.File, "", inh)
	setIfSet(&c.Log.MaxSizeMB, g.Log.MaxSizeMB, "", inh)
	setIfSet(&c.Log.MaxBackups, g.Log.MaxBackups, "", inh)
	setIfSet(&c.Log.MaxAgeDays, g.Log.MaxAgeDays, "", inh)
}

// UpdateActiveConfig updates the active_config field in the config file
func UpdateActiveConfig(configFile, newActiveConfig string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	// Create a new viper instance to avoid interfering with the global one
	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	v.Set("active_config", newActiveConfig)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}

	return nil
}

// mergeConfigs overlays the non-zero settings of profile on a deep copy of
// base and records which fields the profile set. Base is never modified.
func mergeConfigs(base, profile *Config) *Config {
	result, err := deep.Copy(base)
	if err != nil {
		// Config holds only plain values; a copy failure is a programming error.
		panic(fmt.Sprintf("config: copy failed: %v", err))
	}
	inh := &InheritanceInfo{Fields: make(map[string]string)}
	result.Inheritance = inh

	if profile == nil {
		return result
	}

	setIfSet(&result.Audio.Backend, profile.Audio.Backend, "audio.backend", inh)
	setIfSet(&result.Audio.Device, profile.Audio.Device, "audio.device", inh)
	setIfSet(&result.Audio.SampleRate, profile.Audio.SampleRate, "audio.sample_rate", inh)
	setIfSet(&result.Audio.Channels, profile.Audio.Channels, "audio.channels", inh)
	setIfSet(&result.Audio.BufferSize, profile.Audio.BufferSize, "audio.buffer_size", inh)

	setIfSet(&result.Recording.Format, profile.Recording.Format, "recording.format", inh)
	setIfSet(&result.Recording.FlushIntervalMS, profile.Recording.FlushIntervalMS, "recording.flush_interval_ms", inh)

	setIfSet(&result.Output.Directory, profile.Output.Directory, "output.directory", inh)
	setIfSet(&result.Output.UploadURL, profile.Output.UploadURL, "output.upload_url", inh)
	if profile.Output.S3.Bucket != "" {
		result.Output.S3 = profile.Output.S3
		inh.Fields["output.s3"] = ProfileSpecific
	}
	if profile.Output.GCS.Bucket != "" {
		result.Output.GCS = profile.Output.GCS
		inh.Fields["output.gcs"] = ProfileSpecific
	}

	setIfSet(&result.Server.Port, profile.Server.Port, "server.port", inh)
	setIfSet(&result.Server.UploadDirectory, profile.Server.UploadDirectory, "server.upload_directory", inh)
	if profile.Server.Metrics != nil {
		result.Server.Metrics = profile.Server.Metrics
		inh.Fields["server.metrics"] = ProfileSpecific
	}

	setIfSet(&result.Log.File, profile.Log.File, "log.file", inh)
	setIfSet(&result.Log.MaxSizeMB, profile.Log.MaxSizeMB, "log.max_size_mb", inh)
	setIfSet(&result.Log.MaxBackups, profile.Log.MaxBackups, "log.max_backups", inh)
	setIfSet(&result.Log.MaxAgeDays, profile.Log.MaxAgeDays, "log.max_age_days", inh)

	return result
}

// setIfSet copies v into dst unless v is the zero value. An empty field name
// skips inheritance tracking.
func setIfSet[T comparable](dst *T, v T, field string, inh *InheritanceInfo) {
	var zero T
	if v == zero {
		return
	}
	*dst = v
	if field != "" && inh != nil {
		inh.Fields[field] = ProfileSpecific
	}
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// Validate checks a resolved configuration. Errors name the offending field.
func Validate(c *Config) error {
	if _, err := audio.ParseBackend(c.Audio.Backend); err != nil {
		return fmt.Errorf("audio.backend: %w", err)
	}
	if c.Audio.SampleRate < 0 {
		return fmt.Errorf("audio.sample_rate must be >= 0, got: %d", c.Audio.SampleRate)
	}
	if c.Audio.Channels != 1 && c.Audio.Channels != 2 {
		return fmt.Errorf("audio.channels must be 1 or 2, got: %d", c.Audio.Channels)
	}
	if !audio.ValidBufferSize(c.Audio.BufferSize) {
		return fmt.Errorf("audio.buffer_size must be one of %v, got: %d", audio.LegalBufferSizes, c.Audio.BufferSize)
	}

	if _, err := encoder.ParseFormat(c.Recording.Format); err != nil {
		return fmt.Errorf("recording.format: %w", err)
	}
	if c.Recording.FlushIntervalMS <= 0 {
		return fmt.Errorf("recording.flush_interval_ms must be > 0, got: %d", c.Recording.FlushIntervalMS)
	}

	if strings.TrimSpace(c.Output.Directory) == "" {
		return fmt.Errorf("output.directory is required")
	}
	if c.Output.UploadURL != "" {
		u, err := url.Parse(c.Output.UploadURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("output.upload_url must be an http(s) URL, got: %s", c.Output.UploadURL)
		}
	}
	if c.Output.S3.Bucket == "" && (c.Output.S3.Prefix != "" || c.Output.S3.Endpoint != "") {
		return fmt.Errorf("output.s3.bucket is required when output.s3 is configured")
	}
	if c.Output.GCS.Bucket == "" && (c.Output.GCS.Prefix != "" || c.Output.GCS.Endpoint != "") {
		return fmt.Errorf("output.gcs.bucket is required when output.gcs is configured")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got: %d", c.Server.Port)
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 || c.Log.MaxAgeDays < 0 {
		return fmt.Errorf("log rotation limits must be >= 0")
	}
	return nil
}

// ValidateConfigurationFormat validates the configuration file format and returns parsed config
func ValidateConfigurationFormat(configFile string) (*RootConfig, error) {
	v := viper.New()
	v.SetConfigFile(configFile)

	// STEREOREC_ACTIVE_CONFIG, STEREOREC_CONFIGS_DEFAULT_AUDIO_BACKEND, ...
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	for name, profile := range rootConfig.Configs {
		if profile == nil {
			return nil, fmt.Errorf("config '%s' is empty", name)
		}
		if profile.Audio.Backend != "" {
			if _, err := audio.ParseBackend(profile.Audio.Backend); err != nil {
				return nil, fmt.Errorf("invalid config '%s': audio.backend: %w", name, err)
			}
		}
		if profile.Recording.Format != "" {
			if _, err := encoder.ParseFormat(profile.Recording.Format); err != nil {
				return nil, fmt.Errorf("invalid config '%s': recording.format: %w", name, err)
			}
		}
		if profile.Audio.BufferSize != 0 && !audio.ValidBufferSize(profile.Audio.BufferSize) {
			return nil, fmt.Errorf("invalid config '%s': audio.buffer_size must be one of %v, got: %d",
				name, audio.LegalBufferSizes, profile.Audio.BufferSize)
		}
	}

	return &rootConfig, nil
}

// ProfileNames returns the profiles defined in configFile, sorted.
func ProfileNames(configFile string) ([]string, string, error) {
	root, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, "", err
	}
	names := make([]string, 0, len(root.Configs))
	for n := range root.Configs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, root.ActiveConfig, nil
}
