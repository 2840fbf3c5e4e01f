package config

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

// VaultSubdir is the fixed vault root below VaultDir.
const VaultSubdir = "vault/service/terminus/audio"

type Config struct {
	DataDir              string `mapstructure:"data_dir"`
	VaultDir             string `mapstructure:"vault_dir"`
	TempDir              string `mapstructure:"temp_dir"`
	ChunkDurationSeconds int    `mapstructure:"chunk_duration_seconds"`
	SampleRate           int    `mapstructure:"sample_rate"`
	Source               string `mapstructure:"source"`
	SourceDevice         string `mapstructure:"source_device"`
	CaptureDevicePath    string `mapstructure:"capture_device_path"`
	DeviceName           string `mapstructure:"device_name"`
	StopTimeoutMs        int    `mapstructure:"stop_timeout_ms"`
	VerifyWorkers        int    `mapstructure:"verify_workers"`

	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`

	AuditMaxSizeMB  int `mapstructure:"audit_max_size_mb"`
	AuditMaxBackups int `mapstructure:"audit_max_backups"`
}

func Default() *Config {
	return &Config{
		DataDir:              GetDataDir(),
		VaultDir:             GetDataDir(),
		TempDir:              os.TempDir(),
		ChunkDurationSeconds: 30,
		SampleRate:           44100,
		Source:               "ffmpeg",
		SourceDevice:         "default",
		CaptureDevicePath:    defaultCaptureDevicePath(),
		StopTimeoutMs:        1000,
		VerifyWorkers:        4,
		LogLevel:             "info",
		LogFormat:            "text",
		LogMaxSizeMB:         20,
		LogMaxBackups:        3,
		AuditMaxSizeMB:       50,
		AuditMaxBackups:      3,
	}
}

// VaultRoot is the directory holding the data/ and metadata/ trees.
func (c *Config) VaultRoot() string {
	return filepath.Join(c.VaultDir, filepath.FromSlash(VaultSubdir))
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("agent")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("TERMINUS")
	v.AutomaticEnv()
	bindDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// bindDefaults registers every key so AutomaticEnv can override keys that
// are absent from the config file.
func bindDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("vault_dir", cfg.VaultDir)
	v.SetDefault("temp_dir", cfg.TempDir)
	v.SetDefault("chunk_duration_seconds", cfg.ChunkDurationSeconds)
	v.SetDefault("sample_rate", cfg.SampleRate)
	v.SetDefault("source", cfg.Source)
	v.SetDefault("source_device", cfg.SourceDevice)
	v.SetDefault("capture_device_path", cfg.CaptureDevicePath)
	v.SetDefault("device_name", cfg.DeviceName)
	v.SetDefault("stop_timeout_ms", cfg.StopTimeoutMs)
	v.SetDefault("verify_workers", cfg.VerifyWorkers)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)
	v.SetDefault("log_file", cfg.LogFile)
	v.SetDefault("log_max_size_mb", cfg.LogMaxSizeMB)
	v.SetDefault("log_max_backups", cfg.LogMaxBackups)
	v.SetDefault("audit_max_size_mb", cfg.AuditMaxSizeMB)
	v.SetDefault("audit_max_backups", cfg.AuditMaxBackups)
}

// SaveTo writes cfg as YAML to cfgFile, or to the platform config dir when
// cfgFile is empty.
func SaveTo(cfg *Config, cfgFile string) error {
	v := viper.New()
	v.Set("data_dir", cfg.DataDir)
	v.Set("vault_dir", cfg.VaultDir)
	v.Set("temp_dir", cfg.TempDir)
	v.Set("chunk_duration_seconds", cfg.ChunkDurationSeconds)
	v.Set("sample_rate", cfg.SampleRate)
	v.Set("source", cfg.Source)
	v.Set("source_device", cfg.SourceDevice)
	v.Set("capture_device_path", cfg.CaptureDevicePath)
	v.Set("device_name", cfg.DeviceName)
	v.Set("stop_timeout_ms", cfg.StopTimeoutMs)
	v.Set("verify_workers", cfg.VerifyWorkers)
	v.Set("log_level", cfg.LogLevel)
	v.Set("log_format", cfg.LogFormat)
	v.Set("log_file", cfg.LogFile)
	v.Set("log_max_size_mb", cfg.LogMaxSizeMB)
	v.Set("log_max_backups", cfg.LogMaxBackups)
	v.Set("audit_max_size_mb", cfg.AuditMaxSizeMB)
	v.Set("audit_max_backups", cfg.AuditMaxBackups)

	cfgPath := cfgFile
	if cfgPath == "" {
		cfgPath = filepath.Join(configDir(), "agent.yaml")
	}
	if err := os.MkdirAll(filepath.Dir(cfgPath), 0o700); err != nil {
		return err
	}
	if err := v.WriteConfigAs(cfgPath); err != nil {
		return err
	}
	return os.Chmod(cfgPath, 0o600)
}

// GetDataDir returns the platform directory for agent state (identity,
// audit log, vault).
func GetDataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Terminus", "data")
	case "darwin":
		return "/Library/Application Support/Terminus/data"
	default:
		return "/var/lib/terminus"
	}
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Terminus")
	case "darwin":
		return "/Library/Application Support/Terminus"
	default:
		return "/etc/terminus"
	}
}

func defaultCaptureDevicePath() string {
	if runtime.GOOS == "linux" {
		return "/dev/snd"
	}
	return ""
}
