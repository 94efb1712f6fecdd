package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/ini.v1"
)

// Config wraps viper and provides typed accessors.
type Config struct {
	v *viper.Viper
}

// Load reads a config file and prepares defaults. INI files get flat
// key handling; any other extension goes through viper directly.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("QISHUIGRAB")
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		if strings.EqualFold(filepath.Ext(path), ".ini") {
			if err := loadINI(v, path); err != nil {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	return &Config{v: v}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("Host", "0.0.0.0")
	v.SetDefault("Port", 5000)
	v.SetDefault("ReadTimeoutSec", 30)
	v.SetDefault("WriteTimeoutSec", 120)
	v.SetDefault("DownloadTimeoutSec", 60)
	v.SetDefault("UserAgent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64)")
	v.SetDefault("CacheDir", "./cache")
	v.SetDefault("MaxCoverSizeMB", 10)
	v.SetDefault("RequestsPerSecond", 4.0)
	v.SetDefault("RequestBurst", 8)
	v.SetDefault("WorkerPoolSize", 4)
	v.SetDefault("EnableHistory", true)
	v.SetDefault("Database", "history.db")
	v.SetDefault("DBMaxOpenConns", 1)
	v.SetDefault("DBMaxIdleConns", 1)
	v.SetDefault("DBConnMaxLifetimeSec", 3600)
	v.SetDefault("HistoryPageSize", 50)
	v.SetDefault("LogDir", "./log")
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFormat", "text")
	v.SetDefault("LogSource", false)
	v.SetDefault("GormLogLevel", "warn")
}

// GetString returns a string value.
func (c *Config) GetString(key string) string {
	return c.v.GetString(key)
}

// GetInt returns an int value.
func (c *Config) GetInt(key string) int {
	return c.v.GetInt(key)
}

// GetFloat64 returns a float64 value.
func (c *Config) GetFloat64(key string) float64 {
	return c.v.GetFloat64(key)
}

// GetBool returns a bool value.
func (c *Config) GetBool(key string) bool {
	return c.v.GetBool(key)
}

func loadINI(v *viper.Viper, path string) error {
	cfg, err := ini.Load(path)
	if err != nil {
		return err
	}

	for _, key := range cfg.Section("").Keys() {
		v.Set(key.Name(), key.Value())
	}

	return nil
}
