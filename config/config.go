package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "WARPCHAT"

type Config struct {
	Port         int
	DBPath       string
	ReadTimeout  int // seconds
	WriteTimeout int // seconds

	UploadDir       string
	UploadMaxBytes  int64
	UploadRetention int // hours, 0 keeps uploads forever

	StaticDir     string
	ControlSocket string

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string

	LogLevel uint
	LogFile  string
}

// SetDefaults registers every key with its default value and enables
// WARPCHAT_* environment overrides on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("port", 3001)
	v.SetDefault("db_path", "warpchat.db")
	v.SetDefault("read_timeout", 60)
	v.SetDefault("write_timeout", 10)
	v.SetDefault("upload_dir", "uploads")
	v.SetDefault("upload_max_bytes", 25<<20)
	v.SetDefault("upload_retention", 0)
	v.SetDefault("static_dir", "")
	v.SetDefault("control_socket", "/tmp/warpchat.sock")
	v.SetDefault("vapid_public_key", "")
	v.SetDefault("vapid_private_key", "")
	v.SetDefault("vapid_subject", "mailto:admin@localhost")
	v.SetDefault("log_level", 0)
	v.SetDefault("log_file", "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

func Load(v *viper.Viper) *Config {
	cfg := &Config{
		Port:            v.GetInt("port"),
		DBPath:          v.GetString("db_path"),
		ReadTimeout:     v.GetInt("read_timeout"),
		WriteTimeout:    v.GetInt("write_timeout"),
		UploadDir:       v.GetString("upload_dir"),
		UploadMaxBytes:  v.GetInt64("upload_max_bytes"),
		UploadRetention: v.GetInt("upload_retention"),
		StaticDir:       v.GetString("static_dir"),
		ControlSocket:   v.GetString("control_socket"),
		VAPIDPublicKey:  v.GetString("vapid_public_key"),
		VAPIDPrivateKey: v.GetString("vapid_private_key"),
		VAPIDSubject:    v.GetString("vapid_subject"),
		LogLevel:        v.GetUint("log_level"),
		LogFile:         v.GetString("log_file"),
	}

	if cfg.Port <= 0 {
		cfg.Port = 3001
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10
	}
	if cfg.UploadMaxBytes <= 0 {
		cfg.UploadMaxBytes = 25 << 20
	}

	return cfg
}

// PushEnabled reports whether VAPID keys are configured.
func (c *Config) PushEnabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

func (c *Config) RetentionPeriod() time.Duration {
	return time.Duration(c.UploadRetention) * time.Hour
}
