package conf

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/chatlogstore/chatlog/internal/chatdb/msgstore"
	"github.com/chatlogstore/chatlog/internal/chatdb/repository"
	"github.com/chatlogstore/chatlog/internal/errors"
)

const (
	EnvPrefix       = "CHATLOG"
	DefaultHTTPAddr = "127.0.0.1:5030"
	DefaultFormat   = msgstore.FormatRelational
	configName      = "chatlog"
)

// Config is the server configuration, read from file, CHATLOG_* variables and flags.
type Config struct {
	DataDir     string `mapstructure:"data_dir" json:"data_dir"`
	Format      string `mapstructure:"format" json:"format"`
	HTTPAddr    string `mapstructure:"http_addr" json:"http_addr"`
	DedupWindow int    `mapstructure:"dedup_window" json:"dedup_window"`
	Watch       bool   `mapstructure:"watch" json:"watch"`
	Metrics     bool   `mapstructure:"metrics" json:"metrics"`
	LogFile     string `mapstructure:"log_file" json:"log_file"`
	Debug       bool   `mapstructure:"debug" json:"debug"`
}

// flagKeys maps command line flags to config keys.
var flagKeys = map[string]string{
	"data-dir":     "data_dir",
	"format":       "format",
	"http-addr":    "http_addr",
	"dedup-window": "dedup_window",
	"watch":        "watch",
	"metrics":      "metrics",
	"log-file":     "log_file",
	"debug":        "debug",
}

func DefaultWorkDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".chatlog")
	}
	return ".chatlog"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", filepath.Join(DefaultWorkDir(), "logs"))
	v.SetDefault("format", DefaultFormat)
	v.SetDefault("http_addr", DefaultHTTPAddr)
	v.SetDefault("dedup_window", repository.DefaultDedupWindow)
	v.SetDefault("watch", true)
	v.SetDefault("metrics", true)
	v.SetDefault("log_file", "")
	v.SetDefault("debug", false)
}

// Load reads the config file at path, or chatlog.{yaml,json,toml} from the work
// directory when path is empty, then applies environment variables and the
// changed flags of flags.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		v.AddConfigPath(DefaultWorkDir())
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errors.ConfigInvalid("file", err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, errors.ConfigInvalid(key, err)
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.ConfigInvalid("decode", err)
	}
	c.Normalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Normalize() {
	c.DataDir = strings.TrimSpace(c.DataDir)
	c.Format = strings.ToLower(strings.TrimSpace(c.Format))
	c.HTTPAddr = NormalizeHTTPAddr(c.HTTPAddr)
	if c.DedupWindow <= 0 {
		c.DedupWindow = repository.DefaultDedupWindow
	}
}

func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.ConfigInvalid("data_dir", fmt.Errorf("empty"))
	}
	switch c.Format {
	case msgstore.FormatBinary, msgstore.FormatRelational:
	default:
		return errors.ConfigInvalid("format", errors.FormatUnsupported(c.Format))
	}
	if _, _, err := net.SplitHostPort(c.HTTPAddr); err != nil {
		return errors.ConfigInvalid("http_addr", err)
	}
	return nil
}

// NormalizeHTTPAddr accepts a bare port or a URL and returns host:port.
func NormalizeHTTPAddr(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "http://")
	text = strings.TrimPrefix(text, "https://")
	text = strings.TrimSuffix(text, "/")
	if text != "" && strings.Trim(text, "0123456789") == "" {
		return "127.0.0.1:" + text
	}
	return text
}
